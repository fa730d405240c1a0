// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package copier plans and performs the copying of media files from a source
// volume to a destination, hashing each file as it is copied.
package copier

import (
	"io/fs"
	"time"
)

type FileStatus int

const (
	StatusPending FileStatus = iota
	StatusCopying
	StatusCopied
	StatusChecksumming
	StatusVerified
	StatusMismatched
	StatusSkipped
	StatusFailed
)

func (s FileStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCopying:
		return "copying"
	case StatusCopied:
		return "copied"
	case StatusChecksumming:
		return "checksumming"
	case StatusVerified:
		return "verified"
	case StatusMismatched:
		return "mismatched"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// A FileTask tracks a single source file through copying and verification.
type FileTask struct {
	// position of the file within its session (0-based)
	Index int
	// absolute path of the source file
	SourcePath string
	// path of the source file relative to the source root
	RelativePath string
	// absolute path of the destination file
	DestinationPath string
	// path of the destination file relative to the session directory
	// (forward slashes), as recorded in the manifest
	ManifestPath string
	// size of the source file in bytes
	Size int64
	// permission bits of the source file
	Mode fs.FileMode
	// modification time of the source file
	ModTime time.Time
	// access time of the source file
	AccessTime time.Time
	// hash of the bytes read from the source while copying
	SourceHash string
	// hash of the bytes read back from the destination
	DestinationHash string
	// name of the hash algorithm
	Algorithm string
	Status    FileStatus
	// times at which processing of the file started and finished
	Started  time.Time
	Finished time.Time
	// error that caused the file to fail, if any
	Error error
}
