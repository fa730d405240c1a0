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

package copier

import (
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// a regular file found on a source volume
type SourceFile struct {
	Path         string
	RelativePath string
	Size         int64
	Mode         fs.FileMode
	ModTime      time.Time
	AccessTime   time.Time
	// earliest of the file's change, modification, and access times
	Timestamp time.Time
}

// walks the source root and returns the regular files that pass the include
// function, sorted by relative path. Hidden files and directories (those
// whose names begin with ".") are skipped.
func Discover(root string, include func(relPath string) bool) ([]SourceFile, error) {
	files := make([]SourceFile, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return &SourceReadError{Path: path, Err: err}
		}
		if path == root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if include != nil && !include(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return &SourceReadError{Path: path, Err: err}
		}
		file := SourceFile{
			Path:         path,
			RelativePath: rel,
			Size:         info.Size(),
			Mode:         info.Mode(),
			ModTime:      info.ModTime(),
			AccessTime:   info.ModTime(),
			Timestamp:    info.ModTime(),
		}
		fileTimes(&file)
		files = append(files, file)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(files, func(a, b SourceFile) int {
		return strings.Compare(a.RelativePath, b.RelativePath)
	})
	return files, nil
}

// fills in access time and the earliest timestamp where the host provides them
func fileTimes(file *SourceFile) {
	var stat unix.Stat_t
	if err := unix.Stat(file.Path, &stat); err != nil {
		return
	}
	file.AccessTime = time.Unix(stat.Atim.Unix())
	earliest := file.ModTime
	for _, t := range []time.Time{file.AccessTime, time.Unix(stat.Ctim.Unix())} {
		if t.Before(earliest) {
			earliest = t
		}
	}
	file.Timestamp = earliest
}

