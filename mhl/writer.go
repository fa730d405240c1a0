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

package mhl

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kbase/transferbox/checksum"
)

// the layout of the timestamp from which manifest filenames are derived
const FilenameLayout = "20060102_150405"

// name and version written to creatorinfo
var (
	ToolName    = "TransferBox"
	ToolVersion = "0.1.0"
)

// a single verified file
type Entry struct {
	// path relative to the directory holding the manifest, with forward slashes
	Path      string
	Size      int64
	ModTime   time.Time
	Algorithm string
	Digest    string
	// time at which the digest was computed
	HashDate time.Time
}

// session metadata written alongside the entries
type Session struct {
	Id          string
	Status      string
	Source      string
	SourcePath  string
	Destination string
	Start       time.Time
	End         time.Time
	TotalFiles  int
	TotalBytes  int64
}

// A Writer accumulates manifest entries in memory while a session runs and
// writes them exactly once, atomically, when the session ends.
type Writer struct {
	mu        sync.Mutex
	dir       string
	filename  string
	entries   []Entry
	finalized bool
}

// creates a writer that will place its document in dir, named after the
// session's start time
func NewWriter(dir string, start time.Time) *Writer {
	return &Writer{
		dir:      dir,
		filename: start.Format(FilenameLayout) + ".mhl",
	}
}

// returns the absolute path the manifest is (or will be) written to
func (w *Writer) Path() string {
	return filepath.Join(w.dir, w.filename)
}

// appends an entry for a verified file
func (w *Writer) Record(entry Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return &AlreadyFinalizedError{Path: w.Path()}
	}
	if !checksum.Supported(entry.Algorithm) {
		return &checksum.UnsupportedAlgorithmError{Algorithm: entry.Algorithm}
	}
	if entry.HashDate.IsZero() {
		entry.HashDate = time.Now()
	}
	entry.Path = filepath.ToSlash(entry.Path)
	w.entries = append(w.entries, entry)
	return nil
}

// returns a copy of the entries recorded so far
func (w *Writer) Entries() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	entries := make([]Entry, len(w.entries))
	copy(entries, w.entries)
	return entries
}

// serializes all recorded entries and the given session metadata, writing
// the document to a temporary file that is synced and renamed into place.
// Finalize may only be called once.
func (w *Writer) Finalize(session Session) (*HashList, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return nil, &AlreadyFinalizedError{Path: w.Path()}
	}
	w.finalized = true

	list := w.document(session)
	data, err := xml.MarshalIndent(list, "", "  ")
	if err != nil {
		return nil, &WriteError{Path: w.Path(), Err: err}
	}
	data = append([]byte(xml.Header), data...)
	data = append(data, '\n')

	if err := writeAtomically(w.Path(), data); err != nil {
		return nil, &WriteError{Path: w.Path(), Err: err}
	}
	slog.Info(fmt.Sprintf("Wrote manifest %s (%d entries)", w.Path(), len(w.entries)))
	return list, nil
}

func (w *Writer) document(session Session) *HashList {
	hostname, _ := os.Hostname()
	list := &HashList{
		Version: Version,
		CreatorInfo: CreatorInfo{
			CreationDate: time.Now().Format(TimeLayout),
			Hostname:     hostname,
			Tool:         Tool{Name: ToolName, Version: ToolVersion},
			Location:     session.Destination,
		},
		ProcessInfo: ProcessInfo{
			Process: "in-place",
			Ignore:  IgnorePatterns,
		},
		SessionInfo: &SessionInfo{
			Id:          session.Id,
			Status:      session.Status,
			Source:      session.Source,
			SourcePath:  session.SourcePath,
			Destination: session.Destination,
			StartDate:   formatTime(session.Start),
			EndDate:     formatTime(session.End),
			TotalFiles:  session.TotalFiles,
			TotalBytes:  session.TotalBytes,
		},
		Hashes: make([]Hash, len(w.entries)),
	}
	for i, entry := range w.entries {
		value := &HashValue{
			Action:   "original",
			HashDate: entry.HashDate.Format(TimeLayout),
			Digest:   strings.ToLower(entry.Digest),
		}
		h := Hash{
			Path: HashPath{
				Size:                 entry.Size,
				LastModificationDate: formatTime(entry.ModTime),
				Path:                 entry.Path,
			},
		}
		switch strings.ToLower(entry.Algorithm) {
		case checksum.XXH64:
			h.XXH64 = value
		case checksum.MD5:
			h.MD5 = value
		case checksum.SHA1:
			h.SHA1 = value
		case checksum.SHA256:
			h.SHA256 = value
		}
		list.Hashes[i] = h
	}
	return list
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(TimeLayout)
}

// writes data to a sibling temporary file, syncs it, and renames it over path
func writeAtomically(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	err = os.Rename(tmpName, path)
	return err
}
