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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kbase/transferbox/checksum"
)

// suffix of the temporary file a copy is written to before it is renamed
// into place
const TempSuffix = ".TBPART"

// A Pipeline copies files in chunks, hashing the bytes read from the source
// as they are written.
type Pipeline struct {
	Algorithm  string
	BufferSize int
}

// copies the task's source file to its destination, calling onChunk (if
// given) with the size of each chunk written. The copy is written to a
// temporary file that is synced and renamed into place only when complete,
// so an interrupted copy never leaves a partial file at the destination.
// Cancellation of the context is checked between chunks, and the context's
// cause is returned if it is canceled.
func (p Pipeline) Copy(ctx context.Context, task *FileTask, onChunk func(n int)) error {
	task.Status = StatusCopying
	task.Started = time.Now()
	task.Algorithm = p.Algorithm
	err := p.copy(ctx, task, onChunk)
	task.Finished = time.Now()
	if err != nil {
		task.Status = StatusFailed
		task.Error = err
		return err
	}
	task.Status = StatusCopied
	return nil
}

func (p Pipeline) copy(ctx context.Context, task *FileTask, onChunk func(n int)) error {
	codec, err := checksum.New(p.Algorithm)
	if err != nil {
		return err
	}
	bufferSize := p.BufferSize
	if bufferSize <= 0 {
		bufferSize = checksum.DefaultBufferSize
	}

	in, err := os.Open(task.SourcePath)
	if err != nil {
		return &SourceReadError{Path: task.SourcePath, Err: err}
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(task.DestinationPath), 0755); err != nil {
		return &DestinationWriteError{Path: task.DestinationPath, Err: err}
	}
	tempPath := task.DestinationPath + TempSuffix
	out, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return &DestinationWriteError{Path: tempPath, Err: err}
	}
	success := false
	defer func() {
		if !success {
			out.Close()
			if err := os.Remove(tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				slog.Warn(fmt.Sprintf("Couldn't remove partial file %s: %s", tempPath, err))
			}
		}
	}()

	buffer := make([]byte, bufferSize)
	var copied int64
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		n, readErr := in.Read(buffer)
		if n > 0 {
			if _, err := out.Write(buffer[:n]); err != nil {
				return &DestinationWriteError{Path: tempPath, Err: err}
			}
			codec.Write(buffer[:n])
			copied += int64(n)
			if onChunk != nil {
				onChunk(n)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return &SourceReadError{Path: task.SourcePath, Err: readErr}
		}
	}

	if err := out.Sync(); err != nil {
		return &DestinationWriteError{Path: tempPath, Err: err}
	}
	if err := out.Close(); err != nil {
		return &DestinationWriteError{Path: tempPath, Err: err}
	}
	if task.Mode != 0 {
		if err := os.Chmod(tempPath, task.Mode.Perm()); err != nil {
			return &DestinationWriteError{Path: tempPath, Err: err}
		}
	}
	if err := os.Rename(tempPath, task.DestinationPath); err != nil {
		return &DestinationWriteError{Path: task.DestinationPath, Err: err}
	}
	success = true

	if !task.ModTime.IsZero() {
		atime := task.AccessTime
		if atime.IsZero() {
			atime = task.ModTime
		}
		if err := os.Chtimes(task.DestinationPath, atime, task.ModTime); err != nil {
			slog.Warn(fmt.Sprintf("Couldn't preserve timestamps of %s: %s",
				task.DestinationPath, err))
		}
	}
	task.Size = copied
	task.SourceHash = codec.Sum()
	return nil
}

// removes any temporary files left under dir by interrupted copies, returning
// the number removed
func RemoveTempFiles(dir string) (int, error) {
	removed := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == TempSuffix {
			if err := os.Remove(path); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
