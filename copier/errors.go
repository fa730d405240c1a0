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
	"fmt"
)

// indicates that a source file could not be read
type SourceReadError struct {
	Path string
	Err  error
}

func (e SourceReadError) Error() string {
	return fmt.Sprintf("Couldn't read source file %s: %s", e.Path, e.Err)
}

func (e SourceReadError) Unwrap() error {
	return e.Err
}

// indicates that a destination file could not be written
type DestinationWriteError struct {
	Path string
	Err  error
}

func (e DestinationWriteError) Error() string {
	return fmt.Sprintf("Couldn't write destination file %s: %s", e.Path, e.Err)
}

func (e DestinationWriteError) Unwrap() error {
	return e.Err
}

// indicates that a destination lacks the space needed for a transfer
type InsufficientSpaceError struct {
	Path                string
	Required, Available uint64
}

func (e InsufficientSpaceError) Error() string {
	return fmt.Sprintf("Insufficient space at %s: %d bytes required, %d available",
		e.Path, e.Required, e.Available)
}

// indicates that a source holds no files eligible for transfer
type NoMediaFilesError struct {
	Path string
}

func (e NoMediaFilesError) Error() string {
	return fmt.Sprintf("No media files found on %s", e.Path)
}
