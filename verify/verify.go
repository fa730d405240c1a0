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

// Package verify confirms that copied files match their sources by reading
// them back from the destination and comparing digests.
package verify

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/kbase/transferbox/checksum"
)

// the outcome of verifying a single file
type Result struct {
	Path      string
	Algorithm string
	Expected  string
	Actual    string
	Size      int64
	Elapsed   time.Duration
}

// returns true if the actual digest matches the expected one
func (r Result) Matches() bool {
	return checksum.Equal(r.Expected, r.Actual)
}

// reads the file at path in chunks of bufferSize, computing its digest with
// the given algorithm, and compares it with expected. onChunk (if given) is
// called with the size of each chunk read. A MismatchError is returned if the
// digests differ. Cancellation of the context is checked between chunks.
func File(ctx context.Context, path, algorithm, expected string, bufferSize int,
	onChunk func(n int)) (Result, error) {
	result := Result{
		Path:      path,
		Algorithm: algorithm,
		Expected:  expected,
	}
	start := time.Now()

	f, err := os.Open(path)
	if err != nil {
		return result, &ReadError{Path: path, Err: err}
	}
	defer f.Close()

	actual, size, err := checksum.Stream(&contextReader{ctx: ctx, r: f}, algorithm,
		bufferSize, onChunk)
	if err != nil {
		if ctx.Err() != nil {
			return result, context.Cause(ctx)
		}
		var algErr *checksum.UnsupportedAlgorithmError
		if errors.As(err, &algErr) {
			return result, err
		}
		return result, &ReadError{Path: path, Err: err}
	}
	result.Actual = actual
	result.Size = size
	result.Elapsed = time.Since(start)
	if !result.Matches() {
		return result, &MismatchError{
			Path:     path,
			Expected: expected,
			Actual:   actual,
		}
	}
	return result, nil
}

// a reader that fails once its context is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, context.Cause(cr.ctx)
	}
	return cr.r.Read(p)
}
