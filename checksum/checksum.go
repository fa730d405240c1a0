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

// Package checksum computes streaming content hashes for transferred files.
// The default algorithm is XXH64, which is the native hash of ASC MHL
// manifests. Cryptographic algorithms are registered for interoperability
// with other tools but carry no security guarantee here.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// names of supported hash algorithms
const (
	XXH64  = "xxh64"
	MD5    = "md5"
	SHA1   = "sha1"
	SHA256 = "sha256"
)

// the algorithm used when none is configured
const DefaultAlgorithm = XXH64

// the read size used when none is given
const DefaultBufferSize = 1024 * 1024

var constructors = map[string]func() hash.Hash{
	XXH64:  func() hash.Hash { return xxhash.New() },
	MD5:    md5.New,
	SHA1:   sha1.New,
	SHA256: sha256.New,
}

// returns a sorted list of the supported hash algorithms
func Algorithms() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// returns true if the named algorithm is supported (case-insensitive)
func Supported(algorithm string) bool {
	_, found := constructors[strings.ToLower(algorithm)]
	return found
}

// A Codec feeds bytes incrementally into a hash and finalizes them to a
// lowercase hexadecimal digest. It satisfies io.Writer so it can sit behind an
// io.MultiWriter next to a destination file.
type Codec struct {
	algorithm string
	h         hash.Hash
	n         int64
}

// creates a new codec for the given algorithm
func New(algorithm string) (*Codec, error) {
	name := strings.ToLower(algorithm)
	if name == "" {
		name = DefaultAlgorithm
	}
	constructor, found := constructors[name]
	if !found {
		return nil, &UnsupportedAlgorithmError{Algorithm: algorithm}
	}
	return &Codec{algorithm: name, h: constructor()}, nil
}

// feeds the given bytes into the hash
func (c *Codec) Write(p []byte) (int, error) {
	n, err := c.h.Write(p)
	c.n += int64(n)
	return n, err
}

// returns the name of the codec's algorithm
func (c *Codec) Algorithm() string {
	return c.algorithm
}

// returns the number of bytes fed into the codec so far
func (c *Codec) Len() int64 {
	return c.n
}

// returns the hex digest of all bytes fed so far. Sum does not change the
// underlying state, so more bytes may be written afterward.
func (c *Codec) Sum() string {
	return hex.EncodeToString(c.h.Sum(nil))
}

// hashes everything readable from r in chunks of bufferSize bytes, calling
// onChunk (if non-nil) with the size of each chunk. Returns the hex digest and
// the number of bytes read.
func Stream(r io.Reader, algorithm string, bufferSize int, onChunk func(n int)) (string, int64, error) {
	codec, err := New(algorithm)
	if err != nil {
		return "", 0, err
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	buffer := make([]byte, bufferSize)
	for {
		n, err := r.Read(buffer)
		if n > 0 {
			codec.Write(buffer[:n])
			if onChunk != nil {
				onChunk(n)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", codec.Len(), err
		}
	}
	return codec.Sum(), codec.Len(), nil
}

// computes the hex digest of the file at the given path
func File(path, algorithm string, bufferSize int) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	digest, _, err := Stream(file, algorithm, bufferSize, nil)
	return digest, err
}

// returns true if the two hex digests are equal, ignoring case
func Equal(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
