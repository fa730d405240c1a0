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

// This package contains testing utilities for TransferBox.
package tbtest

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kbase/transferbox/devices"
)

// Enables DEBUG log messages for TransferBox's structured log (slog).
func EnableDebugLogging() {
	logLevel := new(slog.LevelVar)
	logLevel.Set(slog.LevelDebug)
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(h))
}

// returns size bytes of a repeating, position-dependent pattern, so that
// distinct offsets hold distinct values
func PatternBytes(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ seed
	}
	return data
}

// writes the given files (relative path -> contents) beneath root, creating
// directories as needed
func WriteFiles(root string, files map[string][]byte) error {
	for relPath, contents := range files {
		path := filepath.Join(root, relPath)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, contents, 0644); err != nil {
			return err
		}
	}
	return nil
}

// sets the access and modification times of every file beneath root to t
func SetTimes(root string, t time.Time) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		return os.Chtimes(path, t, t)
	})
}

// inverts every bit of the byte at the given offset of the file at path
func FlipByte(path string, offset int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, offset); err != nil {
		return err
	}
	b[0] ^= 0xFF
	_, err = f.WriteAt(b, offset)
	return err
}

// FakeEnumerator reports a settable list of mounted devices, standing in for
// the host's mount table.
type FakeEnumerator struct {
	mu      sync.Mutex
	devices []devices.Device
	err     error
}

func (f *FakeEnumerator) Enumerate() ([]devices.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]devices.Device{}, f.devices...), nil
}

// makes enumeration fail with the given error until Fail(nil) is called
func (f *FakeEnumerator) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// mounts the given device
func (f *FakeEnumerator) Insert(device devices.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = append(f.devices, device)
}

// unmounts the device at the given mount path
func (f *FakeEnumerator) Eject(mountPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.devices[:0]
	for _, device := range f.devices {
		if device.MountPath != mountPath {
			kept = append(kept, device)
		}
	}
	f.devices = kept
}
