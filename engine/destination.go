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

package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// the outcome of validating a destination path
type DestinationResult struct {
	IsValid       bool   `json:"is_valid"`
	SanitizedPath string `json:"sanitized_path"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// cleans up a path as typed or pasted by an operator: surrounding quotes are
// removed, escaped spaces are unescaped, a leading ~ is expanded to the home
// directory, and the result is made absolute and cleaned
func SanitizePath(path string) string {
	path = strings.TrimSpace(path)
	for len(path) >= 2 && (path[0] == '"' || path[0] == '\'') && path[len(path)-1] == path[0] {
		path = strings.TrimSpace(path[1 : len(path)-1])
	}
	if path == "" {
		return ""
	}
	path = strings.ReplaceAll(path, `\ `, " ")
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return filepath.Clean(path)
}

// sanitizes the given path and checks that it names an existing, writable
// directory
func ValidateDestination(path string) (DestinationResult, error) {
	sanitized := SanitizePath(path)
	result := DestinationResult{SanitizedPath: sanitized}
	fail := func(message string) (DestinationResult, error) {
		result.ErrorMessage = message
		return result, &InvalidDestinationError{Path: sanitized, Message: message}
	}
	if sanitized == "" {
		return fail("No path was given")
	}
	info, err := os.Stat(sanitized)
	if err != nil {
		if os.IsNotExist(err) {
			return fail("Path does not exist")
		}
		return fail(fmt.Sprintf("Path can't be accessed: %s", err))
	}
	if !info.IsDir() {
		return fail("Path is not a directory")
	}
	if info.Mode().Perm()&0222 == 0 {
		return fail("Directory is not writable")
	}
	probe, err := os.CreateTemp(sanitized, ".transferbox-probe-*")
	if err != nil {
		return fail("Directory is not writable")
	}
	probe.Close()
	os.Remove(probe.Name())
	result.IsValid = true
	return result, nil
}
