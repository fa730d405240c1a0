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
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ncruces/go-strftime"
)

// the layout of a session directory name
const SessionLayout = "20060102_150405"

// name used for device folders when a device's name sanitizes to nothing
const UnnamedDevice = "unnamed_device"

// A Policy determines which files on a source are transferred and where they
// are placed within a session directory.
type Policy struct {
	MediaOnly                bool
	MediaExtensions          []string
	RenameWithTimestamp      bool
	PreserveOriginalFilename bool
	FilenameTemplate         string
	TimestampFormat          string
	CreateDateFolders        bool
	DateFolderFormat         string
	CreateDeviceFolders      bool
	DeviceFolderTemplate     string
	PreserveFolderStructure  bool
}

// returns true if the file at the given relative path should be transferred
func (p Policy) Includes(relPath string) bool {
	if !p.MediaOnly {
		return true
	}
	ext := strings.ToLower(filepath.Ext(relPath))
	return ext != "" && slices.Contains(p.MediaExtensions, ext)
}

// returns the destination filename for the given source file
func (p Policy) FileName(file SourceFile) string {
	original := filepath.Base(file.RelativePath)
	if !p.RenameWithTimestamp {
		return original
	}
	ext := filepath.Ext(original)
	stem := strings.TrimSuffix(original, ext)
	timestamp := strftime.Format(p.TimestampFormat, file.Timestamp)
	var name string
	if p.PreserveOriginalFilename {
		name = strings.NewReplacer("{original}", stem, "{timestamp}", timestamp).
			Replace(p.FilenameTemplate)
	} else {
		name = timestamp
	}
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return original
	}
	return name + ext
}

// returns the directory (relative to the session directory) into which the
// given source file is placed
func (p Policy) Directory(file SourceFile, deviceName string) string {
	parts := make([]string, 0, 3)
	if p.CreateDateFolders {
		if folder := strftime.Format(p.DateFolderFormat, file.Timestamp); folder != "" {
			parts = append(parts, filepath.FromSlash(path.Clean("/" + folder))[1:])
		}
	}
	if p.CreateDeviceFolders {
		template := p.DeviceFolderTemplate
		if template == "" {
			template = "{device_name}"
		}
		folder := strings.ReplaceAll(template, "{device_name}", SanitizeName(deviceName))
		parts = append(parts, SanitizeName(folder))
	}
	if p.PreserveFolderStructure {
		if dir := filepath.Dir(file.RelativePath); dir != "." {
			parts = append(parts, dir)
		}
	}
	return filepath.Join(parts...)
}

// removes characters that are unsafe in folder names, replacing spaces with
// underscores
func SanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`<>:"/\|?*`, r) || r < 0x20 {
			return -1
		}
		if r == ' ' {
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." {
		return UnnamedDevice
	}
	return name
}

// discovers the files under sourceRoot and returns a task for each with its
// destination under sessionDir. Destinations that would collide within the
// session are given numeric suffixes.
func (p Policy) Plan(sourceRoot, sessionDir, deviceName string) ([]*FileTask, error) {
	files, err := Discover(sourceRoot, p.Includes)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]bool)
	tasks := make([]*FileTask, len(files))
	for i, file := range files {
		rel := filepath.Join(p.Directory(file, deviceName), p.FileName(file))
		rel = uniquePath(rel, taken)
		taken[rel] = true
		tasks[i] = &FileTask{
			Index:           i,
			SourcePath:      file.Path,
			RelativePath:    file.RelativePath,
			DestinationPath: filepath.Join(sessionDir, rel),
			ManifestPath:    filepath.ToSlash(rel),
			Size:            file.Size,
			Mode:            file.Mode,
			ModTime:         file.ModTime,
			AccessTime:      file.AccessTime,
			Status:          StatusPending,
		}
	}
	return tasks, nil
}

func uniquePath(rel string, taken map[string]bool) string {
	if !taken[rel] {
		return rel
	}
	ext := filepath.Ext(rel)
	stem := strings.TrimSuffix(rel, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, n, ext)
		if !taken[candidate] {
			return candidate
		}
	}
}
