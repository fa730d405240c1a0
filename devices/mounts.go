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

package devices

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// pseudo filesystems that never hold media
var ignoredFilesystems = map[string]bool{
	"proc": true, "sysfs": true, "tmpfs": true, "devtmpfs": true, "devpts": true,
	"cgroup": true, "cgroup2": true, "overlay": true, "autofs": true, "mqueue": true,
	"securityfs": true, "debugfs": true, "tracefs": true, "pstore": true,
	"bpf": true, "configfs": true, "fusectl": true, "hugetlbfs": true,
}

// MountTable enumerates volumes mounted below a set of root directories by
// reading a mount table in the /proc/self/mounts format.
type MountTable struct {
	// path of the mount table
	Path string
	// directories below which removable volumes are mounted
	Roots []string
}

// creates a mount table enumerator for the given table and roots
func NewMountTable(path string, roots []string) *MountTable {
	cleaned := make([]string, len(roots))
	for i, root := range roots {
		cleaned[i] = filepath.Clean(root)
	}
	return &MountTable{Path: path, Roots: cleaned}
}

func (mt *MountTable) Enumerate() ([]Device, error) {
	file, err := os.Open(mt.Path)
	if err != nil {
		return nil, &EnumerationError{Err: err}
	}
	defer file.Close()

	mounts, err := parseMounts(file)
	if err != nil {
		return nil, &EnumerationError{Err: err}
	}

	devices := make([]Device, 0)
	for _, m := range mounts {
		if ignoredFilesystems[m.fsType] || !mt.underRoot(m.mountPoint) {
			continue
		}
		device := Device{
			Name:       filepath.Base(m.mountPoint),
			MountPath:  m.mountPoint,
			DeviceNode: m.source,
			Removable:  true,
		}
		device.Capacity, device.Free = usage(m.mountPoint)
		devices = append(devices, device)
	}
	slices.SortFunc(devices, func(a, b Device) int {
		return strings.Compare(a.MountPath, b.MountPath)
	})
	return devices, nil
}

// returns true if path lies strictly below one of the roots
func (mt *MountTable) underRoot(path string) bool {
	for _, root := range mt.Roots {
		if path != root && strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

type mountEntry struct {
	source, mountPoint, fsType string
}

func parseMounts(r io.Reader) ([]mountEntry, error) {
	entries := make([]mountEntry, 0)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		entries = append(entries, mountEntry{
			source:     unescapeMountField(fields[0]),
			mountPoint: filepath.Clean(unescapeMountField(fields[1])),
			fsType:     fields[2],
		})
	}
	return entries, scanner.Err()
}

// decodes the octal escapes (\040 for space, etc) used in mount tables
func unescapeMountField(field string) string {
	if !strings.Contains(field, `\`) {
		return field
	}
	var b strings.Builder
	for i := 0; i < len(field); i++ {
		if field[i] == '\\' && i+3 < len(field) {
			if v, err := strconv.ParseUint(field[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(field[i])
	}
	return b.String()
}

// returns the capacity and free space of the filesystem holding path, or
// zeros if they can't be determined
func usage(path string) (uint64, uint64) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bavail * uint64(stat.Bsize)
}
