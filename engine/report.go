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
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kbase/transferbox/copier"
)

// name of the summary written into each session directory
const SummaryFilename = "transfer_log.txt"

// the number of failed files listed in a summary
const maxListedFailures = 10

// Report summarizes a finished session.
type Report struct {
	Id          string    `json:"id"`
	DeviceName  string    `json:"device_name"`
	DevicePath  string    `json:"device_path"`
	Destination string    `json:"destination"`
	Directory   string    `json:"directory"`
	State       State     `json:"state"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`

	TotalFiles       int   `json:"total_files"`
	FilesTransferred int   `json:"files_transferred"`
	FilesFailed      int   `json:"files_failed"`
	FilesSkipped     int   `json:"files_skipped"`
	TotalBytes       int64 `json:"total_bytes"`
	BytesTransferred int64 `json:"bytes_transferred"`

	ProxyFailures         int      `json:"proxy_failures"`
	ProxiesSkipped        int      `json:"proxies_skipped"`
	TemporaryFilesRemoved int      `json:"temporary_files_removed"`
	HashList              string   `json:"hash_list,omitempty"`
	Error                 string   `json:"error,omitempty"`
	FailedFiles           []string `json:"failed_files,omitempty"`
}

func (s *session) report(state State, end time.Time) Report {
	report := Report{
		Id:            s.id.String(),
		DeviceName:    s.device.Name,
		DevicePath:    s.device.MountPath,
		Destination:   s.destination,
		State:         state,
		Start:         s.start,
		End:           end,
		TotalFiles:    len(s.tasks),
		TotalBytes:    s.totalBytes,
		ProxyFailures: s.proxyFailures,
	}
	report.ProxiesSkipped = s.proxiesSkipped
	if s.dirCreated {
		report.Directory = s.dir
	}
	for _, task := range s.tasks {
		switch {
		case transferred(task):
			report.FilesTransferred++
			report.BytesTransferred += task.Size
		case task.Status == copier.StatusSkipped:
			report.FilesSkipped++
		default:
			report.FilesFailed++
			report.FailedFiles = append(report.FailedFiles, task.RelativePath)
		}
	}
	return report
}

// returns the lines of a human-readable summary of the session
func (r Report) Summary() []string {
	lines := []string{
		"Transfer Summary",
		fmt.Sprintf("Session: %s", r.Id),
		fmt.Sprintf("Source: %s (%s)", r.DeviceName, r.DevicePath),
		fmt.Sprintf("Destination: %s", r.Destination),
		fmt.Sprintf("Start: %s", r.Start.Format(time.DateTime)),
		fmt.Sprintf("End: %s", r.End.Format(time.DateTime)),
		fmt.Sprintf("Duration: %s", r.End.Sub(r.Start).Round(time.Second)),
		fmt.Sprintf("Result: %s", r.State),
		fmt.Sprintf("Files transferred: %d/%d", r.FilesTransferred, r.TotalFiles),
		fmt.Sprintf("Data transferred: %s of %s", formatBytes(r.BytesTransferred),
			formatBytes(r.TotalBytes)),
	}
	if r.FilesSkipped > 0 {
		lines = append(lines, fmt.Sprintf("Files skipped: %d", r.FilesSkipped))
	}
	if r.ProxyFailures > 0 {
		lines = append(lines, fmt.Sprintf("Proxy failures: %d", r.ProxyFailures))
	}
	if r.ProxiesSkipped > 0 {
		lines = append(lines, fmt.Sprintf("Proxies skipped: %d", r.ProxiesSkipped))
	}
	if r.HashList != "" {
		lines = append(lines, fmt.Sprintf("Hash list: %s", r.HashList))
	}
	if r.Error != "" {
		lines = append(lines, fmt.Sprintf("Error: %s", r.Error))
	}
	if len(r.FailedFiles) > 0 {
		lines = append(lines, "Failed files:")
		for i, file := range r.FailedFiles {
			if i == maxListedFailures {
				lines = append(lines, fmt.Sprintf("  ... and %d more", len(r.FailedFiles)-i))
				break
			}
			lines = append(lines, "  "+file)
		}
	}
	return lines
}

func writeSummary(dir string, lines []string) error {
	return os.WriteFile(filepath.Join(dir, SummaryFilename),
		[]byte(strings.Join(lines, "\n")+"\n"), 0644)
}

// formats a byte count with binary units
func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
