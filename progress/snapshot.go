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

// Package progress defines the progress snapshots and events published while
// transfers run, and the bus that distributes them to subscribers.
package progress

import (
	"time"
)

// the version of the Snapshot layout; fields are only ever added
const SnapshotVersion = 1

// Stage names the phase of a transfer a snapshot describes.
type Stage string

const (
	StageReady           Stage = "READY"
	StageCopying         Stage = "COPYING"
	StageChecksumming    Stage = "CHECKSUMMING"
	StageGeneratingProxy Stage = "GENERATING_PROXY"
	StageVerifying       Stage = "VERIFYING"
	StageSuccess         Stage = "SUCCESS"
	StageError           Stage = "ERROR"
	StageStopped         Stage = "STOPPED"
)

// returns true for stages that end a transfer
func (s Stage) Terminal() bool {
	return s == StageSuccess || s == StageError || s == StageStopped
}

// A Snapshot is an immutable record of a transfer's progress at an instant.
type Snapshot struct {
	Version   int    `json:"version"`
	SessionId string `json:"session_id,omitempty"`
	// state of the transfer engine
	State string `json:"state"`
	Stage Stage  `json:"stage"`

	// name of the file being processed and its 1-based position
	CurrentFile string `json:"current_file"`
	FileNumber  int    `json:"file_number"`
	TotalFiles  int    `json:"total_files"`

	// bytes processed and total for the current file
	BytesTransferred int64 `json:"bytes_transferred"`
	TotalBytes       int64 `json:"total_bytes"`
	// bytes processed and total for the whole transfer
	TotalTransferred int64 `json:"total_transferred"`
	TotalSize        int64 `json:"total_size"`

	// percentages (0-100)
	CurrentFileProgress float64 `json:"current_file_progress"`
	OverallProgress     float64 `json:"overall_progress"`

	// proxy generation counters
	ProxyProgress   float64 `json:"proxy_progress"`
	ProxyFileNumber int     `json:"proxy_file_number"`
	ProxyTotalFiles int     `json:"proxy_total_files"`

	SpeedBytesPerSec       float64 `json:"speed_bytes_per_sec"`
	EtaSeconds             float64 `json:"eta_seconds"`
	ElapsedSeconds         float64 `json:"total_elapsed"`
	FileElapsedSeconds     float64 `json:"file_elapsed"`
	ChecksumElapsedSeconds float64 `json:"checksum_elapsed"`

	DeviceName string    `json:"source_drive_name"`
	DevicePath string    `json:"source_drive_path"`
	Timestamp  time.Time `json:"timestamp"`
}

// returns a snapshot describing an engine in the given state with no
// transfer under way
func Idle(state string) Snapshot {
	return Snapshot{
		Version:   SnapshotVersion,
		State:     state,
		Stage:     StageReady,
		Timestamp: time.Now(),
	}
}

// returns the percentage that done is of total, clamped to [0, 100]; an empty
// total counts as complete
func Percent(done, total int64) float64 {
	if total <= 0 {
		return 100
	}
	pct := float64(done) / float64(total) * 100
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}
