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

package services

import (
	"context"
	"time"

	"github.com/kbase/transferbox/devices"
	"github.com/kbase/transferbox/engine"
	"github.com/kbase/transferbox/journal"
	"github.com/kbase/transferbox/progress"
)

// Controller is the part of the transfer engine exposed by the service.
type Controller interface {
	Status() engine.Status
	SetDestination(path string) (engine.DestinationResult, error)
	StartSession() error
	StopSession() error
	ResetSession() error
	Bus() *progress.Bus
}

// this type encodes a JSON object for responding to root queries
type ServiceInfoResponse struct {
	Name          string `json:"name" example:"TransferBox" doc:"The name of the service API"`
	Version       string `json:"version" example:"1.0.0" doc:"The version string (major.minor.patch)"`
	Uptime        int    `json:"uptime" example:"345600" doc:"The time the service has been up (seconds)"`
	Documentation string `json:"documentation" example:"/docs" doc:"The OpenAPI documentation endpoint"`
}

// a request to select the destination root (POST)
type DestinationRequest struct {
	Path string `json:"path" example:"/media/dump" doc:"the destination root, as typed or pasted"`
}

// a response to an engine status query (GET)
type StatusResponse struct {
	State         string            `json:"state" example:"idle" doc:"the engine state"`
	Destination   string            `json:"destination" doc:"the destination root (empty if none is set)"`
	PendingDevice *devices.Device   `json:"pending_device,omitempty" doc:"a device waiting for a destination or a reset"`
	ActiveDevice  *devices.Device   `json:"active_device,omitempty" doc:"the device being transferred"`
	Attached      []devices.Device  `json:"attached_devices" doc:"the removable devices currently attached"`
	Progress      progress.Snapshot `json:"progress" doc:"the most recent progress snapshot"`
	LastSession   *engine.Report    `json:"last_session,omitempty" doc:"a report on the most recently finished session"`
}

// a response describing a journaled session (GET)
type SessionResponse struct {
	Id               string         `json:"id" example:"de9a2d6a-f5c9-4322-b8a7-8121d83fdfc2"`
	SourceName       string         `json:"source_name" example:"A001_CARD"`
	SourcePath       string         `json:"source_path" example:"/media/A001_CARD"`
	Destination      string         `json:"destination" example:"/media/dump"`
	SessionDirectory string         `json:"session_directory,omitempty"`
	StartTime        time.Time      `json:"start_time"`
	StopTime         time.Time      `json:"stop_time"`
	Status           string         `json:"status" example:"succeeded" doc:"succeeded, failed, or stopped"`
	PayloadSize      int64          `json:"payload_size" doc:"size of the session's payload (bytes)"`
	NumFiles         int            `json:"num_files"`
	NumTransferred   int            `json:"num_transferred"`
	Errors           []string       `json:"errors,omitempty"`
	HashListPath     string         `json:"hash_list_path,omitempty"`
	Manifest         map[string]any `json:"manifest,omitempty" doc:"a Frictionless data package describing the verified files"`
}

func sessionResponse(record journal.Record) SessionResponse {
	response := SessionResponse{
		Id:               record.Id.String(),
		SourceName:       record.SourceName,
		SourcePath:       record.SourcePath,
		Destination:      record.Destination,
		SessionDirectory: record.SessionDirectory,
		StartTime:        record.StartTime,
		StopTime:         record.StopTime,
		Status:           record.Status,
		PayloadSize:      record.PayloadSize,
		NumFiles:         record.NumFiles,
		NumTransferred:   record.NumTransferred,
		Errors:           record.Errors,
		HashListPath:     record.HashListPath,
	}
	if record.Manifest != nil {
		response.Manifest = record.Manifest.Descriptor()
	}
	return response
}

// TransferService defines the interface for the control service.
type TransferService interface {
	// Starts the service on the selected port, returning an error that indicates
	// success or failure.
	Start(port int) error
	// Gracefully shuts down the service without interrupting active connections.
	Shutdown(ctx context.Context) error
	// Closes down the service, freeing all resources.
	Close()
}
