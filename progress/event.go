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

package progress

import (
	"time"
)

// event types
const (
	EventProgress         = "progress"
	EventStatus           = "status"
	EventError            = "error"
	EventStopped          = "stopped"
	EventDestinationReset = "destination_reset"
	EventInitialState     = "initial_state"
	EventState            = "state"
)

// status levels
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
	LevelSuccess = "success"
)

// An Event is the envelope in which everything published on a Bus travels.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type StatusData struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

type ErrorData struct {
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
}

type StoppedData struct {
	FilesTransferred      int `json:"files_transferred"`
	FilesNotTransferred   int `json:"files_not_transferred"`
	TemporaryFilesRemoved int `json:"temporary_files_removed"`
}

// an engine state transition
type StateData struct {
	State    string `json:"state"`
	Previous string `json:"previous"`
}

// the engine state delivered to a subscriber when it first connects
type InitialStateData struct {
	State       string   `json:"state"`
	Destination string   `json:"destination"`
	Progress    Snapshot `json:"progress"`
}

func newEvent(eventType string, data any) Event {
	return Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
}

func ProgressEvent(snapshot Snapshot) Event {
	return newEvent(EventProgress, snapshot)
}

func StatusEvent(message, level string) Event {
	return newEvent(EventStatus, StatusData{Message: message, Level: level})
}

func ErrorEvent(message, file string) Event {
	return newEvent(EventError, ErrorData{Message: message, File: file})
}

func StoppedEvent(data StoppedData) Event {
	return newEvent(EventStopped, data)
}

func DestinationResetEvent() Event {
	return newEvent(EventDestinationReset, struct{}{})
}

func InitialStateEvent(data InitialStateData) Event {
	return newEvent(EventInitialState, data)
}

func StateEvent(state, previous string) Event {
	return newEvent(EventState, StateData{State: state, Previous: previous})
}
