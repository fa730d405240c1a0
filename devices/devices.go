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

// Package devices detects the arrival and removal of removable volumes by
// polling the host's mount table.
package devices

import (
	"fmt"
	"time"
)

// a mounted removable volume
type Device struct {
	// display name (the last element of the mount path)
	Name string `json:"name"`
	// path at which the volume is mounted; this identifies the device
	MountPath string `json:"mount_path"`
	// block device backing the mount, if known
	DeviceNode string `json:"device_node,omitempty"`
	// true if the volume is removable media
	Removable bool `json:"removable"`
	// capacity and free space in bytes at the time the device was observed
	Capacity uint64 `json:"capacity"`
	Free     uint64 `json:"free"`
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.MountPath)
}

type EventKind int

const (
	Arrived EventKind = iota
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Arrived:
		return "arrived"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// a device arrival or removal
type Event struct {
	Kind   EventKind
	Device Device
	Time   time.Time
}

// An Enumerator lists the removable volumes currently mounted on the host.
type Enumerator interface {
	Enumerate() ([]Device, error)
}
