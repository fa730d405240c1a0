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

	"github.com/kbase/transferbox/devices"
)

// indicates that a path can't be used as a transfer destination
type InvalidDestinationError struct {
	Path, Message string
}

func (e InvalidDestinationError) Error() string {
	return fmt.Sprintf("Invalid destination %s: %s", e.Path, e.Message)
}

// indicates that a session can't start because no destination is set
type NoDestinationError struct{}

func (e NoDestinationError) Error() string {
	return "No destination has been set"
}

// indicates that a session can't start because no device is attached
type NoDeviceError struct{}

func (e NoDeviceError) Error() string {
	return "No source device is attached"
}

// indicates that an operation is not permitted while a session is under way
// or awaiting reset
type SessionActiveError struct {
	State State
}

func (e SessionActiveError) Error() string {
	return fmt.Sprintf("A transfer session is active (state: %s)", e.State)
}

// indicates that no session is running
type NoActiveSessionError struct{}

func (e NoActiveSessionError) Error() string {
	return "No transfer session is running"
}

// indicates that a reset was requested while a session is running
type NotTerminalError struct {
	State State
}

func (e NotTerminalError) Error() string {
	return fmt.Sprintf("Can't reset while a transfer is running (state: %s)", e.State)
}

// indicates that the source device disappeared during a session
type DeviceRemovedError struct {
	Device devices.Device
}

func (e DeviceRemovedError) Error() string {
	return fmt.Sprintf("Source device %s was removed during the transfer", e.Device.Name)
}

// indicates that the engine could not shut down before its deadline
type ShutdownError struct {
	Message string
}

func (e ShutdownError) Error() string {
	return fmt.Sprintf("Engine shutdown incomplete: %s", e.Message)
}

// indicates that the engine has been shut down
type ClosedError struct{}

func (e ClosedError) Error() string {
	return "The transfer engine has been shut down"
}
