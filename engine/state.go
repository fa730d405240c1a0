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
	"github.com/kbase/transferbox/progress"
)

// State is the state of the transfer engine.
type State string

const (
	StateIdle                 State = "idle"
	StateCopying              State = "copying"
	StateChecksumming         State = "checksumming"
	StateGeneratingDerivative State = "generating_derivative"
	StateVerifying            State = "verifying"
	StateSuccess              State = "success"
	StateError                State = "error"
	StateStopped              State = "stopped"
)

// returns true for states that end a session
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateError || s == StateStopped
}

// returns true for states in which a session is running
func (s State) Active() bool {
	return s != StateIdle && !s.Terminal()
}

// returns the progress stage reported for the state
func (s State) Stage() progress.Stage {
	switch s {
	case StateCopying:
		return progress.StageCopying
	case StateChecksumming:
		return progress.StageChecksumming
	case StateGeneratingDerivative:
		return progress.StageGeneratingProxy
	case StateVerifying:
		return progress.StageVerifying
	case StateSuccess:
		return progress.StageSuccess
	case StateError:
		return progress.StageError
	case StateStopped:
		return progress.StageStopped
	}
	return progress.StageReady
}
