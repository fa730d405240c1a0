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

// Package engine implements the transfer engine: the state machine that
// sequences device arrival, copying, verification, proxy generation, and
// manifest writing for one transfer session at a time.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kbase/transferbox/checksum"
	"github.com/kbase/transferbox/copier"
	"github.com/kbase/transferbox/devices"
	"github.com/kbase/transferbox/journal"
	"github.com/kbase/transferbox/progress"
	"github.com/kbase/transferbox/proxies"
	"github.com/kbase/transferbox/verify"
)

// A Copier copies a single file, reporting the size of each chunk written.
type Copier interface {
	Copy(ctx context.Context, task *copier.FileTask, onChunk func(n int)) error
}

// A Verifier reads back a copied file and compares its digest with the
// expected one.
type Verifier interface {
	Verify(ctx context.Context, path, algorithm, expected string, bufferSize int,
		onChunk func(n int)) (verify.Result, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, path, algorithm, expected string,
	bufferSize int, onChunk func(n int)) (verify.Result, error)

func (f VerifierFunc) Verify(ctx context.Context, path, algorithm, expected string,
	bufferSize int, onChunk func(n int)) (verify.Result, error) {
	return f(ctx, path, algorithm, expected, bufferSize, onChunk)
}

// Options holds everything the engine needs; the engine reads no global
// configuration.
type Options struct {
	// file inclusion and naming policy
	Policy copier.Policy
	// hash algorithm and I/O buffer size
	Algorithm  string
	BufferSize int
	// if true, every copied file is read back and compared with its source
	VerifyTransfers bool
	// free space required at the destination as a multiple of the payload
	SpaceMargin float64

	// proxy generation (skipped if ProxyGenerator is nil)
	GenerateProxies bool
	ProxySubfolder  string
	ProxyWorkers    int
	ProxyGenerator  proxies.Generator

	// device events to act on
	Events <-chan devices.Event
	// bus on which progress and events are published (one is created if nil)
	Bus *progress.Bus
	// destination selected at startup (optional)
	Destination string

	// collaborators (defaults are used if nil)
	Copier   Copier
	Verifier Verifier
	// records finished sessions (optional)
	Recorder func(journal.Record) error
	// lists the removable devices currently attached (optional)
	Devices  func() []devices.Device
}

// Engine is the transfer orchestrator. It owns the single active session and
// is the only writer of its state; everything else reads snapshots or sends
// control requests.
type Engine struct {
	opts Options
	bus  *progress.Bus

	mu          sync.Mutex
	state       State
	destination string
	// the most recently arrived device not yet transferred, if still attached
	pending *devices.Device
	// the running session (nil when none is running) and the last finished one
	active *session
	last   *Report
	closed bool

	loopCancel context.CancelFunc
	loopDone   chan struct{}
	sessions   sync.WaitGroup
}

// creates a new engine with the given options. Call Init to start it.
func New(opts Options) *Engine {
	if opts.Algorithm == "" {
		opts.Algorithm = checksum.DefaultAlgorithm
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = checksum.DefaultBufferSize
	}
	if opts.SpaceMargin < 1 {
		opts.SpaceMargin = 1
	}
	if opts.ProxySubfolder == "" {
		opts.ProxySubfolder = "proxies"
	}
	if opts.ProxyWorkers < 1 {
		opts.ProxyWorkers = 1
	}
	if opts.Copier == nil {
		opts.Copier = copier.Pipeline{Algorithm: opts.Algorithm, BufferSize: opts.BufferSize}
	}
	if opts.Verifier == nil {
		opts.Verifier = VerifierFunc(verify.File)
	}
	bus := opts.Bus
	if bus == nil {
		bus = progress.NewBus(4, progress.DefaultQueueSize)
	}
	return &Engine{
		opts:  opts,
		bus:   bus,
		state: StateIdle,
	}
}

// starts the engine's event loop, which runs until the given context is
// done or Shutdown is called
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return &ClosedError{}
	}
	if e.loopDone != nil {
		e.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.loopCancel = cancel
	e.loopDone = make(chan struct{})
	e.mu.Unlock()

	if e.opts.Destination != "" {
		if _, err := e.SetDestination(e.opts.Destination); err != nil {
			slog.Warn(fmt.Sprintf("Ignoring configured destination: %s", err))
		}
	}
	e.bus.PublishProgress(progress.Idle(string(StateIdle)), true)
	go e.eventLoop(loopCtx)
	slog.Info("Transfer engine started")
	return nil
}

// returns the bus on which the engine publishes
func (e *Engine) Bus() *progress.Bus {
	return e.bus
}

// returns the engine's current state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// returns the current destination root ("" if none is set)
func (e *Engine) Destination() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destination
}

// returns the report for the most recently finished session, if any
func (e *Engine) LastReport() (Report, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Report{}, false
	}
	return *e.last, true
}

// a summary of the engine for status queries
type Status struct {
	State         State             `json:"state"`
	Destination   string            `json:"destination"`
	PendingDevice *devices.Device   `json:"pending_device,omitempty"`
	ActiveDevice  *devices.Device   `json:"active_device,omitempty"`
	Attached      []devices.Device  `json:"attached_devices"`
	Progress      progress.Snapshot `json:"progress"`
	LastSession   *Report           `json:"last_session,omitempty"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	status := Status{
		State:       e.state,
		Destination: e.destination,
	}
	if e.pending != nil {
		device := *e.pending
		status.PendingDevice = &device
	}
	if e.active != nil {
		device := e.active.device
		status.ActiveDevice = &device
	}
	if e.last != nil {
		report := *e.last
		status.LastSession = &report
	}
	e.mu.Unlock()
	status.Attached = []devices.Device{}
	if e.opts.Devices != nil {
		status.Attached = append(status.Attached, e.opts.Devices()...)
	}
	if snapshot, found := e.bus.Latest(); found {
		status.Progress = snapshot
	} else {
		status.Progress = progress.Idle(string(status.State))
	}
	return status
}

// validates and sets the destination root. If a device is waiting and the
// engine is idle, a session starts on it. Setting the destination that is
// already in use is accepted at any time and has no further effect; setting
// a different one while a session is running or awaiting reset fails.
func (e *Engine) SetDestination(path string) (DestinationResult, error) {
	result, err := ValidateDestination(path)
	if err != nil {
		slog.Info(fmt.Sprintf("Rejected destination %s: %s", path, result.ErrorMessage))
		return result, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		result.IsValid = false
		result.ErrorMessage = (&ClosedError{}).Error()
		return result, &ClosedError{}
	}
	if e.destination == result.SanitizedPath {
		return result, nil
	}
	if e.state != StateIdle {
		result.IsValid = false
		activeErr := &SessionActiveError{State: e.state}
		result.ErrorMessage = activeErr.Error()
		return result, activeErr
	}
	e.destination = result.SanitizedPath
	slog.Info(fmt.Sprintf("Destination set to %s", e.destination))
	e.bus.Publish(progress.StatusEvent(
		fmt.Sprintf("Destination set to %s", e.destination), progress.LevelInfo))
	if e.pending != nil {
		e.startSessionLocked(*e.pending)
	}
	return result, nil
}

// starts a session on the most recently arrived device
func (e *Engine) StartSession() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return &ClosedError{}
	}
	if e.state != StateIdle {
		return &SessionActiveError{State: e.state}
	}
	if e.destination == "" {
		return &NoDestinationError{}
	}
	if e.pending == nil {
		return &NoDeviceError{}
	}
	e.startSessionLocked(*e.pending)
	return nil
}

// requests a cooperative stop of the running session: the file in flight is
// finished and the remaining files are skipped
func (e *Engine) StopSession() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return &NoActiveSessionError{}
	}
	if e.active.stop.CompareAndSwap(false, true) {
		slog.Info("Stop requested; finishing the current file")
		e.bus.Publish(progress.StatusEvent("Stopping after the current file...",
			progress.LevelWarning))
	}
	return nil
}

// returns a finished engine to the idle state, clearing the destination so
// that the operator selects it again before the next session
func (e *Engine) ResetSession() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Active() {
		return &NotTerminalError{State: e.state}
	}
	previous := e.state
	e.state = StateIdle
	e.destination = ""
	e.bus.Publish(progress.DestinationResetEvent())
	if previous != StateIdle {
		e.bus.Publish(progress.StateEvent(string(StateIdle), string(previous)))
		e.bus.PublishProgress(progress.Idle(string(StateIdle)), true)
	}
	slog.Info("Transfer engine reset")
	return nil
}

// stops the event loop, requests a cooperative stop of any running session
// and waits for it to finish, then closes the bus. If the context ends
// first, a ShutdownError is returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.active != nil {
		e.active.stop.Store(true)
	}
	cancel, loopDone := e.loopCancel, e.loopDone
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-loopDone
	}
	done := make(chan struct{})
	go func() {
		e.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.mu.Lock()
		if e.active != nil {
			e.active.cancel(&ShutdownError{Message: "deadline reached"})
		}
		e.mu.Unlock()
		return &ShutdownError{Message: "a transfer session was still running"}
	}
	e.bus.Close()
	slog.Info("Transfer engine shut down")
	return nil
}

func (e *Engine) eventLoop(ctx context.Context) {
	defer close(e.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-e.opts.Events:
			if !open {
				return
			}
			e.handleDeviceEvent(event)
		}
	}
}

func (e *Engine) handleDeviceEvent(event devices.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	device := event.Device
	switch event.Kind {
	case devices.Arrived:
		slog.Info(fmt.Sprintf("Device arrived: %s", device))
		switch {
		case e.active != nil:
			message := fmt.Sprintf("Ignoring %s: a transfer from %s is in progress",
				device.Name, e.active.device.Name)
			slog.Warn(message)
			e.bus.Publish(progress.StatusEvent(message, progress.LevelWarning))
		case e.state == StateIdle && e.destination != "":
			e.startSessionLocked(device)
		case e.state == StateIdle:
			e.pending = &device
			e.bus.Publish(progress.StatusEvent(
				fmt.Sprintf("%s detected; select a destination to begin", device.Name),
				progress.LevelInfo))
		default:
			e.pending = &device
			e.bus.Publish(progress.StatusEvent(
				fmt.Sprintf("%s detected; reset to begin a new transfer", device.Name),
				progress.LevelInfo))
		}
	case devices.Removed:
		slog.Info(fmt.Sprintf("Device removed: %s", device))
		if e.pending != nil && e.pending.MountPath == device.MountPath {
			e.pending = nil
		}
		if e.active != nil && e.active.device.MountPath == device.MountPath {
			e.active.cancel(&DeviceRemovedError{Device: device})
		}
	}
}

// starts a session on the given device; e.mu must be held and the engine
// must be idle with a destination
func (e *Engine) startSessionLocked(device devices.Device) {
	s := newSession(device, e.destination)
	e.pending = nil
	e.active = s
	previous := e.state
	e.state = StateCopying
	e.bus.Publish(progress.StateEvent(string(StateCopying), string(previous)))
	e.bus.PublishProgress(e.snapshot(s, StateCopying), true)
	slog.Info(fmt.Sprintf("Starting session %s: %s -> %s", s.id, device.MountPath, s.dir))
	e.sessions.Add(1)
	go func() {
		defer e.sessions.Done()
		e.run(s)
	}()
}

// moves a running session to the given state. The first entry into each
// state is announced with a state event and an immediate snapshot; later
// entries (the per-file Copying/Checksumming alternation) only publish a
// rate-limited snapshot.
func (e *Engine) setState(s *session, state State) {
	e.mu.Lock()
	previous := e.state
	if previous == state {
		e.mu.Unlock()
		return
	}
	e.state = state
	e.mu.Unlock()
	if s.entered[state] {
		e.bus.PublishProgress(e.snapshot(s, state), false)
		return
	}
	s.entered[state] = true
	slog.Debug(fmt.Sprintf("Session %s: %s -> %s", s.id, previous, state))
	e.bus.Publish(progress.StateEvent(string(state), string(previous)))
	e.bus.PublishProgress(e.snapshot(s, state), true)
}

// publishes a rate-limited progress snapshot for a running session
func (e *Engine) publishProgress(s *session) {
	e.bus.PublishProgress(e.snapshot(s, e.State()), false)
}

// builds a progress snapshot for a session in the given state
func (e *Engine) snapshot(s *session, state State) progress.Snapshot {
	now := time.Now()
	rate := s.meter.Rate()
	snapshot := progress.Snapshot{
		Version:          progress.SnapshotVersion,
		SessionId:        s.id.String(),
		State:            string(state),
		Stage:            state.Stage(),
		TotalFiles:       len(s.tasks),
		TotalTransferred: s.doneBytes.Load(),
		TotalSize:        s.totalBytes,
		ProxyFileNumber:  int(s.proxyDone.Load()),
		ProxyTotalFiles:  int(s.proxyTotal.Load()),
		SpeedBytesPerSec: rate.BytesPerSecond,
		EtaSeconds:       rate.Remaining.Seconds(),
		ElapsedSeconds:   now.Sub(s.start).Seconds(),
		DeviceName:       s.device.Name,
		DevicePath:       s.device.MountPath,
		Timestamp:        now,
	}
	snapshot.OverallProgress = progress.Percent(snapshot.TotalTransferred, snapshot.TotalSize)
	if snapshot.ProxyTotalFiles > 0 {
		snapshot.ProxyProgress = progress.Percent(int64(snapshot.ProxyFileNumber),
			int64(snapshot.ProxyTotalFiles))
	}
	if current := s.current.Load(); current != nil {
		snapshot.CurrentFile = current.RelativePath
		snapshot.FileNumber = current.Index + 1
		snapshot.TotalBytes = current.Size
		snapshot.BytesTransferred = s.fileBytes.Load()
		snapshot.CurrentFileProgress = progress.Percent(snapshot.BytesTransferred,
			snapshot.TotalBytes)
		if started := s.fileStart.Load(); started != nil {
			snapshot.FileElapsedSeconds = now.Sub(*started).Seconds()
		}
		if started := s.checksumStart.Load(); started != nil {
			snapshot.ChecksumElapsedSeconds = now.Sub(*started).Seconds()
		}
	}
	return snapshot
}
