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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kbase/transferbox/copier"
	"github.com/kbase/transferbox/devices"
	"github.com/kbase/transferbox/frictionless"
	"github.com/kbase/transferbox/journal"
	"github.com/kbase/transferbox/mhl"
	"github.com/kbase/transferbox/progress"
	"github.com/kbase/transferbox/proxies"
	"github.com/kbase/transferbox/verify"
)

// a single transfer from one device to the destination
type session struct {
	id          uuid.UUID
	device      devices.Device
	destination string
	dir         string
	start       time.Time

	// canceled (with a cause) when the source device disappears
	ctx    context.Context
	cancel context.CancelCauseFunc
	// set when a cooperative stop is requested
	stop atomic.Bool

	tasks      []*copier.FileTask
	totalBytes int64
	meter      *progress.Meter
	manifest   *mhl.Writer
	dirCreated bool
	errors     []string

	// progress of the file in flight
	current       atomic.Pointer[copier.FileTask]
	fileBytes     atomic.Int64
	doneBytes     atomic.Int64
	fileStart     atomic.Pointer[time.Time]
	checksumStart atomic.Pointer[time.Time]

	proxyDone, proxyTotal atomic.Int32
	proxyFailures         int
	proxiesSkipped        int

	// states the session has already announced; only the session goroutine
	// touches this after the session starts
	entered map[State]bool
}

func newSession(device devices.Device, destination string) *session {
	ctx, cancel := context.WithCancelCause(context.Background())
	start := time.Now()
	return &session{
		id:          uuid.New(),
		device:      device,
		destination: destination,
		dir:         sessionDirectory(destination, start),
		start:       start,
		ctx:         ctx,
		cancel:      cancel,
		meter:       progress.NewMeter(),
		entered:     map[State]bool{StateCopying: true},
	}
}

// returns a session directory path under destination named for the start
// time, suffixed if a directory with that name already exists
func sessionDirectory(destination string, start time.Time) string {
	base := filepath.Join(destination, start.Format(copier.SessionLayout))
	dir := base
	for n := 1; ; n++ {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return dir
		}
		dir = fmt.Sprintf("%s_%d", base, n)
	}
}

// runs the session from planning through its terminal state
func (e *Engine) run(s *session) {
	defer s.cancel(nil)

	tasks, err := e.opts.Policy.Plan(s.device.MountPath, s.dir, s.device.Name)
	if err != nil {
		e.finish(s, StateError, err, nil)
		return
	}
	if len(tasks) == 0 {
		e.finish(s, StateError, &copier.NoMediaFilesError{Path: s.device.MountPath}, nil)
		return
	}
	s.tasks = tasks
	for _, task := range tasks {
		s.totalBytes += task.Size
	}
	if err := copier.CheckSpace(s.destination, s.totalBytes, e.opts.SpaceMargin); err != nil {
		e.finish(s, StateError, err, nil)
		return
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		e.finish(s, StateError, &copier.DestinationWriteError{Path: s.dir, Err: err}, nil)
		return
	}
	s.dirCreated = true
	s.manifest = mhl.NewWriter(s.dir, s.start)
	s.meter.Start(s.totalBytes)
	e.bus.Publish(progress.StatusEvent(fmt.Sprintf("Transferring %d files (%s) from %s",
		len(tasks), formatBytes(s.totalBytes), s.device.Name), progress.LevelInfo))

	for _, task := range s.tasks {
		if s.stop.Load() {
			e.finish(s, StateStopped, nil, nil)
			return
		}
		if s.ctx.Err() != nil {
			e.finish(s, StateError, context.Cause(s.ctx), task)
			return
		}
		if err := e.transferFile(s, task); err != nil {
			e.finish(s, StateError, err, task)
			return
		}
	}
	s.current.Store(nil)

	if e.opts.GenerateProxies && !s.stop.Load() {
		e.generateProxies(s)
	}
	if s.ctx.Err() != nil {
		e.finish(s, StateError, context.Cause(s.ctx), nil)
		return
	}
	if s.stop.Load() {
		e.finish(s, StateStopped, nil, nil)
		return
	}
	e.setState(s, StateVerifying)
	e.finish(s, StateSuccess, nil, nil)
}

// copies and (if configured) verifies a single file, recording it in the
// manifest once it is known to be intact
func (e *Engine) transferFile(s *session, task *copier.FileTask) error {
	now := time.Now()
	s.current.Store(task)
	s.fileBytes.Store(0)
	s.fileStart.Store(&now)
	s.checksumStart.Store(nil)
	e.setState(s, StateCopying)
	slog.Debug(fmt.Sprintf("Copying %s -> %s", task.SourcePath, task.DestinationPath))

	err := e.opts.Copier.Copy(s.ctx, task, func(n int) {
		s.fileBytes.Add(int64(n))
		s.doneBytes.Add(int64(n))
		s.meter.Add(n)
		e.publishProgress(s)
	})
	if err != nil {
		return err
	}

	digest := task.SourceHash
	if e.opts.VerifyTransfers {
		checksumStart := time.Now()
		task.Status = copier.StatusChecksumming
		s.fileBytes.Store(0)
		s.checksumStart.Store(&checksumStart)
		e.setState(s, StateChecksumming)
		result, err := e.opts.Verifier.Verify(s.ctx, task.DestinationPath, e.opts.Algorithm,
			task.SourceHash, e.opts.BufferSize, func(n int) {
				s.fileBytes.Add(int64(n))
				e.publishProgress(s)
			})
		task.DestinationHash = result.Actual
		task.Finished = time.Now()
		if err != nil {
			var mismatch *verify.MismatchError
			if errors.As(err, &mismatch) {
				task.Status = copier.StatusMismatched
			} else {
				task.Status = copier.StatusFailed
			}
			task.Error = err
			return err
		}
		task.Status = copier.StatusVerified
		digest = result.Actual
	}

	err = s.manifest.Record(mhl.Entry{
		Path:      task.ManifestPath,
		Size:      task.Size,
		ModTime:   task.ModTime,
		Algorithm: e.opts.Algorithm,
		Digest:    digest,
		HashDate:  time.Now(),
	})
	if err != nil {
		task.Status = copier.StatusFailed
		task.Error = err
		return err
	}
	slog.Debug(fmt.Sprintf("Transferred %s (%s %s)", task.RelativePath, e.opts.Algorithm, digest))
	e.publishProgress(s)
	return nil
}

// generates proxies for the transferred video files; failures are reported
// as warnings and never fail the session
func (e *Engine) generateProxies(s *session) {
	paths := make([]string, 0)
	for _, task := range s.tasks {
		if transferred(task) {
			paths = append(paths, task.DestinationPath)
		}
	}
	jobs := proxies.Plan(paths, filepath.Join(s.dir, e.opts.ProxySubfolder))
	if len(jobs) == 0 {
		return
	}
	if e.opts.ProxyGenerator == nil {
		e.bus.Publish(progress.StatusEvent("Proxy generation is unavailable; skipping proxies",
			progress.LevelWarning))
		return
	}
	s.proxyTotal.Store(int32(len(jobs)))
	e.setState(s, StateGeneratingDerivative)
	results := proxies.Run(s.ctx, e.opts.ProxyGenerator, jobs, e.opts.ProxyWorkers,
		s.stop.Load, func(done int, result proxies.Result) {
			s.proxyDone.Store(int32(done))
			e.publishProgress(s)
		})
	failures := proxies.Failures(results)
	s.proxyFailures = len(failures)
	s.proxiesSkipped = proxies.SkippedCount(results)
	if s.proxiesSkipped > 0 {
		slog.Info(fmt.Sprintf("Skipped %d proxies after a stop request", s.proxiesSkipped))
	}
	for _, failure := range failures {
		e.bus.Publish(progress.StatusEvent(
			fmt.Sprintf("Couldn't create proxy for %s: %s", filepath.Base(failure.Job.Source),
				failure.Err), progress.LevelWarning))
	}
}

// returns true if the task's file reached the destination intact
func transferred(task *copier.FileTask) bool {
	return task.Status == copier.StatusVerified || task.Status == copier.StatusCopied
}

// brings a session to the given terminal state: remaining files are marked
// skipped, the manifest is finalized, the summary is written and recorded,
// and the outcome is published
func (e *Engine) finish(s *session, state State, err error, failed *copier.FileTask) {
	if state == StateSuccess && s.ctx.Err() != nil {
		state, err = StateError, context.Cause(s.ctx)
	}
	if err != nil {
		s.errors = append(s.errors, err.Error())
	}
	for _, task := range s.tasks {
		if task.Status == copier.StatusPending {
			task.Status = copier.StatusSkipped
		}
	}

	tempFilesRemoved := 0
	if state == StateStopped && s.dirCreated {
		removed, rmErr := copier.RemoveTempFiles(s.dir)
		if rmErr != nil {
			slog.Warn(fmt.Sprintf("Couldn't clean up temporary files in %s: %s", s.dir, rmErr))
		}
		tempFilesRemoved = removed
	}

	hashList := ""
	if s.manifest != nil {
		_, mhlErr := s.manifest.Finalize(mhl.Session{
			Id:          s.id.String(),
			Status:      string(state),
			Source:      s.device.Name,
			SourcePath:  s.device.MountPath,
			Destination: s.destination,
			Start:       s.start,
			End:         time.Now(),
			TotalFiles:  len(s.tasks),
			TotalBytes:  s.totalBytes,
		})
		if mhlErr != nil {
			slog.Error(mhlErr.Error())
			s.errors = append(s.errors, mhlErr.Error())
			if state == StateSuccess {
				state, err = StateError, mhlErr
			}
		} else {
			hashList = s.manifest.Path()
		}
	}

	report := s.report(state, time.Now())
	report.HashList = hashList
	report.TemporaryFilesRemoved = tempFilesRemoved
	if err != nil {
		report.Error = err.Error()
	}
	summary := report.Summary()
	for _, line := range summary {
		slog.Info(line)
	}
	if s.dirCreated {
		if err := writeSummary(s.dir, summary); err != nil {
			slog.Warn(fmt.Sprintf("Couldn't write transfer log: %s", err))
		}
	}
	e.record(s, report)

	switch state {
	case StateSuccess:
		message := fmt.Sprintf("Transfer complete: %d files transferred", report.FilesTransferred)
		if s.proxyFailures > 0 {
			message += fmt.Sprintf(" (%d proxies failed)", s.proxyFailures)
		}
		e.bus.Publish(progress.StatusEvent(message, progress.LevelSuccess))
	case StateStopped:
		e.bus.Publish(progress.StoppedEvent(progress.StoppedData{
			FilesTransferred:      report.FilesTransferred,
			FilesNotTransferred:   report.TotalFiles - report.FilesTransferred,
			TemporaryFilesRemoved: tempFilesRemoved,
		}))
		e.bus.Publish(progress.StatusEvent(
			fmt.Sprintf("Transfer stopped: %d transferred, %d not transferred",
				report.FilesTransferred, report.TotalFiles-report.FilesTransferred),
			progress.LevelWarning))
	case StateError:
		file := ""
		if failed != nil {
			file = failed.RelativePath
		}
		e.bus.Publish(progress.ErrorEvent(err.Error(), file))
		e.bus.Publish(progress.StatusEvent(
			fmt.Sprintf("Transfer failed: %s (%d of %d files verified before the failure)",
				err, report.FilesTransferred, report.TotalFiles),
			progress.LevelError))
	}

	e.mu.Lock()
	previous := e.state
	e.state = state
	e.active = nil
	e.last = &report
	e.mu.Unlock()
	e.bus.Publish(progress.StateEvent(string(state), string(previous)))
	e.bus.PublishProgress(e.snapshot(s, state), true)
}

// records a finished session in the journal, if one is configured
func (e *Engine) record(s *session, report Report) {
	if e.opts.Recorder == nil {
		return
	}
	record := journal.Record{
		Id:             s.id,
		SourceName:     s.device.Name,
		SourcePath:     s.device.MountPath,
		Destination:    s.destination,
		StartTime:      report.Start,
		StopTime:       report.End,
		Status:         journalStatus(report.State),
		PayloadSize:    report.TotalBytes,
		NumFiles:       report.TotalFiles,
		NumTransferred: report.FilesTransferred,
		Errors:         s.errors,
		HashListPath:   report.HashList,
	}
	if s.dirCreated {
		record.SessionDirectory = s.dir
	}
	if s.manifest != nil && len(s.manifest.Entries()) > 0 {
		manifest, err := journal.NewManifest(s.dataPackage())
		if err != nil {
			slog.Warn(fmt.Sprintf("Couldn't create manifest for session %s: %s", s.id, err))
		} else {
			record.Manifest = manifest
		}
	}
	if err := e.opts.Recorder(record); err != nil {
		slog.Error(fmt.Sprintf("Couldn't record session %s: %s", s.id, err))
	}
}

func journalStatus(state State) string {
	switch state {
	case StateSuccess:
		return journal.StatusSucceeded
	case StateStopped:
		return journal.StatusStopped
	}
	return journal.StatusFailed
}

// returns a Frictionless data package describing the files in the manifest
func (s *session) dataPackage() frictionless.DataPackage {
	entries := s.manifest.Entries()
	resources := make([]frictionless.DataResource, len(entries))
	for i, entry := range entries {
		resources[i] = frictionless.DataResource{
			Name:      frictionless.ResourceName(entry.Path),
			Path:      entry.Path,
			Format:    frictionless.Format(entry.Path),
			MediaType: frictionless.MediaType(entry.Path),
			Bytes:     entry.Size,
			Hash:      frictionless.HashString(entry.Algorithm, entry.Digest),
		}
	}
	return frictionless.DataPackage{
		Name:        "session-" + s.id.String(),
		Title:       fmt.Sprintf("Transfer from %s", s.device.Name),
		Description: fmt.Sprintf("Files transferred from %s to %s", s.device.MountPath, s.dir),
		Created:     s.start.UTC().Format(time.RFC3339),
		Keywords:    []string{"transferbox", "manifest"},
		Resources:   resources,
		Sources: []frictionless.DataSource{
			{Title: s.device.Name, Path: s.device.MountPath},
		},
	}
}
