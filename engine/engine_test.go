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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kbase/transferbox/checksum"
	"github.com/kbase/transferbox/copier"
	"github.com/kbase/transferbox/devices"
	"github.com/kbase/transferbox/journal"
	"github.com/kbase/transferbox/mhl"
	"github.com/kbase/transferbox/progress"
	"github.com/kbase/transferbox/proxies"
	"github.com/kbase/transferbox/tbtest"
	"github.com/kbase/transferbox/verify"
)

func TestMain(m *testing.M) {
	tbtest.EnableDebugLogging()
	os.Exit(m.Run())
}

const MiB = 1024 * 1024

// collects the events published on a bus
type collector struct {
	mu     sync.Mutex
	events []progress.Event
}

func collect(bus *progress.Bus) *collector {
	c := &collector{}
	sub := bus.Subscribe()
	go func() {
		for event := range sub.Events() {
			c.mu.Lock()
			c.events = append(c.events, event)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *collector) ofType(eventType string) []progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := make([]progress.Event, 0)
	for _, event := range c.events {
		if event.Type == eventType {
			events = append(events, event)
		}
	}
	return events
}

// waits for at least one event of the given type whose data satisfies match
func (c *collector) waitFor(t *testing.T, eventType string, match func(any) bool) progress.Event {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, event := range c.ofType(eventType) {
			if match == nil || match(event.Data) {
				return event
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("No %s event arrived", eventType)
	return progress.Event{}
}

func statusLevel(level string) func(any) bool {
	return func(data any) bool {
		return data.(progress.StatusData).Level == level
	}
}

// a copier that runs hooks around a real copy
type hookCopier struct {
	inner  Copier
	before func(ctx context.Context, task *copier.FileTask) error
	after  func(ctx context.Context, task *copier.FileTask) error
}

func (h *hookCopier) Copy(ctx context.Context, task *copier.FileTask, onChunk func(int)) error {
	if h.before != nil {
		if err := h.before(ctx, task); err != nil {
			return err
		}
	}
	if err := h.inner.Copy(ctx, task, onChunk); err != nil {
		return err
	}
	if h.after != nil {
		return h.after(ctx, task)
	}
	return nil
}

// a proxy generator that always fails
type failingGenerator struct{}

func (failingGenerator) Generate(ctx context.Context, job proxies.Job) error {
	return errors.New("no codec")
}

// a test fixture holding an engine and its collaborators
type fixture struct {
	engine      *Engine
	events      chan devices.Event
	collector   *collector
	device      devices.Device
	destination string
	hooks       *hookCopier

	mu      sync.Mutex
	records []journal.Record
}

func testPolicy() copier.Policy {
	return copier.Policy{
		MediaOnly:               true,
		MediaExtensions:         []string{".mov", ".mp4", ".wav"},
		PreserveFolderStructure: true,
	}
}

// creates an engine for a source populated with the given files
func newFixture(t *testing.T, files map[string][]byte, configure func(*Options)) *fixture {
	source := filepath.Join(t.TempDir(), "CARD")
	assert.Nil(t, os.MkdirAll(source, 0755))
	assert.Nil(t, tbtest.WriteFiles(source, files))

	f := &fixture{
		events:      make(chan devices.Event, 8),
		device:      devices.Device{Name: "CARD", MountPath: source, Removable: true},
		destination: t.TempDir(),
	}
	f.hooks = &hookCopier{
		inner: copier.Pipeline{Algorithm: checksum.XXH64, BufferSize: MiB},
	}
	bus := progress.NewBus(0, 4096)
	f.collector = collect(bus)
	opts := Options{
		Policy:          testPolicy(),
		Algorithm:       checksum.XXH64,
		BufferSize:      MiB,
		VerifyTransfers: true,
		SpaceMargin:     1.1,
		Events:          f.events,
		Bus:             bus,
		Copier:          f.hooks,
		Recorder: func(record journal.Record) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.records = append(f.records, record)
			return nil
		},
	}
	if configure != nil {
		configure(&opts)
	}
	f.engine = New(opts)
	assert.Nil(t, f.engine.Init(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		f.engine.Shutdown(ctx)
	})
	return f
}

func (f *fixture) arrive(device devices.Device) {
	f.events <- devices.Event{Kind: devices.Arrived, Device: device, Time: time.Now()}
}

func (f *fixture) remove(device devices.Device) {
	f.events <- devices.Event{Kind: devices.Removed, Device: device, Time: time.Now()}
}

func (f *fixture) recorded() []journal.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]journal.Record{}, f.records...)
}

// sets the destination and delivers the device, returning once the session
// has reached a terminal state
func (f *fixture) transfer(t *testing.T) Report {
	result, err := f.engine.SetDestination(f.destination)
	assert.Nil(t, err)
	assert.True(t, result.IsValid)
	f.arrive(f.device)
	return waitForTerminal(t, f.engine)
}

func waitForTerminal(t *testing.T, e *Engine) Report {
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		if e.State().Terminal() {
			report, found := e.LastReport()
			assert.True(t, found)
			return report
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Engine never reached a terminal state (state: %s)", e.State())
	return Report{}
}

// returns the entries of a session's hash list
func hashListEntries(t *testing.T, report Report) []mhl.Entry {
	hashList, err := mhl.Read(report.HashList)
	assert.Nil(t, err)
	return hashList.Entries()
}

func fiveFiles() map[string][]byte {
	files := make(map[string][]byte)
	for i := 1; i <= 5; i++ {
		files[fmt.Sprintf("DCIM/A00%d.MOV", i)] = tbtest.PatternBytes(2*MiB+i, byte(i))
	}
	return files
}

// a source with a media file, an empty media file, and a non-media file
// yields a session of exactly the two media files
func TestTransferSkipsNonMediaFiles(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, map[string][]byte{
		"DCIM/A001.MOV":  tbtest.PatternBytes(10*MiB, 1),
		"AUDIO/room.wav": {},
		"notes.txt":      []byte("not media"),
	}, nil)

	report := f.transfer(t)
	assert.Equal(StateSuccess, report.State)
	assert.Equal(2, report.TotalFiles)
	assert.Equal(2, report.FilesTransferred)
	assert.Equal(int64(10*MiB), report.TotalBytes)

	entries := hashListEntries(t, report)
	assert.Len(entries, 2)
	for _, entry := range entries {
		source := filepath.Join(f.device.MountPath, filepath.FromSlash(entry.Path))
		sourceDigest, err := checksum.File(source, checksum.XXH64, 0)
		assert.Nil(err)
		destDigest, err := checksum.File(filepath.Join(report.Directory, entry.Path), checksum.XXH64, 0)
		assert.Nil(err)
		assert.Equal(sourceDigest, entry.Digest)
		assert.Equal(destDigest, entry.Digest)
	}
	_, err := os.Stat(filepath.Join(report.Directory, "notes.txt"))
	assert.True(os.IsNotExist(err))

	// the summary is written alongside the files
	summary, err := os.ReadFile(filepath.Join(report.Directory, SummaryFilename))
	assert.Nil(err)
	assert.Contains(string(summary), "Files transferred: 2/2")

	// the session is journaled with a manifest of the verified files
	records := f.recorded()
	assert.Len(records, 1)
	assert.Equal(journal.StatusSucceeded, records[0].Status)
	assert.Equal(2, records[0].NumTransferred)
	assert.NotNil(records[0].Manifest)
	assert.Len(records[0].Manifest.ResourceNames(), 2)

	f.collector.waitFor(t, progress.EventStatus, statusLevel(progress.LevelSuccess))
	terminal := f.collector.waitFor(t, progress.EventProgress, func(data any) bool {
		return data.(progress.Snapshot).Stage == progress.StageSuccess
	})
	snapshot := terminal.Data.(progress.Snapshot)
	assert.Equal(100.0, snapshot.OverallProgress)
	assert.Equal("CARD", snapshot.DeviceName)
}

// a bit flipped in the destination copy of the second of three files stops
// the session with an error naming that file
func TestTransferDetectsCorruptedCopy(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, map[string][]byte{
		"A001.MOV": tbtest.PatternBytes(MiB, 1),
		"A002.MOV": tbtest.PatternBytes(MiB, 2),
		"A003.MOV": tbtest.PatternBytes(MiB, 3),
	}, nil)
	f.hooks.after = func(ctx context.Context, task *copier.FileTask) error {
		if task.Index == 1 {
			return tbtest.FlipByte(task.DestinationPath, 1000)
		}
		return nil
	}

	report := f.transfer(t)
	assert.Equal(StateError, report.State)
	assert.Equal(1, report.FilesTransferred)
	assert.Equal(1, report.FilesFailed)
	assert.Equal(1, report.FilesSkipped)
	assert.Equal([]string{"A002.MOV"}, report.FailedFiles)
	assert.Contains(report.Error, "mismatch")

	entries := hashListEntries(t, report)
	assert.Len(entries, 1)
	assert.Equal("A001.MOV", entries[0].Path)

	// the third file was never started
	_, err := os.Stat(filepath.Join(report.Directory, "A003.MOV"))
	assert.True(os.IsNotExist(err))

	errorEvent := f.collector.waitFor(t, progress.EventError, nil)
	assert.Equal("A002.MOV", errorEvent.Data.(progress.ErrorData).File)
	f.collector.waitFor(t, progress.EventProgress, func(data any) bool {
		return data.(progress.Snapshot).Stage == progress.StageError
	})

	records := f.recorded()
	assert.Len(records, 1)
	assert.Equal(journal.StatusFailed, records[0].Status)
}

// a stop requested while the second of five files is copying finishes that
// file and skips the rest
func TestStopFinishesCurrentFile(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, fiveFiles(), nil)
	f.hooks.before = func(ctx context.Context, task *copier.FileTask) error {
		if task.Index == 1 {
			return f.engine.StopSession()
		}
		return nil
	}

	report := f.transfer(t)
	assert.Equal(StateStopped, report.State)
	assert.Equal(5, report.TotalFiles)
	assert.Equal(2, report.FilesTransferred)
	assert.Equal(3, report.FilesSkipped)
	assert.Len(hashListEntries(t, report), 2)

	stopped := f.collector.waitFor(t, progress.EventStopped, nil)
	data := stopped.Data.(progress.StoppedData)
	assert.Equal(2, data.FilesTransferred)
	assert.Equal(3, data.FilesNotTransferred)

	// every file at the destination is complete or absent
	for i := 1; i <= 5; i++ {
		path := filepath.Join(report.Directory, "DCIM", fmt.Sprintf("A00%d.MOV", i))
		_, err := os.Stat(path)
		if i <= 2 {
			assert.Nil(err)
		} else {
			assert.True(os.IsNotExist(err))
		}
		_, err = os.Stat(path + copier.TempSuffix)
		assert.True(os.IsNotExist(err))
	}
	assert.Equal(journal.StatusStopped, f.recorded()[0].Status)
}

// an unwritable destination is rejected and no session starts
func TestUnwritableDestinationIsRejected(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, map[string][]byte{"A001.MOV": tbtest.PatternBytes(1000, 1)}, nil)
	readOnly := filepath.Join(t.TempDir(), "readonly")
	assert.Nil(os.Mkdir(readOnly, 0555))
	t.Cleanup(func() { os.Chmod(readOnly, 0755) })

	result, err := f.engine.SetDestination(readOnly)
	assert.False(result.IsValid)
	assert.NotEmpty(result.ErrorMessage)
	var invalid *InvalidDestinationError
	assert.True(errors.As(err, &invalid))
	assert.Equal("", f.engine.Destination())

	f.arrive(f.device)
	deadline := time.Now().Add(5 * time.Second)
	for f.engine.Status().PendingDevice == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.NotNil(f.engine.Status().PendingDevice)
	assert.Equal(StateIdle, f.engine.State())
	entries, err := os.ReadDir(readOnly)
	assert.Nil(err)
	assert.Len(entries, 0)
}

// removing the source device mid-session always ends in an error
func TestDeviceRemovalFailsSession(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, fiveFiles(), nil)
	f.hooks.before = func(ctx context.Context, task *copier.FileTask) error {
		if task.Index == 2 {
			f.remove(f.device)
			select {
			case <-ctx.Done():
				return context.Cause(ctx)
			case <-time.After(10 * time.Second):
				return errors.New("removal never arrived")
			}
		}
		return nil
	}

	report := f.transfer(t)
	assert.Equal(StateError, report.State)
	assert.Equal(2, report.FilesTransferred)
	assert.Contains(report.Error, "was removed")
	assert.Len(hashListEntries(t, report), 2)
	assert.Nil(f.engine.Status().PendingDevice)
}

// setting the same destination repeatedly never starts a second session
func TestSetDestinationIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, map[string][]byte{"A001.MOV": tbtest.PatternBytes(MiB, 1)}, nil)

	f.arrive(f.device)
	deadline := time.Now().Add(5 * time.Second)
	for f.engine.Status().PendingDevice == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	first, err := f.engine.SetDestination(f.destination)
	assert.Nil(err)
	second, err := f.engine.SetDestination(f.destination + "/")
	assert.Nil(err)
	assert.Equal(first, second)

	report := waitForTerminal(t, f.engine)
	assert.Equal(StateSuccess, report.State)
	third, err := f.engine.SetDestination(f.destination)
	assert.Nil(err)
	assert.Equal(first, third)
	assert.Len(f.recorded(), 1)

	// a different destination must wait for a reset
	other := t.TempDir()
	result, err := f.engine.SetDestination(other)
	assert.False(result.IsValid)
	var active *SessionActiveError
	assert.True(errors.As(err, &active))
}

// a device arriving during a session is turned away
func TestSecondArrivalIsRejected(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, map[string][]byte{
		"A001.MOV": tbtest.PatternBytes(MiB, 1),
		"A002.MOV": tbtest.PatternBytes(MiB, 2),
	}, nil)
	other := devices.Device{Name: "OTHER", MountPath: t.TempDir()}
	f.hooks.before = func(ctx context.Context, task *copier.FileTask) error {
		if task.Index == 0 {
			f.arrive(other)
			f.collector.waitFor(t, progress.EventStatus, statusLevel(progress.LevelWarning))
		}
		return nil
	}

	report := f.transfer(t)
	assert.Equal(StateSuccess, report.State)
	assert.Equal("CARD", report.DeviceName)
	assert.Len(f.recorded(), 1)
	assert.Nil(f.engine.Status().PendingDevice)
}

func TestResetSession(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, map[string][]byte{"A001.MOV": tbtest.PatternBytes(MiB, 1)}, nil)
	release := make(chan struct{})
	f.hooks.before = func(ctx context.Context, task *copier.FileTask) error {
		<-release
		return nil
	}
	_, err := f.engine.SetDestination(f.destination)
	assert.Nil(err)
	f.arrive(f.device)
	deadline := time.Now().Add(5 * time.Second)
	for !f.engine.State().Active() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	err = f.engine.ResetSession()
	var notTerminal *NotTerminalError
	assert.True(errors.As(err, &notTerminal))
	close(release)

	waitForTerminal(t, f.engine)
	assert.Nil(f.engine.ResetSession())
	assert.Equal(StateIdle, f.engine.State())
	assert.Equal("", f.engine.Destination())
	f.collector.waitFor(t, progress.EventDestinationReset, nil)
	f.collector.waitFor(t, progress.EventState, func(data any) bool {
		return data.(progress.StateData).State == string(StateIdle)
	})

	// the engine re-arms: the same card can be transferred again
	report := f.transfer(t)
	assert.Equal(StateSuccess, report.State)
	assert.Len(f.recorded(), 2)
}

func TestNoMediaFilesFailsBeforeAnyIO(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, map[string][]byte{"notes.txt": []byte("hello")}, nil)
	report := f.transfer(t)
	assert.Equal(StateError, report.State)
	assert.Contains(report.Error, "No media files")
	assert.Equal("", report.Directory)
	entries, err := os.ReadDir(f.destination)
	assert.Nil(err)
	assert.Len(entries, 0)
}

func TestInsufficientSpaceFailsBeforeAnyIO(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, map[string][]byte{"A001.MOV": tbtest.PatternBytes(MiB, 1)},
		func(opts *Options) {
			opts.SpaceMargin = 1e9
		})
	report := f.transfer(t)
	assert.Equal(StateError, report.State)
	assert.Contains(report.Error, "Insufficient space")
	entries, err := os.ReadDir(f.destination)
	assert.Nil(err)
	assert.Len(entries, 0)
}

func TestTransferWithoutVerification(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, map[string][]byte{"A001.MOV": tbtest.PatternBytes(MiB, 1)},
		func(opts *Options) {
			opts.VerifyTransfers = false
		})
	report := f.transfer(t)
	assert.Equal(StateSuccess, report.State)
	assert.Equal(1, report.FilesTransferred)
	entries := hashListEntries(t, report)
	assert.Len(entries, 1)
	digest, err := checksum.File(filepath.Join(f.device.MountPath, "A001.MOV"), checksum.XXH64, 0)
	assert.Nil(err)
	assert.Equal(digest, entries[0].Digest)
	for _, event := range f.collector.ofType(progress.EventState) {
		assert.NotEqual(string(StateChecksumming), event.Data.(progress.StateData).State)
	}
}

// a verifier that runs a hook before reading back each file
type hookVerifier struct {
	before func(ctx context.Context, path string)
	after  func(ctx context.Context, path string)
}

func (h *hookVerifier) Verify(ctx context.Context, path, algorithm, expected string,
	bufferSize int, onChunk func(n int)) (verify.Result, error) {
	if h.before != nil {
		h.before(ctx, path)
	}
	result, err := verify.File(ctx, path, algorithm, expected, bufferSize, onChunk)
	if h.after != nil {
		h.after(ctx, path)
	}
	return result, err
}

// a proxy generator that writes a placeholder for each job and calls a hook
// as each one starts
type recordingGenerator struct {
	mu      sync.Mutex
	started []string
	onStart func(job proxies.Job)
}

func (g *recordingGenerator) Generate(ctx context.Context, job proxies.Job) error {
	g.mu.Lock()
	g.started = append(g.started, job.Source)
	g.mu.Unlock()
	if g.onStart != nil {
		g.onStart(job)
	}
	return os.WriteFile(job.Output, []byte("proxy"), 0644)
}

func (g *recordingGenerator) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.started)
}

// waits for a removal to cancel the session's context
func awaitCancel(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
	}
}

// a stop issued while a file is being read back lets that file finish
// verification and leaves only complete files behind
func TestStopDuringChecksumming(t *testing.T) {
	assert := assert.New(t)
	var f *fixture
	verifier := &hookVerifier{
		before: func(ctx context.Context, path string) {
			if filepath.Base(path) == "A002.MOV" {
				assert.Nil(f.engine.StopSession())
			}
		},
	}
	f = newFixture(t, fiveFiles(), func(opts *Options) {
		opts.Verifier = verifier
	})

	report := f.transfer(t)
	assert.Equal(StateStopped, report.State)
	assert.Equal(2, report.FilesTransferred)
	assert.Equal(3, report.FilesSkipped)
	entries := hashListEntries(t, report)
	assert.Len(entries, 2)

	for i := 1; i <= 5; i++ {
		rel := filepath.Join("DCIM", fmt.Sprintf("A00%d.MOV", i))
		path := filepath.Join(report.Directory, rel)
		if i <= 2 {
			source, err := checksum.File(filepath.Join(f.device.MountPath, rel), checksum.XXH64, 0)
			assert.Nil(err)
			copied, err := checksum.File(path, checksum.XXH64, 0)
			assert.Nil(err)
			assert.Equal(source, copied)
		} else {
			_, err := os.Stat(path)
			assert.True(os.IsNotExist(err))
		}
		_, err := os.Stat(path + copier.TempSuffix)
		assert.True(os.IsNotExist(err))
	}
}

// removing the device after every byte has been copied and verified still
// fails the session
func TestDeviceRemovalAfterLastFileFailsSession(t *testing.T) {
	assert := assert.New(t)
	var f *fixture
	verifier := &hookVerifier{
		after: func(ctx context.Context, path string) {
			if filepath.Base(path) == "A003.MOV" {
				f.remove(f.device)
				awaitCancel(ctx)
			}
		},
	}
	f = newFixture(t, map[string][]byte{
		"A001.MOV": tbtest.PatternBytes(MiB, 1),
		"A002.MOV": tbtest.PatternBytes(MiB, 2),
		"A003.MOV": tbtest.PatternBytes(MiB, 3),
	}, func(opts *Options) {
		opts.Verifier = verifier
	})

	report := f.transfer(t)
	assert.Equal(StateError, report.State)
	assert.Equal(3, report.FilesTransferred)
	assert.Contains(report.Error, "was removed")
	assert.Len(hashListEntries(t, report), 3)
	for _, event := range f.collector.ofType(progress.EventStatus) {
		assert.NotEqual(progress.LevelSuccess, event.Data.(progress.StatusData).Level)
	}
	assert.Equal(journal.StatusFailed, f.recorded()[0].Status)
}

// the same holds when the removal lands after the last copy but before
// verification
func TestDeviceRemovalBeforeLastVerificationFailsSession(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, map[string][]byte{
		"A001.MOV": tbtest.PatternBytes(MiB, 1),
		"A002.MOV": tbtest.PatternBytes(MiB, 2),
	}, nil)
	f.hooks.after = func(ctx context.Context, task *copier.FileTask) error {
		if task.Index == 1 {
			f.remove(f.device)
			awaitCancel(ctx)
		}
		return nil
	}

	report := f.transfer(t)
	assert.Equal(StateError, report.State)
	assert.Contains(report.Error, "was removed")
	assert.Equal(journal.StatusFailed, f.recorded()[0].Status)
}

// a stop requested while proxies are generated lets the proxy in flight
// finish and skips the rest
func TestStopDuringProxyGeneration(t *testing.T) {
	assert := assert.New(t)
	files := make(map[string][]byte)
	for i := 1; i <= 6; i++ {
		files[fmt.Sprintf("A00%d.MOV", i)] = tbtest.PatternBytes(1000, byte(i))
	}
	var f *fixture
	generator := &recordingGenerator{}
	generator.onStart = func(job proxies.Job) {
		if job.Index == 0 {
			assert.Nil(f.engine.StopSession())
		}
	}
	f = newFixture(t, files, func(opts *Options) {
		opts.GenerateProxies = true
		opts.ProxyWorkers = 1
		opts.ProxyGenerator = generator
	})

	report := f.transfer(t)
	assert.Equal(StateStopped, report.State)
	assert.Equal(6, report.FilesTransferred)
	assert.Equal(1, generator.count())
	assert.Equal(5, report.ProxiesSkipped)
	assert.Equal(0, report.ProxyFailures)
	_, err := os.Stat(filepath.Join(report.Directory, "proxies", "A001_proxy.mov"))
	assert.Nil(err)
	_, err = os.Stat(filepath.Join(report.Directory, "proxies", "A002_proxy.mov"))
	assert.True(os.IsNotExist(err))
}

// a stop requested during the last copy never starts proxy generation
func TestStopBeforeProxyGeneration(t *testing.T) {
	assert := assert.New(t)
	generator := &recordingGenerator{}
	f := newFixture(t, map[string][]byte{
		"A001.MOV": tbtest.PatternBytes(1000, 1),
		"A002.MOV": tbtest.PatternBytes(1000, 2),
	}, func(opts *Options) {
		opts.GenerateProxies = true
		opts.ProxyGenerator = generator
	})
	f.hooks.before = func(ctx context.Context, task *copier.FileTask) error {
		if task.Index == 1 {
			return f.engine.StopSession()
		}
		return nil
	}

	report := f.transfer(t)
	assert.Equal(StateStopped, report.State)
	assert.Equal(2, report.FilesTransferred)
	assert.Equal(0, generator.count())
	for _, event := range f.collector.ofType(progress.EventState) {
		assert.NotEqual(string(StateGeneratingDerivative), event.Data.(progress.StateData).State)
	}
}

// shutting down during proxy generation returns once the proxy in flight
// is done rather than waiting for the whole batch
func TestShutdownDuringProxyGeneration(t *testing.T) {
	assert := assert.New(t)
	files := make(map[string][]byte)
	for i := 1; i <= 4; i++ {
		files[fmt.Sprintf("A00%d.MOV", i)] = tbtest.PatternBytes(1000, byte(i))
	}
	started := make(chan struct{})
	release := make(chan struct{})
	generator := &recordingGenerator{}
	generator.onStart = func(job proxies.Job) {
		if job.Index == 0 {
			close(started)
			<-release
		}
	}
	f := newFixture(t, files, func(opts *Options) {
		opts.GenerateProxies = true
		opts.ProxyWorkers = 1
		opts.ProxyGenerator = generator
	})
	_, err := f.engine.SetDestination(f.destination)
	assert.Nil(err)
	f.arrive(f.device)
	<-started

	shutdown := make(chan error)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdown <- f.engine.Shutdown(ctx)
	}()
	// the engine refuses control requests once shutdown has begun
	var closed *ClosedError
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := f.engine.SetDestination(f.destination); errors.As(err, &closed) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	assert.Nil(<-shutdown)
	assert.Equal(1, generator.count())
	report, found := f.engine.LastReport()
	assert.True(found)
	assert.Equal(StateStopped, report.State)
	assert.Equal(3, report.ProxiesSkipped)
}

// alternating between copying and checksumming for every file of a card of
// small files does not bypass the snapshot rate limit
func TestPerFileStagesAreRateLimited(t *testing.T) {
	assert := assert.New(t)
	files := make(map[string][]byte)
	for i := 0; i < 300; i++ {
		files[fmt.Sprintf("DCIM/C%03d.MOV", i)] = tbtest.PatternBytes(100, byte(i))
	}
	const perSecond = 4
	bus := progress.NewBus(perSecond, 4096)
	events := collect(bus)
	f := newFixture(t, files, func(opts *Options) {
		opts.Bus = bus
	})

	start := time.Now()
	report := f.transfer(t)
	elapsed := time.Since(start)
	assert.Equal(StateSuccess, report.State)
	assert.Equal(300, report.FilesTransferred)

	// idle, session start, first checksum, verifying, and the terminal
	// snapshot are delivered immediately; everything else is limited
	limit := int(elapsed.Seconds()*perSecond) + 1 + 5
	assert.LessOrEqual(len(events.ofType(progress.EventProgress)), limit)

	checksumming := 0
	for _, event := range events.ofType(progress.EventState) {
		if event.Data.(progress.StateData).State == string(StateChecksumming) {
			checksumming++
		}
	}
	assert.Equal(1, checksumming)
}

// a failed proxy is a warning, not a failed session
func TestProxyFailureIsNotFatal(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, map[string][]byte{
		"A001.MOV":  tbtest.PatternBytes(MiB, 1),
		"sound.wav": tbtest.PatternBytes(1000, 2),
	}, func(opts *Options) {
		opts.GenerateProxies = true
		opts.ProxyGenerator = failingGenerator{}
	})
	report := f.transfer(t)
	assert.Equal(StateSuccess, report.State)
	assert.Equal(1, report.ProxyFailures)
	f.collector.waitFor(t, progress.EventState, func(data any) bool {
		return data.(progress.StateData).State == string(StateGeneratingDerivative)
	})
	f.collector.waitFor(t, progress.EventStatus, func(data any) bool {
		status := data.(progress.StatusData)
		return status.Level == progress.LevelWarning && strings.Contains(status.Message, "A001")
	})
}

// a card inserted into a polled mount table is transferred, and ejecting it
// clears the pending device
func TestMonitorDrivenTransfer(t *testing.T) {
	assert := assert.New(t)
	source := filepath.Join(t.TempDir(), "B002")
	assert.Nil(tbtest.WriteFiles(source, map[string][]byte{
		"B002C001.MP4": tbtest.PatternBytes(MiB, 7),
	}))
	card := devices.Device{Name: "B002", MountPath: source, Removable: true}

	enumerator := &tbtest.FakeEnumerator{}
	monitor := devices.NewMonitor(enumerator, 10*time.Millisecond)
	e := New(Options{
		Policy:  testPolicy(),
		Events:  monitor.Events(),
		Bus:     progress.NewBus(0, 1024),
		Devices: monitor.Devices,
	})
	assert.Nil(e.Init(context.Background()))
	assert.Nil(monitor.Start(context.Background()))
	defer func() {
		monitor.Stop()
		assert.Nil(e.Shutdown(context.Background()))
	}()

	_, err := e.SetDestination(t.TempDir())
	assert.Nil(err)
	enumerator.Insert(card)
	report := waitForTerminal(t, e)
	assert.Equal(StateSuccess, report.State)
	assert.Equal("B002", report.DeviceName)
	assert.Len(hashListEntries(t, report), 1)
	attached := e.Status().Attached
	assert.Len(attached, 1)
	assert.Equal(source, attached[0].MountPath)

	// after the session the card is still in the reader; a reinsertion while
	// awaiting reset is remembered until the card is ejected
	enumerator.Eject(source)
	deadline := time.Now().Add(5 * time.Second)
	for len(monitor.Devices()) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	enumerator.Insert(card)
	for e.Status().PendingDevice == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.NotNil(e.Status().PendingDevice)
	enumerator.Eject(source)
	for e.Status().PendingDevice != nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Nil(e.Status().PendingDevice)
}

func TestControlErrors(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, map[string][]byte{"A001.MOV": tbtest.PatternBytes(1000, 1)}, nil)

	var noSession *NoActiveSessionError
	assert.True(errors.As(f.engine.StopSession(), &noSession))
	var noDestination *NoDestinationError
	assert.True(errors.As(f.engine.StartSession(), &noDestination))
	_, err := f.engine.SetDestination(f.destination)
	assert.Nil(err)
	var noDevice *NoDeviceError
	assert.True(errors.As(f.engine.StartSession(), &noDevice))
	assert.Nil(f.engine.ResetSession())
}

func TestShutdownClosesEngine(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, map[string][]byte{"A001.MOV": tbtest.PatternBytes(1000, 1)}, nil)
	sub := f.engine.Bus().Subscribe()
	assert.Nil(f.engine.Shutdown(context.Background()))
	for range sub.Events() {
	}
	_, err := f.engine.SetDestination(f.destination)
	var closed *ClosedError
	assert.True(errors.As(err, &closed))
	assert.Nil(f.engine.Shutdown(context.Background()))
}

// a device event that was waiting while the engine shut down starts nothing
func TestArrivalAfterShutdownIsIgnored(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, map[string][]byte{"A001.MOV": tbtest.PatternBytes(1000, 1)}, nil)
	_, err := f.engine.SetDestination(f.destination)
	assert.Nil(err)
	assert.Nil(f.engine.Shutdown(context.Background()))

	f.engine.handleDeviceEvent(devices.Event{Kind: devices.Arrived, Device: f.device})
	assert.Equal(StateIdle, f.engine.State())
	status := f.engine.Status()
	assert.Nil(status.ActiveDevice)
	assert.Nil(status.PendingDevice)
	assert.Empty(status.Attached)
	entries, err := os.ReadDir(f.destination)
	assert.Nil(err)
	assert.Len(entries, 0)
}

func TestSanitizePath(t *testing.T) {
	assert := assert.New(t)
	home, err := os.UserHomeDir()
	assert.Nil(err)
	assert.Equal("/media/My Drive", SanitizePath(`"/media/My Drive"`))
	assert.Equal("/media/My Drive", SanitizePath(`'/media/My\ Drive/'`))
	assert.Equal(filepath.Join(home, "footage"), SanitizePath("~/footage"))
	assert.Equal("/a/c", SanitizePath("/a/b/../c"))
	assert.Equal("", SanitizePath(`  ""  `))
	cwd, err := os.Getwd()
	assert.Nil(err)
	assert.Equal(filepath.Join(cwd, "relative"), SanitizePath("relative"))
}

func TestValidateDestination(t *testing.T) {
	assert := assert.New(t)
	dir := t.TempDir()
	result, err := ValidateDestination(dir)
	assert.Nil(err)
	assert.True(result.IsValid)

	file := filepath.Join(dir, "file")
	assert.Nil(os.WriteFile(file, []byte("x"), 0644))
	result, err = ValidateDestination(file)
	assert.NotNil(err)
	assert.Equal("Path is not a directory", result.ErrorMessage)

	result, _ = ValidateDestination(filepath.Join(dir, "missing"))
	assert.Equal("Path does not exist", result.ErrorMessage)

	result, _ = ValidateDestination("")
	assert.False(result.IsValid)
}

func TestReportSummaryListsFailures(t *testing.T) {
	assert := assert.New(t)
	report := Report{
		DeviceName:       "CARD",
		State:            StateError,
		TotalFiles:       20,
		FilesTransferred: 8,
		Error:            "boom",
	}
	for i := 0; i < 12; i++ {
		report.FailedFiles = append(report.FailedFiles, fmt.Sprintf("f%d.mov", i))
	}
	summary := strings.Join(report.Summary(), "\n")
	assert.Contains(summary, "Files transferred: 8/20")
	assert.Contains(summary, "f9.mov")
	assert.NotContains(summary, "f10.mov")
	assert.Contains(summary, "... and 2 more")
	assert.Contains(summary, "Error: boom")
}

func TestFormatBytes(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("512 B", formatBytes(512))
	assert.Equal("1.0 KiB", formatBytes(1024))
	assert.Equal("10 MiB", formatBytes(10*MiB))
	assert.Equal("0 B", formatBytes(-1))
}
