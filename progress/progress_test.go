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
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

// a clock that only moves when told to
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func snapshot(stage Stage, done int64) Snapshot {
	return Snapshot{
		Version:          SnapshotVersion,
		Stage:            stage,
		TotalTransferred: done,
		TotalSize:        1000,
	}
}

// drains all queued events from a subscription
func drain(sub *Subscription) []Event {
	events := make([]Event, 0)
	for {
		select {
		case event, open := <-sub.Events():
			if !open {
				return events
			}
			events = append(events, event)
		default:
			return events
		}
	}
}

func TestMeterRateAndRemaining(t *testing.T) {
	assert := assert.New(t)
	clock := &fakeClock{now: t0}
	m := NewMeterWithNow(clock.Now, DefaultSampleWindow)
	m.Start(2000)

	clock.Advance(time.Second)
	m.Add(1000)

	rate := m.Rate()
	assert.InDelta(1000.0, rate.BytesPerSecond, 1)
	assert.InDelta(float64(time.Second), float64(rate.Remaining), float64(10*time.Millisecond))

	clock.Advance(time.Second)
	m.Add(1000)
	assert.Equal(time.Duration(0), m.Rate().Remaining)
}

func TestMeterSmoothing(t *testing.T) {
	assert := assert.New(t)
	clock := &fakeClock{now: t0}
	m := NewMeterWithNow(clock.Now, DefaultSampleWindow)
	m.Start(10000)

	clock.Advance(time.Second)
	m.Add(1000)
	clock.Advance(time.Second)
	m.Add(3000)

	// 0.2*3000 + 0.8*1000
	assert.InDelta(1400.0, m.Rate().BytesPerSecond, 1)
}

// chunks arriving within one window are folded into a single sample
func TestMeterSamplesOncePerWindow(t *testing.T) {
	assert := assert.New(t)
	clock := &fakeClock{now: t0}
	m := NewMeterWithNow(clock.Now, 250*time.Millisecond)
	m.Start(10000)

	for i := 0; i < 4; i++ {
		clock.Advance(50 * time.Millisecond)
		m.Add(100)
		assert.Equal(0.0, m.Rate().BytesPerSecond)
	}
	clock.Advance(50 * time.Millisecond)
	m.Add(100)
	assert.InDelta(2000.0, m.Rate().BytesPerSecond, 1)
}

func TestMeterNoRate(t *testing.T) {
	assert := assert.New(t)
	m := NewMeterWithNow(func() time.Time { return t0 }, DefaultSampleWindow)
	m.Start(1000)
	m.Add(500)
	rate := m.Rate()
	assert.Equal(0.0, rate.BytesPerSecond)
	assert.Equal(time.Duration(0), rate.Remaining)
}

func TestPercent(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(50.0, Percent(5, 10))
	assert.Equal(100.0, Percent(0, 0))
	assert.Equal(100.0, Percent(20, 10))
	assert.Equal(0.0, Percent(-1, 10))
}

func TestStageTerminal(t *testing.T) {
	assert := assert.New(t)
	assert.True(StageSuccess.Terminal())
	assert.True(StageError.Terminal())
	assert.True(StageStopped.Terminal())
	assert.False(StageCopying.Terminal())
	assert.False(StageVerifying.Terminal())
}

func TestBusRateLimitsProgress(t *testing.T) {
	assert := assert.New(t)
	clock := &fakeClock{now: t0}
	bus := NewBusWithNow(4, 16, clock.Now)
	sub := bus.Subscribe()

	assert.True(bus.PublishProgress(snapshot(StageCopying, 1), false))
	clock.Advance(100 * time.Millisecond)
	assert.False(bus.PublishProgress(snapshot(StageCopying, 2), false))
	clock.Advance(100 * time.Millisecond)
	assert.False(bus.PublishProgress(snapshot(StageCopying, 3), false))
	clock.Advance(100 * time.Millisecond)
	assert.True(bus.PublishProgress(snapshot(StageCopying, 4), false))

	events := drain(sub)
	assert.Len(events, 2)
	assert.Equal(int64(1), events[0].Data.(Snapshot).TotalTransferred)
	assert.Equal(int64(4), events[1].Data.(Snapshot).TotalTransferred)

	// the coalesced snapshots still update the latest one
	clock.Advance(10 * time.Millisecond)
	bus.PublishProgress(snapshot(StageCopying, 5), false)
	latest, found := bus.Latest()
	assert.True(found)
	assert.Equal(int64(5), latest.TotalTransferred)
}

func TestBusForcedProgressBypassesLimit(t *testing.T) {
	assert := assert.New(t)
	clock := &fakeClock{now: t0}
	bus := NewBusWithNow(1, 16, clock.Now)
	sub := bus.Subscribe()

	bus.PublishProgress(snapshot(StageCopying, 1), false)
	assert.True(bus.PublishProgress(snapshot(StageVerifying, 1000), true))
	assert.True(bus.PublishProgress(snapshot(StageSuccess, 1000), true))

	events := drain(sub)
	assert.Len(events, 3)
	assert.Equal(StageSuccess, events[2].Data.(Snapshot).Stage)
}

func TestBusDoesNotLimitOtherEvents(t *testing.T) {
	assert := assert.New(t)
	bus := NewBusWithNow(1, 16, func() time.Time { return t0 })
	sub := bus.Subscribe()
	for i := 0; i < 5; i++ {
		bus.Publish(StatusEvent("hello", LevelInfo))
	}
	assert.Len(drain(sub), 5)
}

func TestBusDropsOldestForSlowSubscriber(t *testing.T) {
	assert := assert.New(t)
	bus := NewBus(0, 4)
	slow := bus.Subscribe()
	fast := bus.Subscribe()

	received := make([]Event, 0)
	for i := 0; i < 10; i++ {
		bus.PublishProgress(snapshot(StageCopying, int64(i)), false)
		received = append(received, drain(fast)...)
	}
	assert.Len(received, 10)
	assert.Equal(uint64(0), fast.Dropped())

	events := drain(slow)
	assert.Len(events, 4)
	assert.Equal(uint64(6), slow.Dropped())
	for i, event := range events {
		assert.Equal(int64(6+i), event.Data.(Snapshot).TotalTransferred)
	}
}

func TestBusUnsubscribeAndClose(t *testing.T) {
	assert := assert.New(t)
	bus := NewBus(0, 4)
	a := bus.Subscribe()
	b := bus.Subscribe()
	assert.Equal(2, bus.Subscribers())

	bus.Unsubscribe(a)
	_, open := <-a.Events()
	assert.False(open)
	bus.Unsubscribe(a) // no-op
	assert.Equal(1, bus.Subscribers())

	bus.Close()
	_, open = <-b.Events()
	assert.False(open)
	bus.Publish(StatusEvent("ignored", LevelInfo))
	bus.Close()

	c := bus.Subscribe()
	_, open = <-c.Events()
	assert.False(open)
}

func TestBusConcurrentPublishers(t *testing.T) {
	assert := assert.New(t)
	bus := NewBus(0, 8)
	sub := bus.Subscribe()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(StatusEvent("tick", LevelInfo))
			}
		}()
	}
	wg.Wait()
	events := drain(sub)
	assert.Equal(uint64(800), uint64(len(events))+sub.Dropped())
}

func TestEventEnvelopeJSON(t *testing.T) {
	assert := assert.New(t)
	event := StoppedEvent(StoppedData{
		FilesTransferred:      2,
		FilesNotTransferred:   3,
		TemporaryFilesRemoved: 1,
	})
	data, err := json.Marshal(event)
	assert.Nil(err)
	var decoded map[string]any
	assert.Nil(json.Unmarshal(data, &decoded))
	assert.Equal("stopped", decoded["type"])
	assert.Contains(decoded, "timestamp")
	payload := decoded["data"].(map[string]any)
	assert.Equal(2.0, payload["files_transferred"])
	assert.Equal(3.0, payload["files_not_transferred"])
	assert.Equal(1.0, payload["temporary_files_removed"])

	data, err = json.Marshal(ProgressEvent(Idle("idle")))
	assert.Nil(err)
	assert.Nil(json.Unmarshal(data, &decoded))
	snap := decoded["data"].(map[string]any)
	assert.Equal(1.0, snap["version"])
	assert.Equal("READY", snap["stage"])
}
