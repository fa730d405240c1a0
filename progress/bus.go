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
	"sync"
	"sync/atomic"
	"time"
)

// default capacity of each subscriber's queue
const DefaultQueueSize = 64

// A Bus fans events out to any number of subscribers. Publishing never
// blocks: each subscriber has a bounded queue, and when a queue is full its
// oldest event is discarded to make room for the newest. Progress snapshots
// are rate limited; other events are always delivered.
type Bus struct {
	mu          sync.Mutex
	subscribers map[*Subscription]struct{}
	queueSize   int
	closed      bool

	// minimum spacing of rate-limited snapshots, and the time (UnixNano) the
	// last one was delivered
	interval     time.Duration
	lastProgress atomic.Int64
	now          func() time.Time

	latest atomic.Pointer[Snapshot]
}

// A Subscription receives the events published on a Bus.
type Subscription struct {
	events  chan Event
	dropped atomic.Uint64
}

// returns the channel on which the subscription's events arrive; it is
// closed when the subscription ends
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// returns the number of events discarded because the subscriber fell behind
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// creates a bus that delivers at most maxPerSecond rate-limited snapshots
// per second (no limit if maxPerSecond <= 0), queueing up to queueSize events
// per subscriber
func NewBus(maxPerSecond float64, queueSize int) *Bus {
	return NewBusWithNow(maxPerSecond, queueSize, time.Now)
}

// creates a bus that reads the time from now
func NewBusWithNow(maxPerSecond float64, queueSize int, now func() time.Time) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if now == nil {
		now = time.Now
	}
	b := &Bus{
		subscribers: make(map[*Subscription]struct{}),
		queueSize:   queueSize,
		now:         now,
	}
	if maxPerSecond > 0 {
		b.interval = time.Duration(float64(time.Second) / maxPerSecond)
	}
	return b
}

// registers a new subscriber. Subscribing to a closed bus returns a
// subscription whose channel is already closed.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{events: make(chan Event, b.queueSize)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.events)
		return sub
	}
	b.subscribers[sub] = struct{}{}
	return sub
}

// removes the given subscriber and closes its channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, found := b.subscribers[sub]; found {
		delete(b.subscribers, sub)
		close(sub.events)
	}
}

// returns the number of current subscribers
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// delivers the given event to all subscribers
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subscribers {
		sub.offer(event)
	}
}

// publishes a progress event for the given snapshot unless one was delivered
// less than the bus's interval ago. If force is true the snapshot is
// delivered regardless. Returns true if the snapshot was delivered.
func (b *Bus) PublishProgress(snapshot Snapshot, force bool) bool {
	b.latest.Store(&snapshot)
	if !force && !b.shouldDeliver() {
		return false
	}
	b.lastProgress.Store(b.now().UnixNano())
	b.Publish(ProgressEvent(snapshot))
	return true
}

// returns the most recently published snapshot, delivered or not
func (b *Bus) Latest() (Snapshot, bool) {
	if snapshot := b.latest.Load(); snapshot != nil {
		return *snapshot, true
	}
	return Snapshot{}, false
}

// closes all subscriptions; later publications are discarded
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		close(sub.events)
	}
	clear(b.subscribers)
}

func (b *Bus) shouldDeliver() bool {
	if b.interval <= 0 {
		return true
	}
	now := b.now().UnixNano()
	prev := b.lastProgress.Load()
	if prev != 0 && now-prev < int64(b.interval) {
		return false
	}
	return b.lastProgress.CompareAndSwap(prev, now)
}

// enqueues an event without blocking, discarding the oldest queued event if
// the queue is full
func (s *Subscription) offer(event Event) {
	for {
		select {
		case s.events <- event:
			return
		default:
		}
		select {
		case <-s.events:
			s.dropped.Add(1)
		default:
		}
	}
}
