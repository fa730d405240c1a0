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

package devices

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// number of consecutive polls in which a volume must be present before its
// arrival is reported
const ArrivalPolls = 2

// capacity of the event queue
const eventQueueSize = 16

// A Monitor polls an Enumerator on a fixed interval and reports debounced
// device arrivals and immediate device removals on its event channel.
type Monitor struct {
	enumerator Enumerator
	interval   time.Duration
	events     chan Event

	mu       sync.Mutex
	seen     map[string]int    // polls in which an unreported volume was present
	reported map[string]Device // volumes whose arrival has been reported
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// creates a monitor that polls the given enumerator at the given interval
func NewMonitor(enumerator Enumerator, interval time.Duration) *Monitor {
	return &Monitor{
		enumerator: enumerator,
		interval:   interval,
		events:     make(chan Event, eventQueueSize),
		seen:       make(map[string]int),
		reported:   make(map[string]Device),
	}
}

// returns the channel on which events are delivered. The channel is closed
// when the monitor stops.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// begins polling in a separate goroutine; polling continues until Stop is
// called or the context is canceled
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return &AlreadyStartedError{}
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)
	slog.Info(fmt.Sprintf("Watching for removable devices every %s", m.interval))
	return nil
}

// stops polling, waits for the polling goroutine to exit, and closes the
// event channel
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started || m.cancel == nil {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	<-done
}

// returns the devices whose arrival has been reported and which have not
// since been removed, sorted by mount path
func (m *Monitor) Devices() []Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	devices := make([]Device, 0, len(m.reported))
	for _, device := range m.reported {
		devices = append(devices, device)
	}
	slices.SortFunc(devices, func(a, b Device) int {
		return strings.Compare(a.MountPath, b.MountPath)
	})
	return devices
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	defer close(m.events)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		for _, event := range m.poll(time.Now()) {
			select {
			case m.events <- event:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// enumerates mounted volumes once and returns the resulting events. An
// enumeration failure is logged and treated as "no change".
func (m *Monitor) poll(now time.Time) []Event {
	current, err := m.enumerator.Enumerate()
	if err != nil {
		slog.Warn(fmt.Sprintf("Couldn't enumerate devices: %s", err.Error()))
		return nil
	}
	present := make(map[string]Device, len(current))
	for _, device := range current {
		present[device.MountPath] = device
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	events := make([]Event, 0)

	// removals are reported on the first poll in which a device is absent
	for path, device := range m.reported {
		if _, found := present[path]; !found {
			delete(m.reported, path)
			delete(m.seen, path)
			events = append(events, Event{Kind: Removed, Device: device, Time: now})
			slog.Info(fmt.Sprintf("Device removed: %s", device))
		}
	}
	for path := range m.seen {
		if _, found := present[path]; !found {
			delete(m.seen, path) // flapped away before it was reported
		}
	}

	// arrivals must persist across ArrivalPolls consecutive polls
	for path, device := range present {
		if _, found := m.reported[path]; found {
			m.reported[path] = device // refresh the space snapshot
			continue
		}
		m.seen[path]++
		if m.seen[path] >= ArrivalPolls {
			delete(m.seen, path)
			m.reported[path] = device
			events = append(events, Event{Kind: Arrived, Device: device, Time: now})
			slog.Info(fmt.Sprintf("Device arrived: %s", device))
		}
	}

	// deliver in a stable order: removals first, then by mount path
	slices.SortStableFunc(events, func(a, b Event) int {
		if a.Kind != b.Kind {
			return int(b.Kind) - int(a.Kind)
		}
		return strings.Compare(a.Device.MountPath, b.Device.MountPath)
	})
	return events
}
