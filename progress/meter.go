package progress

import (
	"sync"
	"time"
)

// default spacing of throughput samples
const DefaultSampleWindow = 250 * time.Millisecond

// A Meter estimates the throughput of a transfer and the time it has left.
// Throughput is sampled at most once per window and the samples are blended
// into an exponentially weighted average, so bursts of tiny chunks do not
// swing the estimate.
type Meter struct {
	mu     sync.Mutex
	now    func() time.Time
	window time.Duration
	weight float64

	total, done int64
	// start of the current sample and the bytes done when it began
	sampleStart time.Time
	sampleBase  int64
	rate        float64
}

// A Rate is a meter's current estimate.
type Rate struct {
	BytesPerSecond float64
	// zero until a rate is known or once the transfer is complete
	Remaining      time.Duration
}

func NewMeter() *Meter {
	return NewMeterWithNow(time.Now, DefaultSampleWindow)
}

// returns a meter that reads the time from now and samples throughput at
// most once per window
func NewMeterWithNow(now func() time.Time, window time.Duration) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{now: now, window: window, weight: 0.2}
}

// begins metering a transfer of the given number of bytes
func (m *Meter) Start(totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total, m.done = totalBytes, 0
	m.sampleStart, m.sampleBase = m.now(), 0
	m.rate = 0
}

// records n more bytes done
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done += int64(n)
	now := m.now()
	span := now.Sub(m.sampleStart)
	if span < m.window || span <= 0 {
		return
	}
	sample := float64(m.done-m.sampleBase) / span.Seconds()
	if m.rate == 0 {
		m.rate = sample
	} else {
		m.rate += m.weight * (sample - m.rate)
	}
	m.sampleStart, m.sampleBase = now, m.done
}

// returns the current estimate
func (m *Meter) Rate() Rate {
	m.mu.Lock()
	defer m.mu.Unlock()
	rate := Rate{BytesPerSecond: m.rate}
	if left := m.total - m.done; m.rate > 0 && left > 0 {
		rate.Remaining = time.Duration(float64(left) / m.rate * float64(time.Second))
	}
	return rate
}
