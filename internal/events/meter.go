package events

import "time"

// Meter tracks bytes received during a run and paces progress emission.
// Speed is the cumulative average since the meter started, not an
// instantaneous rate.
type Meter struct {
	interval time.Duration
	now      func() time.Time
	start    time.Time
	lastEmit time.Time
	received uint64
}

// NewMeter starts a meter that allows one emission per interval.
func NewMeter(interval time.Duration) *Meter {
	return newMeter(interval, time.Now)
}

func newMeter(interval time.Duration, now func() time.Time) *Meter {
	t := now()
	return &Meter{interval: interval, now: now, start: t, lastEmit: t}
}

// Add records n received bytes.
func (m *Meter) Add(n int) {
	m.received += uint64(n)
}

// Received returns the bytes received since the meter started.
func (m *Meter) Received() uint64 {
	return m.received
}

// Speed returns received bytes per second since the meter started.
func (m *Meter) Speed() float64 {
	elapsed := m.now().Sub(m.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.received) / elapsed
}

// Due reports whether at least one interval passed since the last emission,
// and if so marks now as the last emission.
func (m *Meter) Due() bool {
	t := m.now()
	if t.Sub(m.lastEmit) < m.interval {
		return false
	}
	m.lastEmit = t
	return true
}
