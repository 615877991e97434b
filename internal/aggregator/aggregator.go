// Package aggregator folds per-tick readings into averaged records, emitted
// on a time interval or when the primary metric moves far enough.
package aggregator

import (
	"math"
	"sync"
	"time"

	"pm25-station/internal/telemetry"
)

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

type Config struct {
	DeviceID string
	// Interval is the longest a sensor may go without an emission once it
	// has samples.
	Interval time.Duration
	// Delta is the change in the primary metric's mean that forces an emission.
	Delta float64
	// Primary maps a sensor to its primary field; others use DefaultPrimary.
	Primary        map[string]string
	DefaultPrimary string
	Location       *time.Location
}

type state struct {
	sums        map[string]float64
	count       int
	min, max    float64
	windowStart time.Time

	hasBaseline bool
	lastValue   float64
	lastEmitAt  time.Time
}

func (s *state) reset() {
	s.sums = nil
	s.count = 0
	s.min, s.max = 0, 0
	s.windowStart = time.Time{}
}

type Aggregator struct {
	cfg   Config
	clock Clock

	mu     sync.Mutex
	states map[string]*state
}

func New(cfg Config, clock Clock) *Aggregator {
	if clock == nil {
		clock = SystemClock{}
	}
	if cfg.DefaultPrimary == "" {
		cfg.DefaultPrimary = telemetry.FieldPM25
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Aggregator{cfg: cfg, clock: clock, states: make(map[string]*state)}
}

func (a *Aggregator) primary(sensor string) string {
	if f, ok := a.cfg.Primary[sensor]; ok && f != "" {
		return f
	}
	return a.cfg.DefaultPrimary
}

// Add folds one sample. Samples with any unavailable field, or without the
// primary field, are ignored.
func (a *Aggregator) Add(sensor string, values telemetry.Values) {
	if len(values) == 0 || values.HasUnavailable() {
		return
	}
	p, ok := values[a.primary(sensor)]
	if !ok {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.states[sensor]
	if st == nil {
		st = &state{}
		a.states[sensor] = st
	}
	if st.count == 0 {
		st.sums = make(map[string]float64, len(values))
		st.min, st.max = p, p
		st.windowStart = a.clock.Now()
	}
	for k, v := range values {
		st.sums[k] += v
	}
	st.count++
	st.min = math.Min(st.min, p)
	st.max = math.Max(st.max, p)
}

// ShouldEmit reports whether the interval has elapsed since the last emission
// (or the first sample, before any emission), or whether the running mean
// of the primary field has moved at least Delta from the last emitted value.
func (a *Aggregator) ShouldEmit(sensor string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.states[sensor]
	if st == nil || st.count == 0 {
		return false
	}

	ref := st.lastEmitAt
	if ref.IsZero() {
		ref = st.windowStart
	}
	if a.cfg.Interval > 0 && a.clock.Now().Sub(ref) >= a.cfg.Interval {
		return true
	}

	if st.hasBaseline && a.cfg.Delta > 0 {
		mean := st.sums[a.primary(sensor)] / float64(st.count)
		if math.Abs(mean-st.lastValue) >= a.cfg.Delta {
			return true
		}
	}
	return false
}

// Emit returns the averaged record and resets the sensor's window. It
// returns false when nothing was folded since the last emission.
func (a *Aggregator) Emit(sensor string) (telemetry.Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.states[sensor]
	if st == nil || st.count == 0 {
		return telemetry.Record{}, false
	}

	n := float64(st.count)
	values := make(telemetry.Values, len(st.sums))
	for k, sum := range st.sums {
		values[k] = sum / n
	}
	field := a.primary(sensor)
	now := a.clock.Now()

	rec := telemetry.Record{
		DeviceID:  a.cfg.DeviceID,
		Sensor:    sensor,
		Timestamp: now.In(a.cfg.Location).Truncate(time.Second),
		Values:    values,
		Aggregate: &telemetry.AggregateMeta{
			Count: st.count,
			Field: field,
			Min:   st.min,
			Max:   st.max,
		},
	}

	st.hasBaseline = true
	st.lastValue = values[field]
	st.lastEmitAt = now
	st.reset()
	return rec, true
}

// Count returns the number of samples folded for sensor since the last emission.
func (a *Aggregator) Count(sensor string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st := a.states[sensor]; st != nil {
		return st.count
	}
	return 0
}
