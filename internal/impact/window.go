package impact

import (
	"errors"
	"time"
)

var (
	// ErrInvalidWindowDuration is returned for non-positive durations.
	ErrInvalidWindowDuration = errors.New("impact: window duration must be positive")

	// ErrInvalidWindowCount is returned for non-positive window counts.
	ErrInvalidWindowCount = errors.New("impact: window count must be positive")
)

// WindowSettings defines how open-interest flow is bucketed over time.
// A window id is derived from wall-clock time; only the most recent Count
// windows are active. Old windows are ignored, not physically removed.
type WindowSettings struct {
	Start    time.Time     // epoch the window ids are derived from
	Duration time.Duration // width of one window
	Count    int           // number of active windows
}

// Validate checks the settings at the boundary.
func (s WindowSettings) Validate() error {
	if s.Duration <= 0 {
		return ErrInvalidWindowDuration
	}
	if s.Count <= 0 {
		return ErrInvalidWindowCount
	}
	return nil
}

// WindowID returns the bucket index for the given instant:
// floor((now − start) / duration).
func (s WindowSettings) WindowID(now time.Time) int64 {
	return int64(now.Sub(s.Start) / s.Duration)
}

// earliestActive returns the oldest window id still counted toward active
// open interest, given the current window id.
func (s WindowSettings) earliestActive(current int64) int64 {
	return current - int64(s.Count) + 1
}

// windowKey addresses one accumulator bucket. The duration dimension keeps
// buckets of a superseded duration distinct until migration clears them.
type windowKey struct {
	durationSec int64
	pair        string
	id          int64
}

func (s WindowSettings) key(pair string, id int64) windowKey {
	return windowKey{durationSec: int64(s.Duration / time.Second), pair: pair, id: id}
}
