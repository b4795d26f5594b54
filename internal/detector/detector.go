// Package detector turns the noisy per-frame openness stream into
// debounced blink events.
//
// Raw per-frame eye openness flickers around any single boundary value, so
// naive thresholding both double-counts blinks and misses real ones. The
// detector uses two thresholds (hysteresis) plus a minimum closed-frame
// count (debounce) and emits exactly one event per real blink, at the
// moment of reopening.
package detector

import (
	"fmt"

	"github.com/Prashant7197/Work-Eye-Tracker/internal/types"
)

// Config holds the detection thresholds. OpenThreshold must be strictly
// greater than ClosedThreshold to create the hysteresis band.
type Config struct {
	ClosedThreshold float64 // openness below this counts as closed
	OpenThreshold   float64 // openness above this counts as open again
	MinClosedFrames int     // consecutive closed frames required for a real blink
}

// Validate checks threshold ordering and ranges.
func (c Config) Validate() error {
	if c.ClosedThreshold <= 0 || c.ClosedThreshold >= 1 {
		return fmt.Errorf("closed_threshold must be in (0,1), got %v", c.ClosedThreshold)
	}
	if c.OpenThreshold <= c.ClosedThreshold || c.OpenThreshold > 1 {
		return fmt.Errorf("open_threshold must be in (closed_threshold,1], got %v", c.OpenThreshold)
	}
	if c.MinClosedFrames < 1 {
		return fmt.Errorf("min_closed_frames must be >= 1, got %d", c.MinClosedFrames)
	}
	return nil
}

type state int

const (
	stateOpen state = iota
	stateClosing
	stateClosedConfirmed
)

// Stats contains detector counters for the health surface.
type Stats struct {
	Samples           uint64
	Gaps              uint64 // face-not-found or untracked-eyes samples
	Blinks            uint64
	DiscardedClosures uint64 // closures abandoned as noise or cut by a gap
}

// Detector is the per-user blink state machine. Not safe for concurrent
// use; the sampler owns one detector per pipeline and calls it from a
// single goroutine.
type Detector struct {
	cfg          Config
	state        state
	closedFrames int
	nextEventID  uint64
	stats        Stats
}

// New creates a detector. The config must already be validated.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg, state: stateOpen, nextEventID: 1}
}

// Observe consumes one sample and returns a blink event when a debounced
// blink completes, nil otherwise.
//
// A missing-data sample (no face, or no tracked eye) discards any closure
// in progress and returns the machine to Open without emitting: a gap mid
// closure must never produce a spurious blink.
func (d *Detector) Observe(sample types.EyeSample) *types.BlinkEvent {
	d.stats.Samples++

	openness, ok := sample.Openness()
	if !ok {
		d.stats.Gaps++
		if d.state != stateOpen {
			d.stats.DiscardedClosures++
			d.reset()
		}
		return nil
	}

	switch d.state {
	case stateOpen:
		if openness < d.cfg.ClosedThreshold {
			d.state = stateClosing
			d.closedFrames = 1
			d.maybeConfirm()
		}

	case stateClosing:
		switch {
		case openness < d.cfg.ClosedThreshold:
			d.closedFrames++
			d.maybeConfirm()
		case openness > d.cfg.OpenThreshold:
			// Reopened before the debounce count: sensor noise, not a blink.
			d.stats.DiscardedClosures++
			d.reset()
		}
		// Inside the hysteresis band: hold state, no counting.

	case stateClosedConfirmed:
		switch {
		case openness < d.cfg.ClosedThreshold:
			d.closedFrames++
		case openness > d.cfg.OpenThreshold:
			return d.emit(sample)
		}
	}

	return nil
}

// Stats returns a copy of the detector counters.
func (d *Detector) Stats() Stats {
	return d.stats
}

func (d *Detector) maybeConfirm() {
	if d.closedFrames >= d.cfg.MinClosedFrames {
		d.state = stateClosedConfirmed
	}
}

func (d *Detector) emit(sample types.EyeSample) *types.BlinkEvent {
	ev := &types.BlinkEvent{
		EventID:        d.nextEventID,
		Timestamp:      sample.Timestamp,
		DurationFrames: d.closedFrames,
	}
	d.nextEventID++
	d.stats.Blinks++
	d.reset()
	return ev
}

func (d *Detector) reset() {
	d.state = stateOpen
	d.closedFrames = 0
}
