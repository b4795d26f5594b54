package detector

import (
	"testing"
	"time"

	"github.com/Prashant7197/Work-Eye-Tracker/internal/types"
)

var testConfig = Config{
	ClosedThreshold: 0.2,
	OpenThreshold:   0.6,
	MinClosedFrames: 2,
}

// feed runs a sequence of openness values through the detector and
// collects emitted events. A negative value stands for a face-not-found gap.
func feed(t *testing.T, d *Detector, values []float64) []types.BlinkEvent {
	t.Helper()

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	var events []types.BlinkEvent
	for i, v := range values {
		sample := types.EyeSample{
			Seq:           uint64(i),
			Timestamp:     base.Add(time.Duration(i) * 33 * time.Millisecond),
			FaceFound:     v >= 0,
			LeftTracked:   v >= 0,
			RightTracked:  v >= 0,
			LeftOpenness:  v,
			RightOpenness: v,
		}
		if ev := d.Observe(sample); ev != nil {
			events = append(events, *ev)
		}
	}
	return events
}

func TestShortDipEmitsNothing(t *testing.T) {
	// Below min_closed_frames for a single frame, then recovery: noise.
	cases := map[string][]float64{
		"one closed frame":    {0.9, 0.9, 0.05, 0.9, 0.9},
		"flicker around band": {0.9, 0.05, 0.9, 0.05, 0.9, 0.05, 0.9},
	}

	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			d := New(testConfig)
			events := feed(t, d, values)
			if len(events) != 0 {
				t.Fatalf("expected no events, got %d", len(events))
			}
			if d.Stats().DiscardedClosures == 0 {
				t.Errorf("expected discarded closures to be counted")
			}
		})
	}
}

func TestCleanBlinkEmitsExactlyOne(t *testing.T) {
	d := New(testConfig)
	events := feed(t, d, []float64{0.9, 0.9, 0.05, 0.05, 0.05, 0.9})

	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(events))
	}
	if events[0].DurationFrames != 3 {
		t.Errorf("duration_frames = %d, want 3", events[0].DurationFrames)
	}
	if events[0].EventID != 1 {
		t.Errorf("event_id = %d, want 1", events[0].EventID)
	}
}

func TestDurationMatchesClosedFrameCount(t *testing.T) {
	for _, closed := range []int{2, 3, 5, 10} {
		d := New(testConfig)

		values := []float64{0.9}
		for i := 0; i < closed; i++ {
			values = append(values, 0.05)
		}
		values = append(values, 0.9)

		events := feed(t, d, values)
		if len(events) != 1 {
			t.Fatalf("closed=%d: expected 1 event, got %d", closed, len(events))
		}
		if events[0].DurationFrames != closed {
			t.Errorf("closed=%d: duration_frames = %d", closed, events[0].DurationFrames)
		}
	}
}

func TestGapMidClosureDiscards(t *testing.T) {
	t.Run("gap while closing", func(t *testing.T) {
		d := New(testConfig)
		events := feed(t, d, []float64{0.9, 0.05, -1, 0.9, 0.9})
		if len(events) != 0 {
			t.Fatalf("expected no events across a gap, got %d", len(events))
		}
	})

	t.Run("gap after confirmation", func(t *testing.T) {
		d := New(testConfig)
		events := feed(t, d, []float64{0.9, 0.05, 0.05, 0.05, -1, 0.9})
		if len(events) != 0 {
			t.Fatalf("expected no events across a gap, got %d", len(events))
		}
	})

	t.Run("detector stable after gap", func(t *testing.T) {
		d := New(testConfig)
		feed(t, d, []float64{0.9, 0.05, -1, -1, -1})
		// A clean blink after the gap must still be detected.
		events := feed(t, d, []float64{0.9, 0.05, 0.05, 0.9})
		if len(events) != 1 {
			t.Fatalf("expected 1 event after recovery, got %d", len(events))
		}
	})
}

func TestExtendedFaceLossStaysQuiet(t *testing.T) {
	d := New(testConfig)
	values := make([]float64, 200)
	for i := range values {
		values[i] = -1
	}
	events := feed(t, d, values)
	if len(events) != 0 {
		t.Fatalf("expected no events during face loss, got %d", len(events))
	}
	if got := d.Stats().Gaps; got != 200 {
		t.Errorf("gap count = %d, want 200", got)
	}
}

func TestHysteresisBandHoldsState(t *testing.T) {
	// Values between the thresholds neither advance nor abort a closure.
	d := New(testConfig)
	events := feed(t, d, []float64{0.9, 0.05, 0.4, 0.4, 0.05, 0.9})

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	// Only the two sub-threshold frames count toward duration.
	if events[0].DurationFrames != 2 {
		t.Errorf("duration_frames = %d, want 2", events[0].DurationFrames)
	}
}

func TestSingleEyeTracking(t *testing.T) {
	d := New(testConfig)
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	// Right eye occluded the whole time; left eye blinks.
	left := []float64{0.9, 0.05, 0.05, 0.9}
	var events int
	for i, v := range left {
		sample := types.EyeSample{
			Seq:          uint64(i),
			Timestamp:    base.Add(time.Duration(i) * 33 * time.Millisecond),
			FaceFound:    true,
			LeftTracked:  true,
			LeftOpenness: v,
		}
		if ev := d.Observe(sample); ev != nil {
			events++
		}
	}
	if events != 1 {
		t.Fatalf("expected 1 event from single-eye tracking, got %d", events)
	}
}

func TestEventIDsMonotonic(t *testing.T) {
	d := New(testConfig)
	blink := []float64{0.9, 0.05, 0.05, 0.9}

	var values []float64
	for i := 0; i < 5; i++ {
		values = append(values, blink...)
	}

	events := feed(t, d, values)
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.EventID != uint64(i+1) {
			t.Errorf("event %d has id %d, want %d", i, ev.EventID, i+1)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", Config{0.2, 0.6, 2}, true},
		{"inverted thresholds", Config{0.6, 0.2, 2}, false},
		{"equal thresholds", Config{0.4, 0.4, 2}, false},
		{"zero closed", Config{0, 0.6, 2}, false},
		{"zero frames", Config{0.2, 0.6, 0}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Errorf("expected error, got nil")
			}
		})
	}
}
