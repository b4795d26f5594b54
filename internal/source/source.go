// Package source defines the frame geometry contract: something that
// produces per-tick eye openness samples. The daemon ships with a
// deterministic simulator; a camera-backed detector is a drop-in
// replacement behind the same interface.
package source

import (
	"context"

	"github.com/Prashant7197/Work-Eye-Tracker/internal/types"
)

// Stats contains source counters for the health surface.
type Stats struct {
	SamplesEmitted uint64
	GapsEmitted    uint64
	SampleRateHz   int
	IsRunning      bool
}

// Source supplies eye geometry samples at a fixed cadence. A source may
// legitimately report face_found=false for extended periods; consumers
// must stay stable across such gaps.
type Source interface {
	// Start begins emitting samples. Non-blocking.
	Start(ctx context.Context) error
	// Samples returns the sample channel, closed on Stop.
	Samples() <-chan types.EyeSample
	// Stop halts emission and closes the channel. Idempotent.
	Stop() error
	// Stats returns a snapshot of source counters.
	Stats() Stats
}
