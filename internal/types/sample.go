package types

import "time"

// EyeSample is a single observation from the frame geometry source.
// Openness scores are normalized to [0,1] where 1.0 is a fully open eye.
// A sample with FaceFound=false carries no usable geometry.
type EyeSample struct {
	Seq           uint64    `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
	FaceFound     bool      `json:"face_found"`
	LeftTracked   bool      `json:"left_tracked"`
	RightTracked  bool      `json:"right_tracked"`
	LeftOpenness  float64   `json:"left_openness"`
	RightOpenness float64   `json:"right_openness"`
}

// Openness combines the per-eye scores into a single value.
// Both eyes tracked: mean of both. One eye tracked: that eye alone.
// Returns false when the sample carries no usable geometry.
func (s EyeSample) Openness() (float64, bool) {
	if !s.FaceFound {
		return 0, false
	}
	switch {
	case s.LeftTracked && s.RightTracked:
		return (s.LeftOpenness + s.RightOpenness) / 2, true
	case s.LeftTracked:
		return s.LeftOpenness, true
	case s.RightTracked:
		return s.RightOpenness, true
	}
	return 0, false
}

// Gap builds a missing-data sample for the given instant. The sampler
// injects these when a tick overruns so skips stay observable downstream.
func Gap(seq uint64, ts time.Time) EyeSample {
	return EyeSample{Seq: seq, Timestamp: ts, FaceFound: false}
}
