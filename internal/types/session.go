package types

import (
	"encoding/json"
	"time"
)

// BlinkEvent is a single debounced blink, immutable once emitted.
// DurationFrames counts the frames the eyes spent below the closed threshold.
type BlinkEvent struct {
	EventID        uint64    `json:"event_id" msgpack:"event_id"`
	Timestamp      time.Time `json:"timestamp" msgpack:"timestamp"`
	DurationFrames int       `json:"duration_frames" msgpack:"duration_frames"`
}

// Session is one monitoring run for a user. Blinks are ordered strictly
// by timestamp; EndTime is zero while the session is active.
type Session struct {
	ID        string       `json:"session_id" msgpack:"session_id"`
	UserID    string       `json:"user_id" msgpack:"user_id"`
	StartTime time.Time    `json:"start_time" msgpack:"start_time"`
	EndTime   time.Time    `json:"end_time,omitempty" msgpack:"end_time"`
	Blinks    []BlinkEvent `json:"blink_events" msgpack:"blink_events"`
	Active    bool         `json:"is_active" msgpack:"is_active"`
}

// StrainLevel classifies eye strain from the session blink rate.
type StrainLevel string

const (
	StrainUnknown  StrainLevel = "unknown" // warm-up window not yet elapsed
	StrainNormal   StrainLevel = "normal"
	StrainModerate StrainLevel = "moderate"
	StrainHigh     StrainLevel = "high"
)

// WellnessSnapshot is a derived view over a session, recomputed on demand.
type WellnessSnapshot struct {
	SessionID       string      `json:"session_id" msgpack:"session_id"`
	UserID          string      `json:"user_id" msgpack:"user_id"`
	Timestamp       time.Time   `json:"timestamp" msgpack:"timestamp"`
	BlinksTotal     int         `json:"blinks_total" msgpack:"blinks_total"`
	ElapsedSeconds  float64     `json:"elapsed_seconds" msgpack:"elapsed_seconds"`
	BlinksPerMinute float64     `json:"blinks_per_minute" msgpack:"blinks_per_minute"`
	Strain          StrainLevel `json:"strain_level" msgpack:"strain_level"`
}

// ToJSON serializes the snapshot for the control plane and health surface.
func (w WellnessSnapshot) ToJSON() ([]byte, error) {
	return json.Marshal(w)
}
