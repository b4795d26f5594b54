// Package session maintains per-user monitoring sessions and derives
// wellness snapshots from the blink event stream.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Prashant7197/Work-Eye-Tracker/internal/types"
)

var (
	// ErrSessionAlreadyActive is returned when starting a session for a
	// user who already has one running.
	ErrSessionAlreadyActive = errors.New("session already active for user")

	// ErrNoActiveSession is returned by operations that need a running session.
	ErrNoActiveSession = errors.New("no active session for user")

	// ErrOutOfOrderEvent is returned when a blink event does not advance
	// the session's timestamp order.
	ErrOutOfOrderEvent = errors.New("blink event timestamp not increasing")
)

// minElapsed guards the rate division right after session start.
const minElapsed = 0.001

// Config holds aggregation parameters. Rates are blinks per minute.
type Config struct {
	Warmup          time.Duration // snapshot reports StrainUnknown before this elapses
	NormalMinRate   float64       // rate >= this is normal
	ModerateMinRate float64       // rate >= this (and below normal) is moderate
}

// Validate checks rate ordering and fills defaults.
func (c *Config) Validate() error {
	if c.Warmup < 0 {
		return fmt.Errorf("warmup must be >= 0, got %v", c.Warmup)
	}
	if c.NormalMinRate == 0 {
		c.NormalMinRate = 15
	}
	if c.ModerateMinRate == 0 {
		c.ModerateMinRate = 10
	}
	if c.ModerateMinRate >= c.NormalMinRate {
		return fmt.Errorf("moderate_min_rate (%v) must be below normal_min_rate (%v)",
			c.ModerateMinRate, c.NormalMinRate)
	}
	return nil
}

// Aggregator tracks at most one active session per user.
// Safe for concurrent use; the sampler and the control plane both call it.
type Aggregator struct {
	cfg Config

	mu     sync.Mutex
	active map[string]*types.Session
}

// New creates an aggregator with a validated config.
func New(cfg Config) *Aggregator {
	return &Aggregator{
		cfg:    cfg,
		active: make(map[string]*types.Session),
	}
}

// StartSession opens a new session for the user. Exactly one session per
// user may be active at a time.
func (a *Aggregator) StartSession(userID string, now time.Time) (*types.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.active[userID]; ok {
		return nil, fmt.Errorf("user %q: %w", userID, ErrSessionAlreadyActive)
	}

	s := &types.Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		StartTime: now,
		Active:    true,
	}
	a.active[userID] = s
	return s, nil
}

// RecordBlink appends a blink event to the user's active session.
// Events must arrive in strictly increasing timestamp order.
func (a *Aggregator) RecordBlink(userID string, ev types.BlinkEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.active[userID]
	if !ok {
		return fmt.Errorf("user %q: %w", userID, ErrNoActiveSession)
	}
	if n := len(s.Blinks); n > 0 && !ev.Timestamp.After(s.Blinks[n-1].Timestamp) {
		return fmt.Errorf("event %d at %v: %w", ev.EventID, ev.Timestamp, ErrOutOfOrderEvent)
	}

	s.Blinks = append(s.Blinks, ev)
	return nil
}

// Snapshot derives the current wellness view for the user's active session.
func (a *Aggregator) Snapshot(userID string, now time.Time) (types.WellnessSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.active[userID]
	if !ok {
		return types.WellnessSnapshot{}, fmt.Errorf("user %q: %w", userID, ErrNoActiveSession)
	}
	return a.snapshotLocked(s, now), nil
}

// StopSession closes the user's active session and returns it.
func (a *Aggregator) StopSession(userID string, now time.Time) (*types.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.active[userID]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", userID, ErrNoActiveSession)
	}
	delete(a.active, userID)

	if now.Before(s.StartTime) {
		now = s.StartTime
	}
	s.EndTime = now
	s.Active = false
	return s, nil
}

// HasActive reports whether the user currently has a running session.
func (a *Aggregator) HasActive(userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[userID]
	return ok
}

func (a *Aggregator) snapshotLocked(s *types.Session, now time.Time) types.WellnessSnapshot {
	elapsed := now.Sub(s.StartTime).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	rate := Rate(len(s.Blinks), elapsed)

	return types.WellnessSnapshot{
		SessionID:       s.ID,
		UserID:          s.UserID,
		Timestamp:       now,
		BlinksTotal:     len(s.Blinks),
		ElapsedSeconds:  elapsed,
		BlinksPerMinute: rate,
		Strain:          Classify(rate, elapsed, a.cfg),
	}
}

// Recompute derives a snapshot from a stored session alone, independent of
// aggregator state. At session close this yields exactly the live snapshot,
// which is what makes persisted rates reproducible.
func Recompute(s *types.Session, now time.Time, cfg Config) types.WellnessSnapshot {
	elapsed := now.Sub(s.StartTime).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	rate := Rate(len(s.Blinks), elapsed)

	return types.WellnessSnapshot{
		SessionID:       s.ID,
		UserID:          s.UserID,
		Timestamp:       now,
		BlinksTotal:     len(s.Blinks),
		ElapsedSeconds:  elapsed,
		BlinksPerMinute: rate,
		Strain:          Classify(rate, elapsed, cfg),
	}
}

// Rate computes blinks per minute over the whole session.
func Rate(blinks int, elapsedSeconds float64) float64 {
	if elapsedSeconds < minElapsed {
		elapsedSeconds = minElapsed
	}
	return float64(blinks) / elapsedSeconds * 60
}

// Classify maps a blink rate to a strain level. Before the warm-up window
// has elapsed the classification is StrainUnknown: early rates are noise.
func Classify(rate, elapsedSeconds float64, cfg Config) types.StrainLevel {
	if elapsedSeconds < cfg.Warmup.Seconds() {
		return types.StrainUnknown
	}
	switch {
	case rate >= cfg.NormalMinRate:
		return types.StrainNormal
	case rate >= cfg.ModerateMinRate:
		return types.StrainModerate
	default:
		return types.StrainHigh
	}
}
