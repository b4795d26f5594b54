package privacy

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Prashant7197/Work-Eye-Tracker/internal/types"
)

// Typed persistence helpers. Payloads are msgpack-encoded before sealing;
// the store itself only ever sees opaque plaintext bytes.

// PutSession persists a closed session, including its full blink event list.
func (s *Store) PutSession(ctx context.Context, sess *types.Session) (string, error) {
	payload, err := msgpack.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	return s.Put(ctx, sess.UserID, KindSession, payload)
}

// PutSnapshot persists a wellness snapshot.
func (s *Store) PutSnapshot(ctx context.Context, snap types.WellnessSnapshot) (string, error) {
	payload, err := msgpack.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	return s.Put(ctx, snap.UserID, KindSnapshot, payload)
}

// PutMetrics persists a system metrics reading.
func (s *Store) PutMetrics(ctx context.Context, m types.SystemMetrics) (string, error) {
	payload, err := msgpack.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metrics: %w", err)
	}
	return s.Put(ctx, m.UserID, KindMetrics, payload)
}

// DecodeMetrics decodes a payload produced by PutMetrics.
func DecodeMetrics(payload []byte) (types.SystemMetrics, error) {
	var m types.SystemMetrics
	if err := msgpack.Unmarshal(payload, &m); err != nil {
		return types.SystemMetrics{}, fmt.Errorf("decode metrics: %w", err)
	}
	return m, nil
}

// DecodeSession decodes a session payload produced by PutSession.
func DecodeSession(payload []byte) (*types.Session, error) {
	var sess types.Session
	if err := msgpack.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// DecodeSnapshot decodes a snapshot payload produced by PutSnapshot.
func DecodeSnapshot(payload []byte) (types.WellnessSnapshot, error) {
	var snap types.WellnessSnapshot
	if err := msgpack.Unmarshal(payload, &snap); err != nil {
		return types.WellnessSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// SessionStats aggregates a user's stored sessions over a time window.
type SessionStats struct {
	SessionCount      int     `json:"session_count"`
	AvgBlinks         float64 `json:"avg_blinks"`
	AvgBlinksPerMin   float64 `json:"avg_blinks_per_minute"`
	HighStrainClosing int     `json:"high_strain_sessions"`
}

// SessionStatsFor recomputes aggregate statistics from stored session
// records alone. classify maps a closed session to its final snapshot.
func (s *Store) SessionStatsFor(ctx context.Context, userID string, since time.Time,
	classify func(*types.Session) types.WellnessSnapshot) (SessionStats, error) {

	metas, err := s.List(ctx, userID, KindSession)
	if err != nil {
		return SessionStats{}, err
	}

	var stats SessionStats
	var totalBlinks, totalRate float64
	for _, m := range metas {
		if m.CreatedAt.Before(since) || m.Quarantined {
			continue
		}
		payload, err := s.Get(ctx, m.RecordID)
		if err != nil {
			continue // quarantined mid-scan; already surfaced by Get
		}
		sess, err := DecodeSession(payload)
		if err != nil {
			return SessionStats{}, err
		}

		snap := classify(sess)
		stats.SessionCount++
		totalBlinks += float64(snap.BlinksTotal)
		totalRate += snap.BlinksPerMinute
		if snap.Strain == types.StrainHigh {
			stats.HighStrainClosing++
		}
	}

	if stats.SessionCount > 0 {
		stats.AvgBlinks = totalBlinks / float64(stats.SessionCount)
		stats.AvgBlinksPerMin = totalRate / float64(stats.SessionCount)
	}
	return stats, nil
}
