// Package syncer uploads sealed records to a remote endpoint when, and
// only when, the user has consented to sync and the endpoint is
// reachable. Records move between sync statuses one at a time; a bad
// record never blocks the rest of the queue.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Prashant7197/Work-Eye-Tracker/internal/privacy"
)

// ErrPermanentRejection is returned by a Remote for a record the
// endpoint will never accept. The gate marks such records failed with a
// non-retryable reason and stops offering them.
var ErrPermanentRejection = errors.New("record permanently rejected by remote")

// Remote is the upload endpoint. Implementations receive sealed
// envelopes only; plaintext never crosses this interface.
type Remote interface {
	// Probe reports whether the endpoint is currently reachable.
	Probe(ctx context.Context) error
	// Upload delivers one record and waits for acknowledgement.
	Upload(ctx context.Context, rec privacy.SyncRecord) error
}

// Store is the slice of the privacy store the gate needs.
type Store interface {
	SyncCandidates(ctx context.Context, limit int) ([]privacy.SyncRecord, error)
	MarkSynced(ctx context.Context, recordID string) error
	MarkSyncFailed(ctx context.Context, recordID, reason string) error
	AppendSyncLog(ctx context.Context, attempted, succeeded, failed int, errMsg string) error
	EnqueueRecord(ctx context.Context, recordID string) error
	EffectiveConsent(ctx context.Context, userID string, purpose privacy.Purpose) (bool, error)
}

// Config controls gate cadence and batching.
type Config struct {
	// Interval between background sync passes.
	Interval time.Duration
	// BatchLimit caps candidates fetched per pass.
	BatchLimit int
}

// Validate fills defaults.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	return nil
}

// Counts summarizes one sync pass.
type Counts struct {
	Attempted int
	Succeeded int
	Failed    int
}

// Stats contains cumulative gate counters.
type Stats struct {
	Passes         uint64
	Attempted      uint64
	Succeeded      uint64
	Failed         uint64
	ProbeFailures  uint64
	ConsentSkipped uint64
}

// Gate owns the sync policy: connectivity gate, consent gate, per-record
// status transitions. All methods are safe for concurrent use.
type Gate struct {
	cfg    Config
	store  Store
	remote Remote

	kick chan struct{}

	mu    sync.RWMutex
	stats Stats
}

// New creates a gate.
func New(cfg Config, store Store, remote Remote) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gate{
		cfg:    cfg,
		store:  store,
		remote: remote,
		kick:   make(chan struct{}, 1),
	}, nil
}

// Enqueue marks a record pending and nudges the background loop. Called
// by the pipeline each time a record is persisted.
func (g *Gate) Enqueue(ctx context.Context, recordID string) error {
	if err := g.store.EnqueueRecord(ctx, recordID); err != nil {
		return err
	}
	select {
	case g.kick <- struct{}{}:
	default:
	}
	return nil
}

// Run executes sync passes on the configured interval, plus whenever
// Enqueue nudges, until ctx is cancelled.
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	slog.Info("sync gate running", "interval", g.cfg.Interval, "batch_limit", g.cfg.BatchLimit)
	for {
		select {
		case <-ctx.Done():
			slog.Info("sync gate stopped")
			return
		case <-ticker.C:
		case <-g.kick:
		}
		if _, err := g.TrySync(ctx); err != nil {
			slog.Warn("sync pass failed", "error", err)
		}
	}
}

// TrySync performs one sync pass and returns its counts.
//
// Order of gates: candidates first (an empty queue costs nothing), then
// one connectivity probe for the whole pass, then per-record consent.
// A record whose user has not consented to sync is left untouched; it
// becomes eligible again the moment consent is granted.
func (g *Gate) TrySync(ctx context.Context) (Counts, error) {
	g.mu.Lock()
	g.stats.Passes++
	g.mu.Unlock()

	candidates, err := g.store.SyncCandidates(ctx, g.cfg.BatchLimit)
	if err != nil {
		return Counts{}, fmt.Errorf("fetch sync candidates: %w", err)
	}
	if len(candidates) == 0 {
		return Counts{}, nil
	}

	if err := g.remote.Probe(ctx); err != nil {
		g.mu.Lock()
		g.stats.ProbeFailures++
		g.mu.Unlock()
		slog.Debug("sync skipped, remote unreachable", "error", err, "queued", len(candidates))
		return Counts{}, nil
	}

	var counts Counts
	var lastErr string
	consent := make(map[string]bool, 4) // per-user cache for this pass

	for _, rec := range candidates {
		ok, cached := consent[rec.UserID]
		if !cached {
			ok, err = g.store.EffectiveConsent(ctx, rec.UserID, privacy.PurposeSync)
			if err != nil {
				return counts, fmt.Errorf("consent lookup for %q: %w", rec.UserID, err)
			}
			consent[rec.UserID] = ok
		}
		if !ok {
			g.mu.Lock()
			g.stats.ConsentSkipped++
			g.mu.Unlock()
			continue
		}

		counts.Attempted++
		if err := g.remote.Upload(ctx, rec); err != nil {
			counts.Failed++
			lastErr = err.Error()
			reason := err.Error()
			if errors.Is(err, ErrPermanentRejection) {
				reason = privacy.ReasonPermanentRejection
			}
			if merr := g.store.MarkSyncFailed(ctx, rec.RecordID, reason); merr != nil {
				slog.Error("mark sync failed", "record_id", rec.RecordID, "error", merr)
			}
			slog.Warn("record upload failed",
				"record_id", rec.RecordID, "kind", rec.Kind, "error", err)
			continue
		}
		if err := g.store.MarkSynced(ctx, rec.RecordID); err != nil {
			// The remote has the record; local status lags. The next
			// pass re-offers it and the remote must deduplicate by
			// record ID.
			counts.Failed++
			slog.Error("mark synced", "record_id", rec.RecordID, "error", err)
			continue
		}
		counts.Succeeded++
	}

	if counts.Attempted > 0 {
		if err := g.store.AppendSyncLog(ctx, counts.Attempted, counts.Succeeded, counts.Failed, lastErr); err != nil {
			slog.Error("append sync log", "error", err)
		}
		slog.Info("sync pass complete",
			"attempted", counts.Attempted,
			"succeeded", counts.Succeeded,
			"failed", counts.Failed,
		)
	}

	g.mu.Lock()
	g.stats.Attempted += uint64(counts.Attempted)
	g.stats.Succeeded += uint64(counts.Succeeded)
	g.stats.Failed += uint64(counts.Failed)
	g.mu.Unlock()
	return counts, nil
}

// Stats returns a snapshot of gate counters.
func (g *Gate) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.stats
}
