// Package sampler wires the measurement path: geometry source → blink
// detector → session aggregator → persistence. It owns the real-time
// loop and shields it from storage latency.
//
// Philosophy: "Drop samples, never queue. Latency > Completeness."
// A stale openness value is worthless; the detector is told about every
// drop so an in-progress closure is discarded rather than miscounted.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Prashant7197/Work-Eye-Tracker/internal/detector"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/privacy"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/session"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/source"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/types"
)

// Store is the persistence surface the pipeline needs. *privacy.Store
// satisfies it; tests substitute fakes.
type Store interface {
	PutSession(ctx context.Context, sess *types.Session) (string, error)
	PutSnapshot(ctx context.Context, snap types.WellnessSnapshot) (string, error)
}

// Config controls pipeline cadence and buffering.
type Config struct {
	// SnapshotInterval is how often a wellness snapshot of the active
	// session is persisted.
	SnapshotInterval time.Duration
	// SnapshotQueueSize bounds the snapshot write queue. When full the
	// oldest queued snapshot is dropped; the newest always wins.
	SnapshotQueueSize int
}

// Validate fills defaults and rejects unusable values.
func (c *Config) Validate() error {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 60 * time.Second
	}
	if c.SnapshotQueueSize <= 0 {
		c.SnapshotQueueSize = 16
	}
	return nil
}

// Stats contains pipeline counters for the health surface.
type Stats struct {
	SamplesProcessed uint64
	SamplesDropped   uint64
	BlinksDetected   uint64
	SnapshotsStored  uint64
	SnapshotsDropped uint64
	SessionsStored   uint64
	StoreErrors      uint64
}

// Pipeline consumes samples from a source and drives detection,
// aggregation and persistence.
//
// Goroutine topology:
//   - intakeLoop: drains the source channel into a single-slot mailbox
//   - processLoop: consumes the mailbox, runs detector + aggregator
//   - snapshotLoop: ticker that enqueues periodic snapshots
//   - storeLoop: drains the snapshot queue into the store
//
// All public methods are safe for concurrent use.
type Pipeline struct {
	cfg   Config
	src   source.Source
	det   *detector.Detector
	agg   *session.Aggregator
	store Store

	// onStored, when set, is invoked with each persisted record ID.
	// The sync layer uses it to enqueue uploads.
	onStored func(recordID string)

	// Single-slot mailbox between intake and processing. A non-nil slot
	// is an unconsumed sample; overwriting it counts a drop.
	slotMu   sync.Mutex
	slotCond *sync.Cond
	slot     *types.EyeSample
	slotDrop bool

	// Active measured user. Empty string means measuring without an
	// open session (blinks are detected but not aggregated).
	userMu sync.RWMutex
	userID string

	snapQ chan types.WellnessSnapshot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedMu sync.Mutex
	started   bool

	statsMu       sync.RWMutex
	stats         Stats
	consentLogged bool
}

// New creates a pipeline. onStored may be nil.
func New(cfg Config, src source.Source, det *detector.Detector, agg *session.Aggregator,
	store Store, onStored func(recordID string)) (*Pipeline, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:      cfg,
		src:      src,
		det:      det,
		agg:      agg,
		store:    store,
		onStored: onStored,
		snapQ:    make(chan types.WellnessSnapshot, cfg.SnapshotQueueSize),
	}
	p.slotCond = sync.NewCond(&p.slotMu)
	return p, nil
}

// Start launches the pipeline goroutines. Non-blocking.
func (p *Pipeline) Start(ctx context.Context) error {
	p.startedMu.Lock()
	defer p.startedMu.Unlock()
	if p.started {
		return fmt.Errorf("pipeline already started")
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(4)
	go p.intakeLoop()
	go p.processLoop()
	go p.snapshotLoop()
	go p.storeLoop()

	slog.Info("measurement pipeline started",
		"snapshot_interval", p.cfg.SnapshotInterval,
		"snapshot_queue", p.cfg.SnapshotQueueSize,
	)
	return nil
}

// Stop shuts the pipeline down. Any active session is closed and its
// record flushed to the store before return. Idempotent.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.startedMu.Lock()
	if !p.started {
		p.startedMu.Unlock()
		return nil
	}
	p.started = false
	p.startedMu.Unlock()

	var flushErr error
	if user := p.activeUser(); user != "" {
		if _, err := p.StopSession(ctx); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
			flushErr = err
		}
	}

	p.cancel()
	p.slotCond.Broadcast()
	p.wg.Wait()

	// Drain whatever snapshots were queued when the loops exited.
	for {
		select {
		case snap := <-p.snapQ:
			p.storeSnapshot(ctx, snap)
		default:
			slog.Info("measurement pipeline stopped")
			return flushErr
		}
	}
}

// StartSession opens a measurement session for userID. Blink events
// detected from here on are aggregated into it.
func (p *Pipeline) StartSession(userID string, now time.Time) (*types.Session, error) {
	sess, err := p.agg.StartSession(userID, now)
	if err != nil {
		return nil, err
	}
	p.userMu.Lock()
	p.userID = userID
	p.userMu.Unlock()
	slog.Info("session started", "user_id", userID, "session_id", sess.ID)
	return sess, nil
}

// StopSession closes the active session and persists it. The write
// blocks (with the store's own retry policy); a session record is never
// silently discarded. A consent failure is returned to the caller, and
// the closed session with it, so the control plane can surface both.
func (p *Pipeline) StopSession(ctx context.Context) (*types.Session, error) {
	user := p.activeUser()
	if user == "" {
		return nil, session.ErrNoActiveSession
	}

	sess, err := p.agg.StopSession(user, time.Now())
	if err != nil {
		return nil, err
	}
	p.userMu.Lock()
	p.userID = ""
	p.userMu.Unlock()

	recordID, err := p.store.PutSession(ctx, sess)
	if err != nil {
		p.countStoreError()
		if errors.Is(err, privacy.ErrConsentRequired) {
			slog.Warn("session record not persisted, consent missing",
				"user_id", user, "session_id", sess.ID)
			return sess, err
		}
		slog.Error("session record write failed", "session_id", sess.ID, "error", err)
		return sess, err
	}

	p.statsMu.Lock()
	p.stats.SessionsStored++
	p.statsMu.Unlock()
	if p.onStored != nil {
		p.onStored(recordID)
	}
	slog.Info("session closed", "user_id", user, "session_id", sess.ID,
		"blinks", len(sess.Blinks), "record_id", recordID)
	return sess, nil
}

// Snapshot returns the live snapshot of the active session.
func (p *Pipeline) Snapshot(now time.Time) (types.WellnessSnapshot, error) {
	user := p.activeUser()
	if user == "" {
		return types.WellnessSnapshot{}, session.ErrNoActiveSession
	}
	return p.agg.Snapshot(user, now)
}

// ActiveUser returns the user of the open session, or "".
func (p *Pipeline) ActiveUser() string { return p.activeUser() }

// Stats returns a snapshot of pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}

func (p *Pipeline) activeUser() string {
	p.userMu.RLock()
	defer p.userMu.RUnlock()
	return p.userID
}

// intakeLoop drains the source into the mailbox. Never blocks on the
// processor: an unconsumed sample is overwritten and counted.
func (p *Pipeline) intakeLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case sample, ok := <-p.src.Samples():
			if !ok {
				return
			}
			p.slotMu.Lock()
			if p.slot != nil {
				p.slotDrop = true
				p.statsMu.Lock()
				p.stats.SamplesDropped++
				p.statsMu.Unlock()
			}
			s := sample
			p.slot = &s
			p.slotCond.Signal()
			p.slotMu.Unlock()
		}
	}
}

// processLoop consumes the mailbox and drives the detector. When a drop
// occurred since the last consumed sample, a synthetic gap is fed first
// so a closure spanning the discontinuity is discarded, not confirmed.
func (p *Pipeline) processLoop() {
	defer p.wg.Done()

	for {
		p.slotMu.Lock()
		for p.slot == nil {
			if p.ctx.Err() != nil {
				p.slotMu.Unlock()
				return
			}
			p.slotCond.Wait()
			if p.ctx.Err() != nil {
				p.slotMu.Unlock()
				return
			}
		}
		sample := *p.slot
		dropped := p.slotDrop
		p.slot = nil
		p.slotDrop = false
		p.slotMu.Unlock()

		if dropped {
			p.det.Observe(types.Gap(sample.Seq, sample.Timestamp))
		}

		ev := p.det.Observe(sample)
		p.statsMu.Lock()
		p.stats.SamplesProcessed++
		if ev != nil {
			p.stats.BlinksDetected++
		}
		p.statsMu.Unlock()

		if ev == nil {
			continue
		}
		if user := p.activeUser(); user != "" {
			if err := p.agg.RecordBlink(user, *ev); err != nil {
				slog.Warn("blink not aggregated", "user_id", user, "error", err)
			}
		}
	}
}

// snapshotLoop periodically enqueues a snapshot of the active session.
// Enqueue is drop-oldest: under store backpressure the freshest
// snapshot survives.
func (p *Pipeline) snapshotLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			user := p.activeUser()
			if user == "" {
				continue
			}
			snap, err := p.agg.Snapshot(user, now)
			if err != nil {
				continue // session closed between check and snapshot
			}
			for {
				select {
				case p.snapQ <- snap:
				default:
					select {
					case <-p.snapQ:
						p.statsMu.Lock()
						p.stats.SnapshotsDropped++
						p.statsMu.Unlock()
					default:
					}
					continue
				}
				break
			}
		}
	}
}

// storeLoop drains the snapshot queue into the store.
func (p *Pipeline) storeLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case snap := <-p.snapQ:
			p.storeSnapshot(p.ctx, snap)
		}
	}
}

func (p *Pipeline) storeSnapshot(ctx context.Context, snap types.WellnessSnapshot) {
	recordID, err := p.store.PutSnapshot(ctx, snap)
	if err != nil {
		p.countStoreError()
		if errors.Is(err, privacy.ErrConsentRequired) {
			// Measurement continues without persistence. Logged once
			// per consent state to avoid a warning every interval.
			p.statsMu.Lock()
			logged := p.consentLogged
			p.consentLogged = true
			p.statsMu.Unlock()
			if !logged {
				slog.Warn("snapshots not persisted, consent missing", "user_id", snap.UserID)
			}
			return
		}
		slog.Error("snapshot write failed", "session_id", snap.SessionID, "error", err)
		return
	}

	p.statsMu.Lock()
	p.stats.SnapshotsStored++
	p.consentLogged = false
	p.statsMu.Unlock()
	if p.onStored != nil {
		p.onStored(recordID)
	}
}

func (p *Pipeline) countStoreError() {
	p.statsMu.Lock()
	p.stats.StoreErrors++
	p.statsMu.Unlock()
}
