package sampler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Prashant7197/Work-Eye-Tracker/internal/detector"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/privacy"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/session"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/source"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/types"
)

// fakeSource lets a test push samples by hand.
type fakeSource struct {
	ch   chan types.EyeSample
	once sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan types.EyeSample)}
}

func (s *fakeSource) Start(context.Context) error     { return nil }
func (s *fakeSource) Samples() <-chan types.EyeSample { return s.ch }
func (s *fakeSource) Stop() error                     { s.once.Do(func() { close(s.ch) }); return nil }
func (s *fakeSource) Stats() source.Stats             { return source.Stats{} }

// memStore records writes in memory; optional error injection.
type memStore struct {
	mu        sync.Mutex
	sessions  []*types.Session
	snapshots []types.WellnessSnapshot
	putErr    error
}

func (m *memStore) PutSession(_ context.Context, sess *types.Session) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return "", m.putErr
	}
	m.sessions = append(m.sessions, sess)
	return uuid.NewString(), nil
}

func (m *memStore) PutSnapshot(_ context.Context, snap types.WellnessSnapshot) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return "", m.putErr
	}
	m.snapshots = append(m.snapshots, snap)
	return uuid.NewString(), nil
}

func (m *memStore) lastSession() *types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) == 0 {
		return nil
	}
	return m.sessions[len(m.sessions)-1]
}

func newTestPipeline(t *testing.T, store Store, onStored func(string)) (*Pipeline, *fakeSource) {
	t.Helper()
	dcfg := detector.Config{ClosedThreshold: 0.2, OpenThreshold: 0.6, MinClosedFrames: 2}
	if err := dcfg.Validate(); err != nil {
		t.Fatalf("detector config: %v", err)
	}
	scfg := session.Config{Warmup: time.Millisecond}
	if err := scfg.Validate(); err != nil {
		t.Fatalf("session config: %v", err)
	}
	det := detector.New(dcfg)
	agg := session.New(scfg)
	src := newFakeSource()
	p, err := New(Config{SnapshotInterval: time.Hour}, src, det, agg, store, onStored)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p, src
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// play pushes an openness script (negative value = face-loss gap) one
// sample at a time, waiting for each to be processed so no sample is
// overwritten in the mailbox.
func play(t *testing.T, p *Pipeline, src *fakeSource, script []float64) {
	t.Helper()
	base := p.Stats().SamplesProcessed
	ts := time.Now()
	for i, v := range script {
		var sample types.EyeSample
		if v < 0 {
			sample = types.Gap(uint64(i), ts)
		} else {
			sample = types.EyeSample{
				Seq: uint64(i), Timestamp: ts,
				FaceFound: true, LeftTracked: true, RightTracked: true,
				LeftOpenness: v, RightOpenness: v,
			}
		}
		ts = ts.Add(33 * time.Millisecond)
		src.ch <- sample
		want := base + uint64(i) + 1
		waitFor(t, "sample processed", func() bool {
			return p.Stats().SamplesProcessed >= want
		})
	}
}

func TestPipelineDetectsAndAggregatesBlinks(t *testing.T) {
	store := &memStore{}
	p, src := newTestPipeline(t, store, nil)
	ctx := context.Background()

	if _, err := p.StartSession("alice", time.Now()); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start pipeline: %v", err)
	}

	// Two clean blinks separated by open frames.
	play(t, p, src, []float64{
		0.9, 0.9, 0.05, 0.05, 0.05, 0.9, 0.9,
		0.9, 0.05, 0.05, 0.9, 0.9,
	})

	if got := p.Stats().BlinksDetected; got != 2 {
		t.Fatalf("BlinksDetected = %d, want 2", got)
	}

	sess, err := p.StopSession(ctx)
	if err != nil {
		t.Fatalf("stop session: %v", err)
	}
	if len(sess.Blinks) != 2 {
		t.Fatalf("session blinks = %d, want 2", len(sess.Blinks))
	}
	if sess.Blinks[0].DurationFrames != 3 || sess.Blinks[1].DurationFrames != 2 {
		t.Errorf("blink durations = %d, %d, want 3, 2",
			sess.Blinks[0].DurationFrames, sess.Blinks[1].DurationFrames)
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("stop source: %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop pipeline: %v", err)
	}
	if got := store.lastSession(); got == nil || got.ID != sess.ID {
		t.Error("closed session was not flushed to the store")
	}
}

func TestPipelineEndToEndWellness(t *testing.T) {
	store := &memStore{}
	p, src := newTestPipeline(t, store, nil)
	ctx := context.Background()

	start := time.Now()
	if _, err := p.StartSession("alice", start); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start pipeline: %v", err)
	}

	// Three clean blinks: each openness run 0.9,0.9,0.05,0.05,0.05,0.9.
	var script []float64
	for i := 0; i < 3; i++ {
		script = append(script, 0.9, 0.9, 0.05, 0.05, 0.05, 0.9)
	}
	play(t, p, src, script)

	if got := p.Stats().BlinksDetected; got != 3 {
		t.Fatalf("BlinksDetected = %d, want 3", got)
	}

	// At exactly one simulated minute the whole-session rate is 3.0.
	snap, err := p.Snapshot(start.Add(60 * time.Second))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.BlinksTotal != 3 {
		t.Errorf("BlinksTotal = %d, want 3", snap.BlinksTotal)
	}
	if snap.BlinksPerMinute != 3.0 {
		t.Errorf("BlinksPerMinute = %f, want 3.0", snap.BlinksPerMinute)
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("stop source: %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop pipeline: %v", err)
	}
}

func TestPipelineFaceLossDiscardsClosure(t *testing.T) {
	store := &memStore{}
	p, src := newTestPipeline(t, store, nil)
	ctx := context.Background()

	if _, err := p.StartSession("alice", time.Now()); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start pipeline: %v", err)
	}

	// Closure interrupted by a face-loss gap must not count as a blink.
	play(t, p, src, []float64{0.9, 0.05, 0.05, -1, 0.9, 0.9})

	if got := p.Stats().BlinksDetected; got != 0 {
		t.Errorf("BlinksDetected = %d, want 0", got)
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("stop source: %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop pipeline: %v", err)
	}
}

func TestPipelineBlinksOutsideSessionNotAggregated(t *testing.T) {
	store := &memStore{}
	p, src := newTestPipeline(t, store, nil)
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("start pipeline: %v", err)
	}
	play(t, p, src, []float64{0.9, 0.05, 0.05, 0.05, 0.9})

	if got := p.Stats().BlinksDetected; got != 1 {
		t.Fatalf("BlinksDetected = %d, want 1", got)
	}
	if _, err := p.Snapshot(time.Now()); !errors.Is(err, session.ErrNoActiveSession) {
		t.Errorf("Snapshot without session error = %v, want ErrNoActiveSession", err)
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("stop source: %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop pipeline: %v", err)
	}
	if store.lastSession() != nil {
		t.Error("no session should have been stored")
	}
}

func TestPipelineStopFlushesActiveSession(t *testing.T) {
	store := &memStore{}
	p, src := newTestPipeline(t, store, nil)
	ctx := context.Background()

	if _, err := p.StartSession("bob", time.Now()); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start pipeline: %v", err)
	}
	play(t, p, src, []float64{0.9, 0.05, 0.05, 0.9})

	// Stop without an explicit StopSession: the pipeline must close and
	// flush the open session itself.
	if err := src.Stop(); err != nil {
		t.Fatalf("stop source: %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop pipeline: %v", err)
	}

	sess := store.lastSession()
	if sess == nil {
		t.Fatal("active session was not flushed on Stop")
	}
	if sess.UserID != "bob" || len(sess.Blinks) != 1 {
		t.Errorf("flushed session = user %q, %d blinks; want bob, 1", sess.UserID, len(sess.Blinks))
	}
	if p.ActiveUser() != "" {
		t.Error("ActiveUser should be empty after Stop")
	}
}

func TestPipelineConsentFailureSurfacesButClosesSession(t *testing.T) {
	store := &memStore{putErr: privacy.ErrConsentRequired}
	p, src := newTestPipeline(t, store, nil)
	ctx := context.Background()

	if _, err := p.StartSession("carol", time.Now()); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start pipeline: %v", err)
	}
	play(t, p, src, []float64{0.9, 0.05, 0.05, 0.9})

	sess, err := p.StopSession(ctx)
	if !errors.Is(err, privacy.ErrConsentRequired) {
		t.Fatalf("StopSession error = %v, want ErrConsentRequired", err)
	}
	if sess == nil || sess.Active {
		t.Error("session must still be closed when persistence is refused")
	}
	if p.ActiveUser() != "" {
		t.Error("no user should remain active")
	}
	if got := p.Stats().StoreErrors; got != 1 {
		t.Errorf("StoreErrors = %d, want 1", got)
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("stop source: %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop pipeline: %v", err)
	}
}

func TestPipelineOnStoredCallback(t *testing.T) {
	store := &memStore{}
	var (
		mu  sync.Mutex
		ids []string
	)
	p, src := newTestPipeline(t, store, func(id string) {
		mu.Lock()
		ids = append(ids, id)
		mu.Unlock()
	})
	ctx := context.Background()

	if _, err := p.StartSession("dave", time.Now()); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start pipeline: %v", err)
	}
	play(t, p, src, []float64{0.9, 0.05, 0.05, 0.9})

	if _, err := p.StopSession(ctx); err != nil {
		t.Fatalf("stop session: %v", err)
	}
	mu.Lock()
	n := len(ids)
	mu.Unlock()
	if n != 1 {
		t.Errorf("onStored calls = %d, want 1", n)
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("stop source: %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop pipeline: %v", err)
	}
}
