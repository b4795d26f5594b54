package privacy

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Prashant7197/Work-Eye-Tracker/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()

	ring := newTestRing(t)
	s, err := Open(filepath.Join(dir, "store.db"), ring, Options{
		Retention:   30 * 24 * time.Hour,
		KeyringPath: filepath.Join(dir, "keys.json"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func grantAll(t *testing.T, s *Store, userID string) {
	t.Helper()
	ctx := context.Background()
	for _, p := range Purposes {
		if err := s.AppendConsent(ctx, userID, p, true); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPutRequiresConsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	payload := []byte("snapshot payload")

	_, err := s.Put(ctx, "alice", KindSnapshot, payload)
	if !errors.Is(err, ErrConsentRequired) {
		t.Fatalf("put without consent: got %v, want ErrConsentRequired", err)
	}

	// Granting consent makes the identical payload succeed.
	if err := s.AppendConsent(ctx, "alice", PurposeDataCollection, true); err != nil {
		t.Fatal(err)
	}
	id, err := s.Put(ctx, "alice", KindSnapshot, payload)
	if err != nil {
		t.Fatalf("put after grant: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("roundtrip mismatch")
	}
}

func TestConsentRevocationAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AppendConsent(ctx, "alice", PurposeDataCollection, true); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendConsent(ctx, "alice", PurposeDataCollection, false); err != nil {
		t.Fatal(err)
	}

	granted, err := s.EffectiveConsent(ctx, "alice", PurposeDataCollection)
	if err != nil {
		t.Fatal(err)
	}
	if granted {
		t.Errorf("effective consent true after revocation")
	}

	// The ledger keeps both entries.
	history, err := s.ConsentHistory(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if !history[0].Granted || history[1].Granted {
		t.Errorf("history order wrong: %+v", history)
	}

	if _, err := s.Put(ctx, "alice", KindSession, []byte("x")); !errors.Is(err, ErrConsentRequired) {
		t.Errorf("put after revocation: got %v, want ErrConsentRequired", err)
	}
}

func TestRoundTripAcrossKeyRotation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	grantAll(t, s, "alice")

	kinds := map[Kind][]byte{
		KindSession:  []byte("session bytes"),
		KindSnapshot: []byte("snapshot bytes"),
		KindMetrics:  []byte("metrics bytes"),
	}

	ids := make(map[Kind]string)
	for kind, payload := range kinds {
		id, err := s.Put(ctx, "alice", kind, payload)
		if err != nil {
			t.Fatalf("put %s: %v", kind, err)
		}
		ids[kind] = id
	}

	if err := s.RotateKeys(ctx); err != nil {
		t.Fatal(err)
	}
	if s.KeyVersion() != 2 {
		t.Errorf("key version = %d, want 2", s.KeyVersion())
	}

	// Pre-rotation records still decrypt via their embedded key version.
	for kind, payload := range kinds {
		got, err := s.Get(ctx, ids[kind])
		if err != nil {
			t.Fatalf("get %s after rotation: %v", kind, err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("%s payload mismatch after rotation", kind)
		}
	}

	// New writes seal under the new version.
	id, err := s.Put(ctx, "alice", KindSnapshot, []byte("post-rotation"))
	if err != nil {
		t.Fatal(err)
	}
	metas, err := s.List(ctx, "alice", KindSnapshot)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range metas {
		if m.RecordID == id && m.KeyVersion != 2 {
			t.Errorf("post-rotation record sealed under version %d", m.KeyVersion)
		}
	}
}

func TestListExposesNoPlaintext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	grantAll(t, s, "alice")

	if _, err := s.Put(ctx, "alice", KindSession, []byte("private")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(ctx, "alice", KindSnapshot, []byte("private")); err != nil {
		t.Fatal(err)
	}

	all, err := s.List(ctx, "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("list length = %d, want 2", len(all))
	}

	filtered, err := s.List(ctx, "alice", KindSession)
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 1 || filtered[0].Kind != KindSession {
		t.Errorf("kind filter broken: %+v", filtered)
	}
	for _, m := range all {
		if m.SyncStatus != StatusPending {
			t.Errorf("new record status = %s, want pending", m.SyncStatus)
		}
	}
}

func TestEraseUserIsIrreversible(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	grantAll(t, s, "alice")
	grantAll(t, s, "bob")

	if _, err := s.Put(ctx, "alice", KindSession, []byte("alice data")); err != nil {
		t.Fatal(err)
	}
	bobID, err := s.Put(ctx, "bob", KindSession, []byte("bob data"))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.EraseUser(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	metas, err := s.List(ctx, "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 0 {
		t.Errorf("records remain after erasure: %d", len(metas))
	}
	if _, err := s.ExportUser(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("export after erasure: got %v, want ErrNotFound", err)
	}

	// Other users are untouched.
	if _, err := s.Get(ctx, bobID); err != nil {
		t.Errorf("unrelated user's record lost: %v", err)
	}

	// The audit marker carries a timestamp only.
	var event string
	if err := s.db.QueryRow(`SELECT event FROM audit ORDER BY id DESC LIMIT 1`).Scan(&event); err != nil {
		t.Fatal(err)
	}
	if event != "user_erased" {
		t.Errorf("audit event = %q", event)
	}
}

func TestEraseRetiresOrphanedKeyVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	grantAll(t, s, "alice")

	// Seal a record under version 1, rotate, then erase the user: version 1
	// covers nothing anymore and must be dropped from the ring.
	if _, err := s.Put(ctx, "alice", KindSession, []byte("v1 data")); err != nil {
		t.Fatal(err)
	}
	if err := s.RotateKeys(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.EraseUser(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	s.ringMu.RLock()
	hasV1 := s.ring.Has(1)
	s.ringMu.RUnlock()
	if hasV1 {
		t.Errorf("orphaned key version 1 still in ring after erasure")
	}
}

func TestExportUserBundle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	grantAll(t, s, "alice")

	sessID, err := s.Put(ctx, "alice", KindSession, []byte("session payload"))
	if err != nil {
		t.Fatal(err)
	}
	badID, err := s.Put(ctx, "alice", KindSnapshot, []byte("will corrupt"))
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt one ciphertext directly on disk.
	if _, err := s.db.Exec(`UPDATE records SET ciphertext = X'01deadbeef00000000000000000000000000000000000000' WHERE record_id = ?`, badID); err != nil {
		t.Fatal(err)
	}

	bundle, err := s.ExportUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(bundle.Records) != 1 || bundle.Records[0].RecordID != sessID {
		t.Errorf("bundle records wrong: %+v", bundle.Records)
	}
	// The corrupted record is reported, not silently skipped.
	if len(bundle.Quarantined) != 1 || bundle.Quarantined[0] != badID {
		t.Errorf("quarantined list = %v, want [%s]", bundle.Quarantined, badID)
	}
	if len(bundle.Consents) == 0 {
		t.Errorf("bundle missing consent history")
	}

	// The quarantine flag persisted.
	metas, err := s.List(ctx, "alice", KindSnapshot)
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 1 || !metas[0].Quarantined {
		t.Errorf("record not marked quarantined: %+v", metas)
	}
}

func TestGetUnknownRecord(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestPurgeExpiredIgnoresConsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	grantAll(t, s, "alice")

	oldID, err := s.Put(ctx, "alice", KindSession, []byte("ancient"))
	if err != nil {
		t.Fatal(err)
	}
	freshID, err := s.Put(ctx, "alice", KindSession, []byte("fresh"))
	if err != nil {
		t.Fatal(err)
	}

	// Age one record beyond the 30-day retention window.
	aged := time.Now().UTC().Add(-31 * 24 * time.Hour)
	if _, err := s.db.Exec(`UPDATE records SET created_at = ? WHERE record_id = ?`, aged, oldID); err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeExpired(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d records, want 1", n)
	}
	if _, err := s.Get(ctx, oldID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired record still readable: %v", err)
	}
	if _, err := s.Get(ctx, freshID); err != nil {
		t.Errorf("fresh record purged: %v", err)
	}
}

func TestSessionCodecRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	grantAll(t, s, "alice")

	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	sess := &types.Session{
		ID:        "sess-1",
		UserID:    "alice",
		StartTime: start,
		EndTime:   start.Add(time.Minute),
		Blinks: []types.BlinkEvent{
			{EventID: 1, Timestamp: start.Add(5 * time.Second), DurationFrames: 3},
			{EventID: 2, Timestamp: start.Add(25 * time.Second), DurationFrames: 2},
		},
	}

	id, err := s.PutSession(ctx, sess)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeSession(payload)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.ID != sess.ID || len(decoded.Blinks) != 2 {
		t.Errorf("decoded session mismatch: %+v", decoded)
	}
	if decoded.Blinks[1].DurationFrames != 2 {
		t.Errorf("blink detail lost in roundtrip")
	}
}

func TestSyncStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	grantAll(t, s, "alice")

	id, err := s.Put(ctx, "alice", KindSnapshot, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}

	candidates, err := s.SyncCandidates(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 || candidates[0].RecordID != id {
		t.Fatalf("candidates = %+v", candidates)
	}

	if err := s.MarkSyncFailed(ctx, id, "broker unavailable"); err != nil {
		t.Fatal(err)
	}
	candidates, err = s.SyncCandidates(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 {
		t.Fatalf("retryable failure dropped from candidates")
	}

	if err := s.MarkSyncFailed(ctx, id, ReasonPermanentRejection); err != nil {
		t.Fatal(err)
	}
	candidates, err = s.SyncCandidates(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 0 {
		t.Fatalf("permanent rejection still a candidate")
	}

	// Enqueue of a synced record is a no-op.
	if err := s.MarkSynced(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := s.EnqueueRecord(ctx, id); err != nil {
		t.Fatal(err)
	}
	metas, err := s.List(ctx, "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if metas[0].SyncStatus != StatusSynced {
		t.Errorf("enqueue reset a synced record to %s", metas[0].SyncStatus)
	}

	if err := s.EnqueueRecord(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("enqueue unknown record: got %v, want ErrNotFound", err)
	}
}
