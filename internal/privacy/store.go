// Package privacy implements the consent-gated, encrypted record store.
//
// Every payload is sealed under the versioned key ring before it touches
// disk; plaintext is never persisted. Writes are gated on the consent
// ledger, retention is enforced as a hard ceiling, and erasure is a hard
// delete of ciphertext followed by retirement of key versions that no
// longer cover any record.
package privacy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Prashant7197/Work-Eye-Tracker/internal/keyring"
)

// Kind classifies what a stored record contains.
type Kind string

const (
	KindSession  Kind = "session"
	KindSnapshot Kind = "snapshot"
	KindMetrics  Kind = "metrics"
)

// SyncStatus tracks a record's progress toward the remote endpoint.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// ReasonPermanentRejection marks a failure that must not be retried,
// e.g. the remote reports the user no longer exists.
const ReasonPermanentRejection = "permanent_rejection"

var (
	// ErrNotFound is returned when a record (or a user's data) does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConsentRequired is returned when a write is blocked by the consent
	// ledger. Callers must not retry silently; upstream keeps measuring and
	// simply stops persisting.
	ErrConsentRequired = errors.New("consent required")

	// ErrStorage wraps local disk failures after write retries are exhausted.
	ErrStorage = errors.New("storage i/o failure")
)

// RecordMeta describes a stored record without exposing any plaintext.
type RecordMeta struct {
	RecordID    string     `json:"record_id"`
	UserID      string     `json:"user_id"`
	Kind        Kind       `json:"kind"`
	KeyVersion  uint32     `json:"key_version"`
	CreatedAt   time.Time  `json:"created_at"`
	SyncStatus  SyncStatus `json:"sync_status"`
	SyncReason  string     `json:"sync_reason,omitempty"`
	Quarantined bool       `json:"quarantined"`
}

// Options configures the store.
type Options struct {
	Retention   time.Duration // records older than this are purged
	KeyringPath string        // where rotation persists the ring; empty disables persistence
	MaxRetries  uint          // write retry attempts before surfacing ErrStorage
}

// Store is the durable privacy layer. Safe for concurrent use. Key
// rotation takes the write half of the ring lock so no Put can seal under
// a half-installed ring; reads of old data proceed concurrently.
type Store struct {
	db        *sql.DB
	retention time.Duration
	retries   uint

	ringMu   sync.RWMutex
	ring     *keyring.Ring
	ringPath string
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
	record_id   TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	kind        TEXT NOT NULL,
	key_version INTEGER NOT NULL,
	ciphertext  BLOB NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	sync_status TEXT NOT NULL DEFAULT 'pending',
	sync_reason TEXT NOT NULL DEFAULT '',
	quarantined INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_records_user ON records(user_id, kind);
CREATE INDEX IF NOT EXISTS idx_records_sync ON records(sync_status);

CREATE TABLE IF NOT EXISTS consents (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT NOT NULL,
	purpose    TEXT NOT NULL,
	granted    INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_consents_user ON consents(user_id, purpose);

CREATE TABLE IF NOT EXISTS audit (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event      TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	sync_time  TIMESTAMP NOT NULL,
	attempted  INTEGER NOT NULL,
	succeeded  INTEGER NOT NULL,
	failed     INTEGER NOT NULL,
	error      TEXT NOT NULL DEFAULT ''
);`

// Open opens (or creates) the store at path with the given key ring.
func Open(path string, ring *keyring.Ring, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}

	s := &Store{
		db:        db,
		retention: opts.Retention,
		retries:   opts.MaxRetries,
		ring:      ring,
		ringPath:  opts.KeyringPath,
	}

	slog.Info("privacy store opened",
		"path", path,
		"retention", opts.Retention,
		"key_version", ring.Active(),
	)
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// requiredPurpose maps a record kind to the consent purpose that gates
// its persistence. Session and snapshot data need data-collection consent;
// system metrics need performance-monitoring consent.
func requiredPurpose(kind Kind) (Purpose, bool) {
	switch kind {
	case KindSession, KindSnapshot:
		return PurposeDataCollection, true
	case KindMetrics:
		return PurposePerformanceMonitoring, true
	default:
		return "", false
	}
}

// Put encrypts plaintext and persists it as a new record for the user.
// Returns ErrConsentRequired when the gating consent is not in effect.
func (s *Store) Put(ctx context.Context, userID string, kind Kind, plaintext []byte) (string, error) {
	if purpose, gated := requiredPurpose(kind); gated {
		granted, err := s.EffectiveConsent(ctx, userID, purpose)
		if err != nil {
			return "", err
		}
		if !granted {
			return "", fmt.Errorf("user %q kind %q needs %q: %w", userID, kind, purpose, ErrConsentRequired)
		}
	}

	recordID := uuid.New().String()

	// Hold the read half of the ring lock across sealing and insert so a
	// concurrent rotation cannot install a new ring mid-write.
	s.ringMu.RLock()
	defer s.ringMu.RUnlock()

	token, err := SealToken(s.ring, recordID, plaintext)
	if err != nil {
		return "", fmt.Errorf("seal record: %w", err)
	}

	err = s.execRetry(ctx, `
		INSERT INTO records (record_id, user_id, kind, key_version, ciphertext, created_at, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		recordID, userID, string(kind), s.ring.Active(), token, time.Now().UTC(), string(StatusPending))
	if err != nil {
		return "", err
	}

	slog.Debug("record stored",
		"record_id", recordID,
		"user_id", userID,
		"kind", kind,
		"key_version", s.ring.Active(),
	)
	return recordID, nil
}

// Get decrypts and returns a record's plaintext. A record that fails
// authentication is quarantined and the failure surfaced, never repaired
// or silently skipped.
func (s *Store) Get(ctx context.Context, recordID string) ([]byte, error) {
	var token []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT ciphertext FROM records WHERE record_id = ?`, recordID).Scan(&token)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("record %q: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}

	s.ringMu.RLock()
	ring := s.ring
	s.ringMu.RUnlock()

	plaintext, err := OpenToken(ring, recordID, token)
	if err != nil {
		s.quarantine(ctx, recordID, err)
		return nil, err
	}
	return plaintext, nil
}

// List returns record metadata for a user, optionally filtered by kind.
// Plaintext is never included.
func (s *Store) List(ctx context.Context, userID string, kind Kind) ([]RecordMeta, error) {
	query := `SELECT record_id, user_id, kind, key_version, created_at, sync_status, sync_reason, quarantined
		FROM records WHERE user_id = ?`
	args := []any{userID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var metas []RecordMeta
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// ExportBundle is the decrypted data-portability bundle for one user.
type ExportBundle struct {
	UserID      string           `json:"user_id"`
	ExportedAt  time.Time        `json:"exported_at"`
	Records     []ExportedRecord `json:"records"`
	Consents    []ConsentRecord  `json:"consents"`
	Quarantined []string         `json:"quarantined_record_ids,omitempty"`
}

// ExportedRecord carries one decrypted payload.
type ExportedRecord struct {
	RecordID  string    `json:"record_id"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Payload   []byte    `json:"payload"`
}

// ExportUser decrypts every record for the user. Records that fail
// authentication are quarantined and listed in the bundle by ID rather
// than silently dropped. Returns ErrNotFound when the user has no data.
func (s *Store) ExportUser(ctx context.Context, userID string) (*ExportBundle, error) {
	metas, err := s.List(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	consents, err := s.ConsentHistory(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 && len(consents) == 0 {
		return nil, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}

	bundle := &ExportBundle{
		UserID:     userID,
		ExportedAt: time.Now().UTC(),
		Consents:   consents,
	}

	for _, m := range metas {
		plaintext, err := s.Get(ctx, m.RecordID)
		if errors.Is(err, ErrDecryption) {
			bundle.Quarantined = append(bundle.Quarantined, m.RecordID)
			continue
		}
		if err != nil {
			return nil, err
		}
		bundle.Records = append(bundle.Records, ExportedRecord{
			RecordID:  m.RecordID,
			Kind:      m.Kind,
			CreatedAt: m.CreatedAt,
			Payload:   plaintext,
		})
	}
	return bundle, nil
}

// EraseUser hard-deletes all of a user's records and consent history,
// then appends an audit marker carrying a timestamp only. Key versions
// left covering no records are retired, so the erasure is irreversible
// even against backups of the ciphertext.
func (s *Store) EraseUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	deleted, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `DELETE FROM consents WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit (event, created_at) VALUES ('user_erased', ?)`, time.Now().UTC()); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	slog.Info("user data erased", "user_id", userID, "records_deleted", deleted)

	if err := s.retireUnreferencedKeys(ctx); err != nil {
		slog.Warn("key retirement after erasure failed", "error", err)
	}
	return nil
}

// PurgeExpired deletes every record older than the retention window,
// regardless of consent state. Retention is a ceiling, not an opt-in.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-s.retention).UTC()

	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	n, _ := res.RowsAffected()

	if n > 0 {
		slog.Info("expired records purged", "count", n, "cutoff", cutoff)
		if err := s.retireUnreferencedKeys(ctx); err != nil {
			slog.Warn("key retirement after purge failed", "error", err)
		}
	}
	return int(n), nil
}

// RotateKeys installs a freshly rotated ring. No Put proceeds until the
// new ring is fully installed and persisted; reads of old data continue
// concurrently against the ring value they already hold.
func (s *Store) RotateKeys(ctx context.Context) error {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()

	rotated, err := s.ring.Rotate()
	if err != nil {
		return fmt.Errorf("rotate keys: %w", err)
	}
	if s.ringPath != "" {
		if err := rotated.Save(s.ringPath); err != nil {
			return fmt.Errorf("persist rotated ring: %w", err)
		}
	}
	s.ring = rotated

	slog.Info("encryption key rotated", "active_version", rotated.Active())
	return nil
}

// KeyVersion returns the version new records are currently sealed under.
func (s *Store) KeyVersion() uint32 {
	s.ringMu.RLock()
	defer s.ringMu.RUnlock()
	return s.ring.Active()
}

// CountRecords reports the total number of stored records.
func (s *Store) CountRecords(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// retireUnreferencedKeys drops ring material for key versions that no
// stored record references anymore. The active version always survives.
func (s *Store) retireUnreferencedKeys(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT key_version FROM records`)
	if err != nil {
		return err
	}
	defer rows.Close()

	referenced := make(map[uint32]bool)
	for rows.Next() {
		var v uint32
		if err := rows.Scan(&v); err != nil {
			return err
		}
		referenced[v] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.ringMu.Lock()
	defer s.ringMu.Unlock()

	ring := s.ring
	changed := false
	for _, v := range ring.Versions() {
		if v == ring.Active() || referenced[v] {
			continue
		}
		next, err := ring.Retire(v)
		if err != nil {
			return err
		}
		slog.Info("retired unreferenced key version", "version", v)
		ring = next
		changed = true
	}
	if !changed {
		return nil
	}

	if s.ringPath != "" {
		if err := ring.Save(s.ringPath); err != nil {
			return err
		}
	}
	s.ring = ring
	return nil
}

func (s *Store) quarantine(ctx context.Context, recordID string, cause error) {
	slog.Error("record failed authentication, quarantining",
		"record_id", recordID,
		"error", cause,
	)
	if err := s.execRetry(ctx, `UPDATE records SET quarantined = 1 WHERE record_id = ?`, recordID); err != nil {
		slog.Error("failed to mark record quarantined", "record_id", recordID, "error", err)
	}
}

// execRetry runs a write with exponential backoff. Disk hiccups are
// retried; exhaustion surfaces as ErrStorage.
func (s *Store) execRetry(ctx context.Context, query string, args ...any) error {
	op := func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.retries))
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeta(row rowScanner) (RecordMeta, error) {
	var m RecordMeta
	var kind, status string
	if err := row.Scan(&m.RecordID, &m.UserID, &kind, &m.KeyVersion,
		&m.CreatedAt, &status, &m.SyncReason, &m.Quarantined); err != nil {
		return RecordMeta{}, fmt.Errorf("scan record meta: %w", err)
	}
	m.Kind = Kind(kind)
	m.SyncStatus = SyncStatus(status)
	return m, nil
}
