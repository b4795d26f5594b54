package privacy

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Sync-status bookkeeping used by the sync gate. Transitions are single
// UPDATE statements, so a record is never left in an ambiguous status:
// it is marked synced only after the remote acknowledged it.

// SyncRecord is the ciphertext unit handed to the remote endpoint. The
// envelope stays opaque; only routing metadata is visible.
type SyncRecord struct {
	RecordID  string
	UserID    string
	Kind      Kind
	Envelope  []byte
	CreatedAt time.Time
}

// EnqueueRecord marks a record pending for sync. Enqueuing an already
// synced record is a no-op; an unknown record is ErrNotFound.
func (s *Store) EnqueueRecord(ctx context.Context, recordID string) error {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT sync_status FROM records WHERE record_id = ?`, recordID).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("record %q: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("query sync status: %w", err)
	}
	if SyncStatus(status) == StatusSynced {
		return nil
	}

	return s.execRetry(ctx,
		`UPDATE records SET sync_status = ?, sync_reason = '' WHERE record_id = ?`,
		string(StatusPending), recordID)
}

// SyncCandidates returns records eligible for an upload attempt: pending,
// or failed with a retryable reason, and not quarantined. Consent gating
// happens in the sync gate, which owns that policy.
func (s *Store) SyncCandidates(ctx context.Context, limit int) ([]SyncRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, user_id, kind, ciphertext, created_at FROM records
		WHERE quarantined = 0
		  AND (sync_status = ? OR (sync_status = ? AND sync_reason != ?))
		ORDER BY created_at ASC LIMIT ?`,
		string(StatusPending), string(StatusFailed), ReasonPermanentRejection, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync candidates: %w", err)
	}
	defer rows.Close()

	var candidates []SyncRecord
	for rows.Next() {
		var r SyncRecord
		var kind string
		if err := rows.Scan(&r.RecordID, &r.UserID, &kind, &r.Envelope, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sync candidate: %w", err)
		}
		r.Kind = Kind(kind)
		candidates = append(candidates, r)
	}
	return candidates, rows.Err()
}

// MarkSynced records remote acknowledgement for one record.
func (s *Store) MarkSynced(ctx context.Context, recordID string) error {
	return s.execRetry(ctx,
		`UPDATE records SET sync_status = ?, sync_reason = '' WHERE record_id = ?`,
		string(StatusSynced), recordID)
}

// MarkSyncFailed records a failed attempt with its reason. Anything but
// ReasonPermanentRejection stays retry-eligible.
func (s *Store) MarkSyncFailed(ctx context.Context, recordID, reason string) error {
	return s.execRetry(ctx,
		`UPDATE records SET sync_status = ?, sync_reason = ? WHERE record_id = ?`,
		string(StatusFailed), reason, recordID)
}

// AppendSyncLog records the outcome of one sync pass.
func (s *Store) AppendSyncLog(ctx context.Context, attempted, succeeded, failed int, errMsg string) error {
	return s.execRetry(ctx, `
		INSERT INTO sync_log (sync_time, attempted, succeeded, failed, error)
		VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC(), attempted, succeeded, failed, errMsg)
}
