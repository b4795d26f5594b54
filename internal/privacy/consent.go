package privacy

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Purpose identifies what a consent grant covers. The list mirrors the
// consent surface the application exposes to users.
type Purpose string

const (
	PurposeDataCollection        Purpose = "data_collection"
	PurposeDataProcessing        Purpose = "data_processing"
	PurposeDataStorage           Purpose = "data_storage"
	PurposeAnalytics             Purpose = "analytics"
	PurposePerformanceMonitoring Purpose = "performance_monitoring"
	PurposeSync                  Purpose = "sync"
)

// Purposes lists every purpose the ledger accepts.
var Purposes = []Purpose{
	PurposeDataCollection,
	PurposeDataProcessing,
	PurposeDataStorage,
	PurposeAnalytics,
	PurposePerformanceMonitoring,
	PurposeSync,
}

// ValidPurpose reports whether p is a known consent purpose.
func ValidPurpose(p Purpose) bool {
	for _, known := range Purposes {
		if p == known {
			return true
		}
	}
	return false
}

// ConsentRecord is one entry in the append-only consent ledger.
type ConsentRecord struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Purpose   Purpose   `json:"purpose"`
	Granted   bool      `json:"granted"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendConsent records a grant or revocation. The ledger is never
// mutated in place: revocation appends a new row and the effective state
// is always the most recent row per (user, purpose).
func (s *Store) AppendConsent(ctx context.Context, userID string, purpose Purpose, granted bool) error {
	if !ValidPurpose(purpose) {
		return fmt.Errorf("unknown consent purpose %q", purpose)
	}

	err := s.execRetry(ctx, `
		INSERT INTO consents (user_id, purpose, granted, created_at)
		VALUES (?, ?, ?, ?)`,
		userID, string(purpose), granted, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append consent: %w", err)
	}
	return nil
}

// EffectiveConsent reports whether the latest ledger entry for the
// (user, purpose) pair is a grant. No entry means no consent.
func (s *Store) EffectiveConsent(ctx context.Context, userID string, purpose Purpose) (bool, error) {
	var granted bool
	err := s.db.QueryRowContext(ctx, `
		SELECT granted FROM consents
		WHERE user_id = ? AND purpose = ?
		ORDER BY id DESC LIMIT 1`,
		userID, string(purpose)).Scan(&granted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query consent: %w", err)
	}
	return granted, nil
}

// ConsentHistory returns the full ledger for a user, oldest first.
func (s *Store) ConsentHistory(ctx context.Context, userID string) ([]ConsentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, purpose, granted, created_at FROM consents
		WHERE user_id = ? ORDER BY id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query consent history: %w", err)
	}
	defer rows.Close()

	var history []ConsentRecord
	for rows.Next() {
		var r ConsentRecord
		var purpose string
		if err := rows.Scan(&r.ID, &r.UserID, &purpose, &r.Granted, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan consent row: %w", err)
		}
		r.Purpose = Purpose(purpose)
		history = append(history, r)
	}
	return history, rows.Err()
}
