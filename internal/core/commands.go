package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Prashant7197/Work-Eye-Tracker/internal/control"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/privacy"
)

// Control plane command implementations. Commands run on the handler's
// single dispatch goroutine; anything long-running gets its own
// timeout so one slow command cannot wedge the plane.

const commandTimeout = 10 * time.Second

func (d *Daemon) controlCallbacks() control.Callbacks {
	return control.Callbacks{
		Login:         d.login,
		Logout:        d.logout,
		StartSession:  d.startSession,
		StopSession:   d.stopSession,
		GetStatus:     d.getStatus,
		GetSnapshot:   d.getSnapshot,
		GrantConsent:  d.grantConsent,
		RevokeConsent: d.revokeConsent,
		ExportData:    d.exportData,
		EraseData:     d.eraseData,
		RotateKey:     d.rotateKey,
		Shutdown:      d.shutdownViaControl,
	}
}

func (d *Daemon) login(username, password string) error {
	return d.authMgr.Authenticate(username, password)
}

func (d *Daemon) logout(username string) {
	slog.Info("user logged out", "username", username)
}

func (d *Daemon) startSession(username string) (map[string]any, error) {
	sess, err := d.pipeline.StartSession(username, time.Now())
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id": sess.ID,
		"user_id":    sess.UserID,
		"start_time": sess.StartTime.UTC().Format(time.RFC3339),
	}, nil
}

func (d *Daemon) stopSession() (map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	sess, err := d.pipeline.StopSession(ctx)
	if sess == nil {
		return nil, err
	}
	data := map[string]any{
		"session_id": sess.ID,
		"blinks":     len(sess.Blinks),
		"end_time":   sess.EndTime.UTC().Format(time.RFC3339),
	}
	return data, err
}

func (d *Daemon) getStatus() map[string]any {
	status := map[string]any{"health": d.HealthCheck()}
	if d.monitor != nil {
		status["system"] = d.monitor.Last()
	}
	return status
}

func (d *Daemon) getSnapshot() (map[string]any, error) {
	snap, err := d.pipeline.Snapshot(time.Now())
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id":        snap.SessionID,
		"user_id":           snap.UserID,
		"blinks_total":      snap.BlinksTotal,
		"elapsed_seconds":   snap.ElapsedSeconds,
		"blinks_per_minute": snap.BlinksPerMinute,
		"strain":            snap.Strain,
	}, nil
}

func (d *Daemon) grantConsent(username, purpose string) error {
	return d.setConsent(username, purpose, true)
}

func (d *Daemon) revokeConsent(username, purpose string) error {
	return d.setConsent(username, purpose, false)
}

func (d *Daemon) setConsent(username, purpose string, granted bool) error {
	p := privacy.Purpose(purpose)
	if !privacy.ValidPurpose(p) {
		return fmt.Errorf("unknown consent purpose %q", purpose)
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := d.store.AppendConsent(ctx, username, p, granted); err != nil {
		return err
	}
	slog.Info("consent updated", "username", username, "purpose", purpose, "granted", granted)
	return nil
}

func (d *Daemon) exportData(username string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	bundle, err := d.store.ExportUser(ctx, username)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("encode export bundle: %w", err)
	}
	slog.Info("data export produced", "username", username, "bytes", len(payload))
	return payload, nil
}

func (d *Daemon) eraseData(username string) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	// A live session for the user would re-create data after erasure.
	if d.pipeline.ActiveUser() == username {
		if _, err := d.pipeline.StopSession(ctx); err != nil {
			slog.Warn("session close before erasure", "username", username, "error", err)
		}
	}
	if err := d.store.EraseUser(ctx, username); err != nil {
		return err
	}
	slog.Info("user data erased", "username", username)
	return nil
}

func (d *Daemon) rotateKey() (uint32, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := d.store.RotateKeys(ctx); err != nil {
		return 0, err
	}
	version := d.store.KeyVersion()
	slog.Info("encryption key rotated", "key_version", version)
	return version, nil
}

func (d *Daemon) shutdownViaControl() error {
	d.mu.RLock()
	cancel := d.cancelCtx
	d.mu.RUnlock()
	if cancel == nil {
		return fmt.Errorf("service not running")
	}
	cancel()
	return nil
}
