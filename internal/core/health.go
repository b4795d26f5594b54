package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Prashant7197/Work-Eye-Tracker/internal/sampler"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/source"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/syncer"
)

// HealthStatus represents the health state of the daemon
type HealthStatus struct {
	Status          string        `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds   int64         `json:"uptime_seconds"`
	SourceRunning   bool          `json:"source_running"`
	BrokerConnected bool          `json:"broker_connected"`
	ActiveSession   bool          `json:"active_session"`
	KeyVersion      uint32        `json:"key_version"`
	StoredRecords   int           `json:"stored_records"`
	Pipeline        sampler.Stats `json:"pipeline"`
	Source          source.Stats  `json:"source"`
	Sync            *syncer.Stats `json:"sync,omitempty"`
}

// HealthCheck returns the current health status of the daemon
func (d *Daemon) HealthCheck() HealthStatus {
	d.mu.RLock()
	running := d.isRunning
	started := d.started
	d.mu.RUnlock()

	status := HealthStatus{Status: "healthy"}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}

	if d.src != nil {
		status.Source = d.src.Stats()
		status.SourceRunning = status.Source.IsRunning
	}
	if d.pipeline != nil {
		status.Pipeline = d.pipeline.Stats()
		status.ActiveSession = d.pipeline.ActiveUser() != ""
	}
	if d.store != nil {
		status.KeyVersion = d.store.KeyVersion()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if n, err := d.store.CountRecords(ctx); err == nil {
			status.StoredRecords = n
		}
		cancel()
	}
	if d.remote != nil {
		status.BrokerConnected = d.remote.Stats().Connected
	}
	if d.gate != nil {
		s := d.gate.Stats()
		status.Sync = &s
	}

	if !running {
		status.Status = "unhealthy"
	} else if !status.SourceRunning || (d.remote != nil && !status.BrokerConnected) {
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health (simple liveness check)
func (d *Daemon) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	d.mu.RLock()
	started := d.started
	d.mu.RUnlock()

	response := map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler handles /readiness (detailed readiness check)
func (d *Daemon) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := d.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// StartHealthServer starts the HTTP health check server on the given
// port. Non-blocking.
func (d *Daemon) StartHealthServer(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.LivenessHandler)
	mux.HandleFunc("/readiness", d.ReadinessHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health check server",
		"port", port,
		"endpoints", []string{"/health", "/readiness"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()

	return nil
}
