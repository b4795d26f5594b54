// Package core wires the daemon together: geometry source, measurement
// pipeline, encrypted store, sync gate, MQTT control plane and system
// monitor, with one place owning startup and teardown order.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Prashant7197/Work-Eye-Tracker/internal/auth"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/config"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/control"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/detector"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/keyring"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/privacy"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/sampler"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/session"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/source"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/syncer"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/sysmon"
)

// Daemon is the service orchestrator.
type Daemon struct {
	cfg *config.Config

	store    *privacy.Store
	src      source.Source
	pipeline *sampler.Pipeline
	gate     *syncer.Gate
	remote   *syncer.MQTTRemote
	handler  *control.Handler
	authMgr  *auth.Manager
	monitor  *sysmon.Monitor

	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc // for control plane shutdown command
}

// NewDaemon loads configuration and builds all components up to, but
// not including, anything that touches the network or the disk.
func NewDaemon(configPath string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"sync_enabled", cfg.Sync.Enabled,
		"monitor_enabled", cfg.Monitor.Enabled,
	)

	authMgr, err := auth.NewManager(cfg.Auth.Users)
	if err != nil {
		return nil, fmt.Errorf("failed to build auth manager: %w", err)
	}

	return &Daemon{cfg: cfg, authMgr: authMgr}, nil
}

// ShutdownTimeout returns the configured graceful shutdown budget.
func (d *Daemon) ShutdownTimeout() time.Duration {
	return time.Duration(d.cfg.ShutdownTimeoutS) * time.Second
}

// HealthPort returns the configured health server port, 0 when disabled.
func (d *Daemon) HealthPort() int {
	return d.cfg.HealthPort
}

// Run starts every component and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.isRunning {
		d.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	d.isRunning = true
	d.started = time.Now()
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	d.cancelCtx = cancel
	d.mu.Unlock()

	slog.Info("wellness daemon starting", "instance_id", d.cfg.InstanceID)

	// Encrypted store first; everything downstream persists through it.
	for _, p := range []string{d.cfg.Storage.Path, d.cfg.Storage.KeyringPath} {
		if dir := filepath.Dir(p); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("failed to create storage directory %q: %w", dir, err)
			}
		}
	}
	ring, err := keyring.LoadOrGenerate(d.cfg.Storage.KeyringPath)
	if err != nil {
		return fmt.Errorf("failed to load keyring: %w", err)
	}
	store, err := privacy.Open(d.cfg.Storage.Path, ring, privacy.Options{
		Retention:   time.Duration(d.cfg.Storage.RetentionDays) * 24 * time.Hour,
		KeyringPath: d.cfg.Storage.KeyringPath,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	d.store = store
	slog.Info("encrypted store open",
		"path", d.cfg.Storage.Path,
		"key_version", store.KeyVersion(),
		"retention_days", d.cfg.Storage.RetentionDays,
	)

	// Broker connection is shared by the sync gate and control plane.
	if d.cfg.Sync.Broker != "" {
		remote, err := syncer.NewMQTTRemote(syncer.MQTTConfig{
			Broker:       d.cfg.Sync.Broker,
			ClientID:     d.cfg.InstanceID,
			RecordsTopic: d.cfg.Sync.RecordsTopic,
			QoS:          d.cfg.Sync.QoS["records"],
		})
		if err != nil {
			return fmt.Errorf("failed to build sync remote: %w", err)
		}
		if err := remote.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect broker: %w", err)
		}
		d.remote = remote
	}

	var onStored func(string)
	if d.cfg.Sync.Enabled && d.remote != nil {
		gate, err := syncer.New(syncer.Config{
			Interval:   time.Duration(d.cfg.Sync.IntervalS) * time.Second,
			BatchLimit: d.cfg.Sync.BatchLimit,
		}, store, d.remote)
		if err != nil {
			return fmt.Errorf("failed to build sync gate: %w", err)
		}
		d.gate = gate
		onStored = func(recordID string) {
			if err := gate.Enqueue(ctx, recordID); err != nil {
				slog.Warn("sync enqueue failed", "record_id", recordID, "error", err)
			}
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			gate.Run(ctx)
		}()
	}

	// Measurement path: simulated source → detector → aggregator.
	sim, err := source.NewSimulator(source.SimulatorConfig{
		SampleRateHz:   d.cfg.Sampling.RateHz,
		MinBlinkGap:    time.Duration(d.cfg.Simulator.MinBlinkGapS * float64(time.Second)),
		MaxBlinkGap:    time.Duration(d.cfg.Simulator.MaxBlinkGapS * float64(time.Second)),
		BlinkFrames:    d.cfg.Simulator.BlinkFrames,
		FaceLossChance: d.cfg.Simulator.FaceLossChance,
		Seed:           d.cfg.Simulator.Seed,
	})
	if err != nil {
		return fmt.Errorf("failed to build geometry source: %w", err)
	}
	d.src = sim

	det := detector.New(detector.Config{
		ClosedThreshold: d.cfg.Detector.ClosedThreshold,
		OpenThreshold:   d.cfg.Detector.OpenThreshold,
		MinClosedFrames: d.cfg.Detector.MinClosedFrames,
	})
	agg := session.New(session.Config{
		Warmup:          time.Duration(d.cfg.Session.WarmupS) * time.Second,
		NormalMinRate:   d.cfg.Session.NormalMinRate,
		ModerateMinRate: d.cfg.Session.ModerateMinRate,
	})

	pipeline, err := sampler.New(sampler.Config{
		SnapshotInterval:  time.Duration(d.cfg.Sampling.SnapshotIntervalS) * time.Second,
		SnapshotQueueSize: d.cfg.Sampling.SnapshotQueueSize,
	}, d.src, det, agg, store, onStored)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	d.pipeline = pipeline

	if err := pipeline.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	if err := d.src.Start(ctx); err != nil {
		return fmt.Errorf("failed to start geometry source: %w", err)
	}

	// Control plane rides the broker connection when one exists.
	if d.remote != nil {
		d.handler = control.NewHandler(control.Config{
			CommandTopic:  d.cfg.Sync.Topics.Control,
			ResponseTopic: d.cfg.Sync.Topics.Responses,
			QoS:           d.cfg.Sync.QoS["control"],
		}, d.remote.Client(), d.controlCallbacks())
		if err := d.handler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
	}

	if d.cfg.Monitor.Enabled {
		monitor, err := sysmon.New(sysmon.Config{
			Interval: time.Duration(d.cfg.Monitor.IntervalS) * time.Second,
			DiskPath: d.cfg.Monitor.DiskPath,
			Owner:    d.cfg.Monitor.Owner,
		}, store, onStored)
		if err != nil {
			return fmt.Errorf("failed to build system monitor: %w", err)
		}
		d.monitor = monitor
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			monitor.Run(ctx)
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.purgeLoop(ctx)
	}()

	slog.Info("wellness daemon running",
		"sample_rate_hz", d.cfg.Sampling.RateHz,
		"control_plane", d.handler != nil,
	)

	<-ctx.Done()
	slog.Info("wellness daemon run loop exiting")
	return nil
}

// Shutdown tears components down in dependency order: stop the sample
// flow, flush the pipeline, then the control plane, then background
// loops, then the broker and the store.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancelCtx
	d.mu.Unlock()

	slog.Info("shutting down wellness daemon")

	if cancel != nil {
		cancel()
	}

	if d.src != nil {
		slog.Info("stopping geometry source")
		if err := d.src.Stop(); err != nil {
			slog.Error("failed to stop geometry source", "error", err)
		}
	}

	if d.pipeline != nil {
		slog.Info("stopping pipeline")
		if err := d.pipeline.Stop(ctx); err != nil {
			slog.Error("failed to stop pipeline", "error", err)
		}
	}

	if d.handler != nil {
		slog.Info("stopping control handler")
		if err := d.handler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	slog.Info("waiting for goroutines to finish")
	d.wg.Wait()
	slog.Info("all goroutines finished")

	if d.remote != nil {
		d.remote.Disconnect()
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}

	d.mu.Lock()
	uptime := time.Since(d.started)
	d.isRunning = false
	d.mu.Unlock()

	slog.Info("wellness daemon shutdown complete", "uptime", uptime)
	return nil
}

// purgeLoop enforces retention once at startup and then daily at the
// configured UTC hour.
func (d *Daemon) purgeLoop(ctx context.Context) {
	d.purgeExpired(ctx)

	for {
		timer := time.NewTimer(untilNextHourUTC(time.Now().UTC(), d.cfg.Storage.PurgeHourUTC))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			d.purgeExpired(ctx)
		}
	}
}

func (d *Daemon) purgeExpired(ctx context.Context) {
	purged, err := d.store.PurgeExpired(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("retention purge failed", "error", err)
		return
	}
	if purged > 0 {
		slog.Info("retention purge complete", "purged", purged)
	}
}

// untilNextHourUTC returns the duration until the next occurrence of
// the given UTC hour, at least one minute away.
func untilNextHourUTC(now time.Time, hour int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	for !next.After(now.Add(time.Minute)) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
