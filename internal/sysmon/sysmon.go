// Package sysmon samples host resource usage on an interval and
// persists the readings. Metrics are attributed to the device owner;
// without the owner's performance-monitoring consent the readings are
// measured but not stored.
package sysmon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/Prashant7197/Work-Eye-Tracker/internal/privacy"
	"github.com/Prashant7197/Work-Eye-Tracker/internal/types"
)

// Store persists metric readings. *privacy.Store satisfies it.
type Store interface {
	PutMetrics(ctx context.Context, m types.SystemMetrics) (string, error)
}

// Config controls the monitor.
type Config struct {
	Interval time.Duration
	DiskPath string // mount point to report usage for
	Owner    string // user the readings are attributed to
}

// Validate fills defaults.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.DiskPath == "" {
		c.DiskPath = "/"
	}
	if c.Owner == "" {
		return fmt.Errorf("metrics owner user is required")
	}
	return nil
}

// Stats contains monitor counters.
type Stats struct {
	Readings    uint64
	Stored      uint64
	ReadErrors  uint64
	StoreErrors uint64
	Last        types.SystemMetrics
}

// Monitor samples and persists host metrics.
type Monitor struct {
	cfg   Config
	store Store

	// onStored, when set, receives each persisted record ID.
	onStored func(recordID string)

	mu    sync.RWMutex
	stats Stats
}

// New creates a monitor. onStored may be nil.
func New(cfg Config, store Store, onStored func(recordID string)) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{cfg: cfg, store: store, onStored: onStored}, nil
}

// Run samples on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("system monitor running",
		"interval", m.cfg.Interval, "disk_path", m.cfg.DiskPath, "owner", m.cfg.Owner)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("system monitor stopped")
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

// Last returns the most recent reading.
func (m *Monitor) Last() types.SystemMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats.Last
}

// Stats returns a snapshot of monitor counters.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Monitor) sample(ctx context.Context) {
	reading, err := m.read(ctx)
	if err != nil {
		m.mu.Lock()
		m.stats.ReadErrors++
		m.mu.Unlock()
		slog.Warn("system metrics read failed", "error", err)
		return
	}

	m.mu.Lock()
	m.stats.Readings++
	m.stats.Last = reading
	m.mu.Unlock()

	recordID, err := m.store.PutMetrics(ctx, reading)
	if err != nil {
		m.mu.Lock()
		m.stats.StoreErrors++
		m.mu.Unlock()
		if errors.Is(err, privacy.ErrConsentRequired) {
			slog.Debug("metrics not persisted, consent missing", "owner", m.cfg.Owner)
			return
		}
		slog.Error("metrics write failed", "error", err)
		return
	}

	m.mu.Lock()
	m.stats.Stored++
	m.mu.Unlock()
	if m.onStored != nil {
		m.onStored(recordID)
	}
}

func (m *Monitor) read(ctx context.Context) (types.SystemMetrics, error) {
	reading := types.SystemMetrics{
		UserID:    m.cfg.Owner,
		Timestamp: time.Now().UTC(),
	}

	// Non-blocking read over the interval already elapsed; interval=0
	// reports usage since the previous call.
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return reading, fmt.Errorf("cpu: %w", err)
	}
	if len(cpuPercents) > 0 {
		reading.CPUPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return reading, fmt.Errorf("memory: %w", err)
	}
	reading.MemoryPercent = vm.UsedPercent
	reading.MemoryUsedMB = float64(vm.Used) / (1024 * 1024)

	du, err := disk.UsageWithContext(ctx, m.cfg.DiskPath)
	if err != nil {
		return reading, fmt.Errorf("disk: %w", err)
	}
	reading.DiskPercent = du.UsedPercent

	return reading, nil
}
