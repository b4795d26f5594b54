package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	// Sampling
	if cfg.Sampling.RateHz <= 0 {
		cfg.Sampling.RateHz = 30
	}
	if cfg.Sampling.SnapshotIntervalS <= 0 {
		cfg.Sampling.SnapshotIntervalS = 60
	}
	if cfg.Sampling.SnapshotQueueSize <= 0 {
		cfg.Sampling.SnapshotQueueSize = 16
	}

	// Detector thresholds. The hysteresis band needs closed < open.
	if cfg.Detector.ClosedThreshold == 0 {
		cfg.Detector.ClosedThreshold = 0.2
	}
	if cfg.Detector.OpenThreshold == 0 {
		cfg.Detector.OpenThreshold = 0.6
	}
	if cfg.Detector.MinClosedFrames <= 0 {
		cfg.Detector.MinClosedFrames = 5
	}
	if cfg.Detector.ClosedThreshold >= cfg.Detector.OpenThreshold {
		return fmt.Errorf("detector.closed_threshold must be < detector.open_threshold")
	}
	if cfg.Detector.ClosedThreshold < 0 || cfg.Detector.OpenThreshold > 1 {
		return fmt.Errorf("detector thresholds must lie within [0,1]")
	}

	// Session
	if cfg.Session.WarmupS <= 0 {
		cfg.Session.WarmupS = 30
	}
	if cfg.Session.NormalMinRate == 0 {
		cfg.Session.NormalMinRate = 15
	}
	if cfg.Session.ModerateMinRate == 0 {
		cfg.Session.ModerateMinRate = 10
	}
	if cfg.Session.ModerateMinRate >= cfg.Session.NormalMinRate {
		return fmt.Errorf("session.moderate_min_rate must be < session.normal_min_rate")
	}

	// Storage
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if cfg.Storage.KeyringPath == "" {
		return fmt.Errorf("storage.keyring_path is required")
	}
	if cfg.Storage.RetentionDays <= 0 {
		cfg.Storage.RetentionDays = 30
	}
	if cfg.Storage.PurgeHourUTC < 0 || cfg.Storage.PurgeHourUTC > 23 {
		return fmt.Errorf("storage.purge_hour_utc must be 0-23")
	}

	// Sync and control plane share the broker connection.
	if cfg.Sync.Enabled && cfg.Sync.Broker == "" {
		return fmt.Errorf("sync.broker is required when sync is enabled")
	}
	if cfg.Sync.IntervalS <= 0 {
		cfg.Sync.IntervalS = 300
	}
	if cfg.Sync.BatchLimit <= 0 {
		cfg.Sync.BatchLimit = 100
	}
	if cfg.Sync.RecordsTopic == "" {
		cfg.Sync.RecordsTopic = fmt.Sprintf("wellness/records/%s", cfg.InstanceID)
	}
	if cfg.Sync.Topics.Control == "" {
		cfg.Sync.Topics.Control = fmt.Sprintf("wellness/control/%s", cfg.InstanceID)
	}
	if cfg.Sync.Topics.Responses == "" {
		cfg.Sync.Topics.Responses = fmt.Sprintf("wellness/responses/%s", cfg.InstanceID)
	}
	if cfg.Sync.QoS == nil {
		cfg.Sync.QoS = map[string]byte{
			"control":   1,
			"responses": 0,
			"records":   1,
		}
	}

	// Monitor
	if cfg.Monitor.IntervalS <= 0 {
		cfg.Monitor.IntervalS = 60
	}
	if cfg.Monitor.DiskPath == "" {
		cfg.Monitor.DiskPath = "/"
	}
	if cfg.Monitor.Enabled && cfg.Monitor.Owner == "" {
		return fmt.Errorf("monitor.owner is required when the monitor is enabled")
	}

	// Simulator
	if cfg.Simulator.MinBlinkGapS <= 0 {
		cfg.Simulator.MinBlinkGapS = 3
	}
	if cfg.Simulator.MaxBlinkGapS < cfg.Simulator.MinBlinkGapS {
		cfg.Simulator.MaxBlinkGapS = cfg.Simulator.MinBlinkGapS + 5
	}
	if cfg.Simulator.BlinkFrames <= 0 {
		cfg.Simulator.BlinkFrames = cfg.Detector.MinClosedFrames + 1
	}
	if cfg.Simulator.FaceLossChance < 0 || cfg.Simulator.FaceLossChance >= 1 {
		return fmt.Errorf("simulator.face_loss_chance must lie within [0,1)")
	}

	return nil
}
