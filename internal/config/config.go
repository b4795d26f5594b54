package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Prashant7197/Work-Eye-Tracker/internal/auth"
)

// Config represents the complete daemon configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // graceful shutdown timeout in seconds (default: 5)
	HealthPort       int             `yaml:"health_port"`        // 0 disables the HTTP health surface
	Sampling         SamplingConfig  `yaml:"sampling"`
	Detector         DetectorConfig  `yaml:"detector"`
	Session          SessionConfig   `yaml:"session"`
	Storage          StorageConfig   `yaml:"storage"`
	Sync             SyncConfig      `yaml:"sync"`
	Monitor          MonitorConfig   `yaml:"monitor"`
	Auth             AuthConfig      `yaml:"auth"`
	Simulator        SimulatorConfig `yaml:"simulator"`
}

// SamplingConfig contains sample intake settings
type SamplingConfig struct {
	RateHz            int `yaml:"rate_hz"`             // geometry samples per second
	SnapshotIntervalS int `yaml:"snapshot_interval_s"` // wellness snapshot cadence
	SnapshotQueueSize int `yaml:"snapshot_queue_size"` // bounded snapshot write queue
}

// DetectorConfig contains blink detection thresholds
type DetectorConfig struct {
	ClosedThreshold float64 `yaml:"closed_threshold"` // openness below this counts as closed
	OpenThreshold   float64 `yaml:"open_threshold"`   // openness above this counts as open
	MinClosedFrames int     `yaml:"min_closed_frames"`
}

// SessionConfig contains aggregation settings
type SessionConfig struct {
	WarmupS         int     `yaml:"warmup_s"`          // seconds before strain is classified
	NormalMinRate   float64 `yaml:"normal_min_rate"`   // blinks/min at or above → normal
	ModerateMinRate float64 `yaml:"moderate_min_rate"` // blinks/min at or above → moderate
}

// StorageConfig contains the encrypted store settings
type StorageConfig struct {
	Path          string `yaml:"path"`           // sqlite database file
	KeyringPath   string `yaml:"keyring_path"`   // master key file
	RetentionDays int    `yaml:"retention_days"` // records older than this are purged
	PurgeHourUTC  int    `yaml:"purge_hour_utc"` // daily purge hour, 0-23
}

// SyncConfig contains sync gate and broker settings
type SyncConfig struct {
	Enabled      bool            `yaml:"enabled"`
	Broker       string          `yaml:"broker"`
	IntervalS    int             `yaml:"interval_s"`
	BatchLimit   int             `yaml:"batch_limit"`
	RecordsTopic string          `yaml:"records_topic"`
	Topics       ControlTopics   `yaml:"topics"`
	QoS          map[string]byte `yaml:"qos"`
}

// ControlTopics contains control plane topic templates
type ControlTopics struct {
	Control   string `yaml:"control"`
	Responses string `yaml:"responses"`
}

// MonitorConfig contains system metrics settings
type MonitorConfig struct {
	Enabled   bool   `yaml:"enabled"`
	IntervalS int    `yaml:"interval_s"`
	DiskPath  string `yaml:"disk_path"`
	Owner     string `yaml:"owner"` // user the readings are attributed to
}

// AuthConfig contains operator accounts
type AuthConfig struct {
	Users []auth.User `yaml:"users"`
}

// SimulatorConfig contains the synthetic source settings
type SimulatorConfig struct {
	MinBlinkGapS   float64 `yaml:"min_blink_gap_s"`
	MaxBlinkGapS   float64 `yaml:"max_blink_gap_s"`
	BlinkFrames    int     `yaml:"blink_frames"`
	FaceLossChance float64 `yaml:"face_loss_chance"`
	Seed           int64   `yaml:"seed"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
