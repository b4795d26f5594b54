package types

import "time"

// SystemMetrics is one host resource reading, attributed to the device
// owner for consent purposes.
type SystemMetrics struct {
	UserID        string    `json:"user_id" msgpack:"user_id"`
	Timestamp     time.Time `json:"timestamp" msgpack:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent" msgpack:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent" msgpack:"memory_percent"`
	MemoryUsedMB  float64   `json:"memory_used_mb" msgpack:"memory_used_mb"`
	DiskPercent   float64   `json:"disk_percent" msgpack:"disk_percent"`
}
