package types

import "time"

// Health is returned by the health endpoint.
type Health struct {
	Status    string        `json:"status"` // healthy, degraded
	Timestamp time.Time     `json:"timestamp"`
	Process   ProcessHealth `json:"process"`
	Probes    []string      `json:"probes"`
	Cache     string        `json:"cache"` // enabled, disabled, unreachable
}

// ProcessHealth contains diagnoser runtime metrics.
type ProcessHealth struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}
