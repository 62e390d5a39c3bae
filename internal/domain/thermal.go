package domain

import "time"

// ThermalState is the coarse resource pressure level
type ThermalState int

const (
	ThermalNominal ThermalState = iota
	ThermalFair
	ThermalHigh
	ThermalCritical
)

var thermalNames = [...]string{"nominal", "fair", "high", "critical"}

// String returns the level name
func (s ThermalState) String() string {
	if s < 0 || int(s) >= len(thermalNames) {
		return "unknown"
	}
	return thermalNames[s]
}

// MarshalText encodes the level by name
func (s ThermalState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a level name
func (s *ThermalState) UnmarshalText(b []byte) error {
	for i, n := range thermalNames {
		if n == string(b) {
			*s = ThermalState(i)
			return nil
		}
	}
	*s = ThermalNominal
	return nil
}

// Hot reports whether the level requires throttling
func (s ThermalState) Hot() bool {
	return s >= ThermalHigh
}

// ThermalStatus is one thermal reading
type ThermalStatus struct {
	State          ThermalState  `json:"state"`
	CPUUtilization float64       `json:"cpu_utilization"`
	MemoryMB       float64       `json:"memory_mb"`
	TaskLatencyMs  float64       `json:"task_latency_ms"`
	Throttling     bool          `json:"throttling"`
	CoolingDelay   time.Duration `json:"cooling_delay"`
	ConsecutiveHot int           `json:"consecutive_hot"`
	MeasuredAt     time.Time     `json:"measured_at"`
}
