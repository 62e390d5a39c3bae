package domain

import "time"

// DropReason says why a fragment was excluded from analysis
type DropReason string

const (
	DropInvalid        DropReason = "invalid"
	DropNegativeMetric DropReason = "negative_metric"
	DropCDN            DropReason = "cdn"
)

// RunMetrics are resource observations taken during a run
type RunMetrics struct {
	CPUUtilization float64 `json:"cpu_utilization" yaml:"cpu_utilization"`
	MemoryPeakMB   float64 `json:"memory_peak_mb" yaml:"memory_peak_mb"`
	ThermalEvents  int     `json:"thermal_events" yaml:"thermal_events"`
}

// DreamReport summarizes one completed synthesis run
type DreamReport struct {
	ID                string                  `json:"id" yaml:"id"`
	StartedAt         time.Time               `json:"started_at" yaml:"started_at"`
	CompletedAt       time.Time               `json:"completed_at" yaml:"completed_at"`
	FragmentsReceived int                     `json:"fragments_received" yaml:"fragments_received"`
	FragmentsAnalyzed int                     `json:"fragments_analyzed" yaml:"fragments_analyzed"`
	FragmentsDropped  int                     `json:"fragments_dropped" yaml:"fragments_dropped"`
	DropReasons       map[DropReason]int      `json:"drop_reasons,omitempty" yaml:"drop_reasons,omitempty"`
	DomainsVectorized int                     `json:"domains_vectorized" yaml:"domains_vectorized"`
	ClustersFormed    int                     `json:"clusters_formed" yaml:"clusters_formed"`
	Signatures        []SurveillanceSignature `json:"signatures" yaml:"signatures"`
	Metrics           RunMetrics              `json:"metrics" yaml:"metrics"`
}

// Duration returns the wall time of the run
func (r *DreamReport) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}
