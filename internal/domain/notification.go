package domain

import "time"

// NotificationKind names a notification variant on the wire
type NotificationKind string

const (
	KindDiscovery    NotificationKind = "discovery"
	KindThermalAlert NotificationKind = "thermal_alert"
	KindRunCompleted NotificationKind = "run_completed"
)

// Notification is implemented only by the variants in this file
type Notification interface {
	Kind() NotificationKind
	notification()
}

// DiscoveryEvent announces a new or refreshed surveillance signature
type DiscoveryEvent struct {
	SignatureID string    `json:"signature_id"`
	Domains     []string  `json:"domains"`
	DomainCount int       `json:"domain_count"`
	Confidence  float64   `json:"confidence"`
	Impact      float64   `json:"impact"`
	At          time.Time `json:"at"`
}

// ThermalAlert is raised when the thermal controller declares an emergency
type ThermalAlert struct {
	State          ThermalState `json:"state"`
	CPUUtilization float64      `json:"cpu_utilization"`
	MemoryMB       float64      `json:"memory_mb"`
	Reason         string       `json:"reason"`
	At             time.Time    `json:"at"`
}

// RunCompleted is emitted after a report has been persisted
type RunCompleted struct {
	ReportID          string        `json:"report_id"`
	FragmentsAnalyzed int           `json:"fragments_analyzed"`
	Signatures        int           `json:"signatures"`
	Duration          time.Duration `json:"duration"`
	At                time.Time     `json:"at"`
}

func (DiscoveryEvent) Kind() NotificationKind { return KindDiscovery }
func (ThermalAlert) Kind() NotificationKind   { return KindThermalAlert }
func (RunCompleted) Kind() NotificationKind   { return KindRunCompleted }

func (DiscoveryEvent) notification() {}
func (ThermalAlert) notification()   {}
func (RunCompleted) notification()   {}

// Envelope is the wire form of a notification
type Envelope struct {
	Type    NotificationKind `json:"type"`
	Payload Notification     `json:"payload"`
}

// Wrap puts a notification in its envelope
func Wrap(n Notification) Envelope {
	return Envelope{Type: n.Kind(), Payload: n}
}
