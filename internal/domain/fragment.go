package domain

import (
	"math"
	"slices"
	"strings"
	"time"

	perr "umbra/internal/errors"
)

// Protocol is the dominant transport protocol observed for a domain
type Protocol string

const (
	ProtocolH3      Protocol = "h3"
	ProtocolH2      Protocol = "h2"
	ProtocolHTTP1   Protocol = "http1"
	ProtocolUnknown Protocol = "unknown"
)

// ParseProtocol normalizes common spellings (ALPN ids, nextHopProtocol values)
func ParseProtocol(s string) Protocol {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "h3", "h3-29", "http/3", "quic":
		return ProtocolH3
	case "h2", "http/2", "http/2.0", "h2c":
		return ProtocolH2
	case "http1", "http/1.1", "http/1.0", "http/1", "http1.1":
		return ProtocolHTTP1
	default:
		return ProtocolUnknown
	}
}

// IsKnown reports whether the protocol is one of h3, h2 or http1
func (p Protocol) IsKnown() bool {
	return p == ProtocolH3 || p == ProtocolH2 || p == ProtocolHTTP1
}

// ResourceTiming is one sub-resource load observed on a page
type ResourceTiming struct {
	Name     string   `json:"name" yaml:"name"`
	Duration float64  `json:"duration" yaml:"duration"` // milliseconds
	Protocol Protocol `json:"protocol,omitempty" yaml:"protocol,omitempty"`
}

// MemoryFragment is an aggregated observation for one domain
type MemoryFragment struct {
	ID                string           `json:"id" yaml:"id"`
	Domain            string           `json:"domain" yaml:"domain"`
	Timestamp         time.Time        `json:"timestamp" yaml:"timestamp"`
	UpdatedAt         time.Time        `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
	Friction          float64          `json:"friction" yaml:"friction"`
	Latency           float64          `json:"latency" yaml:"latency"`
	Trackers          []string         `json:"trackers,omitempty" yaml:"trackers,omitempty"`
	HiddenElements    []string         `json:"hidden_elements,omitempty" yaml:"hidden_elements,omitempty"`
	ProtocolSignature Protocol         `json:"protocol_signature" yaml:"protocol_signature"`
	ResourceTimings   []ResourceTiming `json:"resource_timings,omitempty" yaml:"resource_timings,omitempty"`
	Samples           int              `json:"samples,omitempty" yaml:"samples,omitempty"`
}

// Validate checks the fields a fragment needs before vectorization
func (f *MemoryFragment) Validate() error {
	if f == nil {
		return perr.InvalidArgf("fragment is nil")
	}
	if strings.TrimSpace(f.Domain) == "" {
		return perr.InvalidArgf("fragment %s: missing domain", f.ID)
	}
	if f.Timestamp.IsZero() {
		return perr.InvalidArgf("fragment %s: missing timestamp", f.ID)
	}
	if !finite(f.Friction) || !finite(f.Latency) {
		return perr.InvalidArgf("fragment %s: non-finite metric", f.ID)
	}
	if f.Friction < 0 || f.Latency < 0 {
		return perr.InvalidArgf("fragment %s: negative metric", f.ID)
	}
	for _, rt := range f.ResourceTimings {
		if !finite(rt.Duration) || rt.Duration < 0 {
			return perr.InvalidArgf("fragment %s: bad resource timing %q", f.ID, rt.Name)
		}
	}
	return nil
}

// HasNegativeMetric reports whether friction or latency is below zero
func (f *MemoryFragment) HasNegativeMetric() bool {
	return f.Friction < 0 || f.Latency < 0
}

// ObservedAt is the time of the latest observation merged into the fragment
func (f *MemoryFragment) ObservedAt() time.Time {
	if f.UpdatedAt.After(f.Timestamp) {
		return f.UpdatedAt
	}
	return f.Timestamp
}

// TrackerSet returns the sorted, de-duplicated tracker ids
func (f *MemoryFragment) TrackerSet() []string {
	return NormalizeSet(f.Trackers)
}

// ResourceNames returns the distinct resource URLs of the fragment
func (f *MemoryFragment) ResourceNames() []string {
	names := make([]string, 0, len(f.ResourceTimings))
	for _, rt := range f.ResourceTimings {
		names = append(names, rt.Name)
	}
	return NormalizeSet(names)
}

// Clone returns a deep copy
func (f MemoryFragment) Clone() MemoryFragment {
	f.Trackers = slices.Clone(f.Trackers)
	f.HiddenElements = slices.Clone(f.HiddenElements)
	f.ResourceTimings = slices.Clone(f.ResourceTimings)
	return f
}

// NormalizeSet trims, drops empties, sorts and de-duplicates
func NormalizeSet(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
