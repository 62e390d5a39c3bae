package domain

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// signatureNamespace scopes UUIDv5 signature ids
var signatureNamespace = uuid.MustParse("7c1f3a52-1d0e-4c53-9b0e-5f2d8e7a6b41")

// Infrastructure describes what the domains of a signature have in common
type Infrastructure struct {
	TrackerFingerprint  []string `json:"tracker_fingerprint" yaml:"tracker_fingerprint"`
	ProtocolConsistency float64  `json:"protocol_consistency" yaml:"protocol_consistency"`
	DominantProtocol    Protocol `json:"dominant_protocol" yaml:"dominant_protocol"`
}

// SurveillanceSignature is a promoted cross-domain correlation
type SurveillanceSignature struct {
	ID             string         `json:"id" yaml:"id"`
	Domains        []string       `json:"domains" yaml:"domains"`
	Confidence     float64        `json:"confidence" yaml:"confidence"`
	Infrastructure Infrastructure `json:"infrastructure" yaml:"infrastructure"`
	Impact         float64        `json:"impact" yaml:"impact"`
	DiscoveredAt   time.Time      `json:"discovered_at" yaml:"discovered_at"`
	LastSeen       time.Time      `json:"last_seen" yaml:"last_seen"`
}

// SignatureID derives a stable id from the member domains, so rediscovering
// the same set of domains refers to the same signature
func SignatureID(domains []string) string {
	sorted := slices.Clone(domains)
	slices.Sort(sorted)
	return uuid.NewSHA1(signatureNamespace, []byte(strings.Join(sorted, "\n"))).String()
}

// Rediscovered reports whether the signature was already known before the
// run that last saw it. Stores keep the first DiscoveredAt on upsert.
func (s SurveillanceSignature) Rediscovered() bool {
	return s.DiscoveredAt.Before(s.LastSeen)
}

// Clone returns a deep copy
func (s SurveillanceSignature) Clone() SurveillanceSignature {
	s.Domains = slices.Clone(s.Domains)
	s.Infrastructure.TrackerFingerprint = slices.Clone(s.Infrastructure.TrackerFingerprint)
	return s
}
