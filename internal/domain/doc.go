// Package domain defines the core types of the umbra correlation engine.
//
// # Observations
//
// MemoryFragment is one aggregated observation of a single domain: page
// friction, network latency, trackers seen, hidden elements and resource
// timings. Fragments are merged per domain inside a short aggregation window
// by the collector and consumed in batches by the synthesis processor.
//
// # Analysis
//
// SignatureVector is the fixed-size, L2-normalized behavioral embedding of a
// fragment. SurveillanceSignature is a promoted cluster of distinct domains
// believed to share hidden tracking infrastructure, and DreamReport is the
// immutable summary of one synthesis run.
//
// # Notifications
//
// Notification is a closed set of event kinds (DiscoveryEvent, ThermalAlert,
// RunCompleted) delivered fire-and-forget to subscribers.
//
// # Design Principles
//
// - Value types, no storage or transport dependencies
// - Validation lives next to the type it guards
package domain
