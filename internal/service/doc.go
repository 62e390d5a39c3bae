// Package service runs synthesis and coordinates the components around it.
//
// # Processor
//
// Processor.PerformSynthesis takes one batch of memory fragments through
// validation, vectorization, clustering and promotion, and commits the
// resulting DreamReport in one store transaction. At most one run is active
// at a time and runs are spaced by a minimum interval. Each run registers a
// cancel handle with the thermal controller and checks for cancellation
// and cooling at regular checkpoints.
//
// # Scheduling
//
// Dreamer implements Trigger: it pulls pending fragments from the
// collector, runs the processor and retires the analyzed fragments.
// Scheduler polls an IdleDetector and fires the trigger once the host is
// idle and the interval gate is open. The HTTP API fires the same trigger
// on demand.
//
// # Event System
//
// The processor and the thermal controller publish notifications via
// EventBus. Publishing never blocks; slow subscribers miss notifications.
// The SSE hub is the usual subscriber.
package service
