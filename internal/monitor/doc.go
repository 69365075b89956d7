// Package monitor contains the synchronization engine core: one
// Scheduler per monitored station owning its cadence and backoff
// state machine, and the Orchestrator driving every scheduler
// concurrently on a fixed tick without letting one station's fault
// stop the others.
package monitor
