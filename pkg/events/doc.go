// Package events implements the bounded, per-Run fan-out queue the
// Container Supervisor (pkg/supervisor) uses to broadcast Token, Frame,
// Log, Event, and RunResult frames to every subscriber bound to one
// execution id, with a drop-Token-when-full backpressure policy and
// per-subscriber failure isolation.
package events
