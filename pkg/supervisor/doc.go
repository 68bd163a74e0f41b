// Package supervisor implements the Container Supervisor (C4,
// SPEC_FULL.md §4.4): the single WebSocket endpoint hosted inside every
// tool image, terminating the "theory.run.v1" subprotocol, multiplexing
// many concurrent Runs, fanning out their events, and driving the
// preempt/pause/resume/set_budget control surface.
//
// Grounded on the teacher's pkg/events.Broker (now pkg/events, one per
// Run rather than process-wide) and original_source/.../protocol/run_registry.py
// and ws.py for the handshake and fanout-task shape.
package supervisor
