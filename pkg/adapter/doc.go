// Package adapter implements the two execution lanes the Orchestrator
// dispatches to: a Local Adapter driving containerd directly
// (pkg/runtime), and a Remote Adapter resolving a serverless platform's
// web URL and dialing the same theory.run.v1 WebSocket contract the
// in-container Container Supervisor (pkg/supervisor) speaks.
//
// Both adapters share one client-side transport (transport.go): dial
// with the theory.run.v1 subprotocol, await exactly one Ack, then relay
// non-terminal frames to a caller-supplied callback until exactly one
// terminal RunResult arrives. Grounded on
// original_source/code/apps/core/adapters/base_ws_adapter.py's
// two-phase async read loop. The digest-drift check on the returned
// envelope is done by pkg/orchestrator, not here; this package uses
// pkg/digest only to normalize digests for IMAGE_DIGEST and image-ref
// selection.
package adapter
