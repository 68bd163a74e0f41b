// Package orchestrator implements the public Invoke operation
// (SPEC_FULL.md §4.8): load a ToolSpec, mint a write prefix and
// presigned URLs, dispatch to the selected Adapter, validate the
// returned envelope against the expected supply-chain digest, write
// the dual receipt copy, and settle the plan's ledger.
//
// Grounded on original_source/code/apps/core/orchestrator_ws.py, with
// digest-drift checking (pkg/digest) fully implemented rather than
// left as that reference's TODO.
package orchestrator
