/*
Package types defines the core data structures shared across the
execution plane: tool identity, the terminal result envelope, the ledger's
accounting rows, and the in-process Run state machine hosted by a
Container Supervisor.

# Architecture

The types package is the foundation of the execution plane's data model.
It defines:

  - Tool identity and specification (ToolRef, ToolSpec)
  - The terminal execution result (ExecutionEnvelope, OutputIndex)
  - Ledger accounting (Plan, Event)
  - Post-execution receipts (Receipt)
  - Run lifecycle and subscriber roles (RunState, ConnectionRole, RunEvent)
  - The payload handed from orchestrator to worker (RunPayload)

All types are designed to be:
  - Serializable (JSON)
  - Immutable where the owning component dictates (ToolSpec is read-only
    once loaded; Envelope and OutputIndex are immutable after the
    worker's terminal send)
  - Self-documenting (clear field names, minimal nesting)

# Core Types

Tool Identity:
  - ToolRef: "ns/name@ver" triple, identifier only
  - ToolSpec: per-tool digests, outputs, secrets, resource hints, input schema

Execution Result:
  - ExecutionEnvelope: the terminal JSON object a worker returns
  - OutputEntry / OutputIndex: declared artifacts and the write-barrier index
  - EnvelopeError: the ERR_-prefixed error taxonomy's wire shape

Run Lifecycle:
  - RunState: Pending, Running, Paused, Preempted, Completed, Error
  - ConnectionRole: Client, Controller, Observer
  - RunEvent / EventKind: Token, Frame, Log, Event, RunResult

Ledger:
  - Plan: external accounting anchor (reserved_micro, spent_micro)
  - Event: one hash-chained append-only ledger row

Other:
  - Receipt: per-execution audit record, written twice (local + global)
  - RunPayload: execution_id, mode, inputs, write_prefix, put_urls handed to a worker

# Usage

Parsing a tool reference:

	ref, err := types.ParseToolRef("llm/litellm@1")
	if err != nil {
		return err
	}

Building a terminal envelope:

	env := types.ExecutionEnvelope{
		Status:      "success",
		ExecutionID: executionID,
		Outputs:     types.SortOutputs(outputs),
		IndexPath:   "outputs.json",
		Meta:        types.EnvelopeMeta{ImageDigest: digest},
	}

# State Machine

A Run follows:

	Pending -> Running -> (Paused <-> Running) -> {Completed, Preempted, Error}

Terminal states (Completed, Preempted, Error) cannot be left; RunState.Terminal()
reports membership. Transitions are driven by: a Client subscriber joining
(Pending->Running), the worker's terminal envelope (Running->Completed|Error),
a Controller op (any non-terminal->Paused|Running|Preempted), or a hard
timeout (->Preempted, then ->Error on kill).

# Thread Safety

Values in this package carry no synchronization of their own — ToolSpec
is read-only shared once loaded (pkg/registry owns the cache), Run and
its subscriber sets are owned and locked by pkg/supervisor, and Plan/Event
rows are mutated only through pkg/ledger's transactions.

# See Also

  - pkg/registry for ToolSpec loading and caching
  - pkg/supervisor for the Run state machine and fanout
  - pkg/ledger for Plan/Event persistence
  - pkg/worker for Receipt production
*/
package types
