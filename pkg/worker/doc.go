/*
Package worker is the Worker side of the Container Supervisor's contract
(SPEC_FULL.md §4.5): one short-lived child process per Run, driving a
tool's user-supplied entry(payload, emit, upload) function.

Spawn (parent side) re-execs the current binary with ReexecEnvVar set,
feeding it the run payload over stdin and decoding newline-delimited
JSON RunEvents from its stdout. Main (child side) is called from
cmd/theoryctl's entry point when that env var is present; it enforces
the worker's obligations — IMAGE_DIGEST presence, write-prefix
validation, outputs.json written last, dual receipts, and exactly one
terminal RunResult — regardless of what entry itself does.
*/
package worker
