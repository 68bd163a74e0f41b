/*
Package registry loads and caches ToolSpecs: the per-tool YAML manifest
declaring image digests, outputs, required secrets, resource hints, and
an input JSON-schema.

A spec is loaded once per ref and never mutated afterward. The parsed
ToolSpec is kept in a BoltDB-backed cache keyed by ref, mirroring the
bucket-per-entity pattern pkg/storage uses for cluster state: a single
bolt.DB, one bucket holding marshaled ToolSpecs, opened once at process
start. The compiled JSON-schema is kept in an in-process map keyed by
ref.

Grounded on pkg/storage/boltdb.go (BoltDB bucket + Update/View closures)
and the on-disk registry.yaml layout described in SPEC_FULL.md §6.
*/
package registry
