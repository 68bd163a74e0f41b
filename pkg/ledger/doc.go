/*
Package ledger implements the append-only, per-plan hash-chained event
log that settles budget reservations: reserve, settle_success,
settle_failure, and generic append, each one atomic transaction against
a single BoltDB database.

Grounded on pkg/storage/boltdb.go for the bucket-per-entity / Update-closure
pattern, and original_source/code/tests/property/test_budget_never_negative.py
and original_source/code/tests/acceptance/test_ledger_acceptance.py for the
invariants: reserved_micro/spent_micro never negative, (plan, seq) unique,
this_hash recomputable from the canonicalized payload, prev_hash chains to
the previous row.

BoltDB serializes all writers process-wide via its single read-write
transaction, so the read-max-seq-then-append sequence inside one
db.Update callback is already atomic; there is no retry loop because
there is nothing to race against within one process (see DESIGN.md,
Open Question (d)).
*/
package ledger
