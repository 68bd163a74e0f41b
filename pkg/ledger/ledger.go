package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/theoryrun/theorycore/pkg/types"
)

var (
	bucketPlans  = []byte("plans")
	bucketEvents = []byte("events") // one sub-bucket per plan, keyed by zero-padded decimal seq
)

// ErrNegativeBudget is returned when an operation would drive
// reserved_micro or spent_micro negative.
var ErrNegativeBudget = errors.New("ledger: budget would go negative")

// ErrUnknownPlan is returned when a plan has never been reserved against.
var ErrUnknownPlan = errors.New("ledger: unknown plan")

// Ledger is the append-only, hash-chained per-plan event log described in
// SPEC_FULL.md §4.3. One *bolt.DB backs every plan; a striped mutex keyed
// by plan key makes the read-max-seq-then-append critical section legible
// without relying on callers reasoning about BoltDB's transaction model.
type Ledger struct {
	db *bolt.DB

	mu     sync.Mutex
	stripe map[string]*sync.Mutex
}

// Open opens (creating if absent) the ledger database at dbPath.
func Open(dbPath string) (*Ledger, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", dbPath, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketPlans); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: create buckets: %w", err)
	}
	return &Ledger{db: db, stripe: make(map[string]*sync.Mutex)}, nil
}

// OpenInDir is a convenience wrapper that places the ledger database at
// <dir>/ledger.db, mirroring pkg/storage's dataDir-relative layout.
func OpenInDir(dir string) (*Ledger, error) {
	return Open(filepath.Join(dir, "ledger.db"))
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) lockFor(plan string) func() {
	l.mu.Lock()
	m, ok := l.stripe[plan]
	if !ok {
		m = &sync.Mutex{}
		l.stripe[plan] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Reserve atomically increments plan.reserved_micro by micro and appends
// a budget.reserved event. micro must be non-negative.
func (l *Ledger) Reserve(plan string, micro int64) (types.Event, error) {
	if micro < 0 {
		return types.Event{}, fmt.Errorf("%w: reserve amount %d negative", ErrNegativeBudget, micro)
	}
	unlock := l.lockFor(plan)
	defer unlock()

	var event types.Event
	err := l.db.Update(func(tx *bolt.Tx) error {
		p, err := l.loadOrCreatePlan(tx, plan)
		if err != nil {
			return err
		}
		p.ReservedMicro += micro
		if p.ReservedMicro < 0 {
			return ErrNegativeBudget
		}
		if err := l.savePlan(tx, p); err != nil {
			return err
		}
		payload, err := json.Marshal(map[string]interface{}{
			"event_type": "budget.reserved",
			"amount":     micro,
			"plan":       plan,
		})
		if err != nil {
			return err
		}
		event, err = l.appendLocked(tx, plan, payload)
		return err
	})
	return event, err
}

// SettleSuccessParams are the fields required to settle a successful
// execution against a plan.
type SettleSuccessParams struct {
	Plan            string
	Execution       string
	EstimateHiMicro int64
	ActualMicro     int64
	DeterminismURI  string
}

// SettleSuccess atomically decrements reserved_micro by EstimateHiMicro,
// increments spent_micro by ActualMicro, and appends an
// execution.settle.success event carrying the refund (the
// non-negative difference between the estimate and the metered actual).
func (l *Ledger) SettleSuccess(p SettleSuccessParams) (types.Event, error) {
	if p.EstimateHiMicro < 0 || p.ActualMicro < 0 {
		return types.Event{}, fmt.Errorf("%w: negative settlement amount", ErrNegativeBudget)
	}
	unlock := l.lockFor(p.Plan)
	defer unlock()

	refund := p.EstimateHiMicro - p.ActualMicro
	if refund < 0 {
		refund = 0
	}

	var event types.Event
	err := l.db.Update(func(tx *bolt.Tx) error {
		plan, err := l.loadOrCreatePlan(tx, p.Plan)
		if err != nil {
			return err
		}
		plan.ReservedMicro -= p.EstimateHiMicro
		plan.SpentMicro += p.ActualMicro
		if plan.ReservedMicro < 0 || plan.SpentMicro < 0 {
			return ErrNegativeBudget
		}
		if err := l.savePlan(tx, plan); err != nil {
			return err
		}
		payload, err := json.Marshal(map[string]interface{}{
			"event_type":        "execution.settle.success",
			"plan_id":           p.Plan,
			"execution_id":      p.Execution,
			"estimate_hi_micro": p.EstimateHiMicro,
			"actual_micro":      p.ActualMicro,
			"refund_micro":      refund,
			"determinism_uri":   p.DeterminismURI,
		})
		if err != nil {
			return err
		}
		event, err = l.appendLocked(tx, p.Plan, payload)
		return err
	})
	return event, err
}

// SettleFailureParams are the fields required to settle a failed
// execution against a plan.
type SettleFailureParams struct {
	Plan            string
	Execution       string
	EstimateHiMicro int64
	MeteredActual   int64
	Reason          string
}

// SettleFailure is SettleSuccess's counterpart for an execution that
// terminated in error: the estimate is released back to the plan's
// headroom and whatever was actually metered (often zero) is spent.
func (l *Ledger) SettleFailure(p SettleFailureParams) (types.Event, error) {
	if p.EstimateHiMicro < 0 || p.MeteredActual < 0 {
		return types.Event{}, fmt.Errorf("%w: negative settlement amount", ErrNegativeBudget)
	}
	unlock := l.lockFor(p.Plan)
	defer unlock()

	var event types.Event
	err := l.db.Update(func(tx *bolt.Tx) error {
		plan, err := l.loadOrCreatePlan(tx, p.Plan)
		if err != nil {
			return err
		}
		plan.ReservedMicro -= p.EstimateHiMicro
		plan.SpentMicro += p.MeteredActual
		if plan.ReservedMicro < 0 || plan.SpentMicro < 0 {
			return ErrNegativeBudget
		}
		if err := l.savePlan(tx, plan); err != nil {
			return err
		}
		payload, err := json.Marshal(map[string]interface{}{
			"event_type":        "execution.settle.failure",
			"plan_id":           p.Plan,
			"execution_id":      p.Execution,
			"estimate_hi_micro": p.EstimateHiMicro,
			"actual_micro":      p.MeteredActual,
			"reason":            p.Reason,
		})
		if err != nil {
			return err
		}
		event, err = l.appendLocked(tx, p.Plan, payload)
		return err
	})
	return event, err
}

// Append is the generic operation: append an arbitrary JSON payload to
// plan's chain without touching reserved_micro/spent_micro.
func (l *Ledger) Append(plan string, payload json.RawMessage) (types.Event, error) {
	unlock := l.lockFor(plan)
	defer unlock()

	var event types.Event
	err := l.db.Update(func(tx *bolt.Tx) error {
		var err error
		event, err = l.appendLocked(tx, plan, payload)
		return err
	})
	return event, err
}

// GetPlan returns the current reserved/spent totals for plan.
func (l *Ledger) GetPlan(plan string) (types.Plan, error) {
	var p types.Plan
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlans).Get([]byte(plan))
		if b == nil {
			return ErrUnknownPlan
		}
		return json.Unmarshal(b, &p)
	})
	return p, err
}

// Events returns every event row for plan in seq order, for chain
// verification (SPEC_FULL.md testable property 7).
func (l *Ledger) Events(plan string) ([]types.Event, error) {
	var events []types.Event
	err := l.db.View(func(tx *bolt.Tx) error {
		pb := tx.Bucket(bucketEvents).Bucket([]byte(plan))
		if pb == nil {
			return nil
		}
		return pb.ForEach(func(_, v []byte) error {
			var e types.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			events = append(events, e)
			return nil
		})
	})
	return events, err
}

// VerifyChain recomputes this_hash for every row of plan's chain and
// checks prev_hash linkage, returning a non-nil error at the first
// mismatch.
func (l *Ledger) VerifyChain(plan string) error {
	events, err := l.Events(plan)
	if err != nil {
		return err
	}
	var prevHash string
	for _, e := range events {
		want := hashPayload(e.Payload)
		if e.ThisHash != want {
			return fmt.Errorf("ledger: plan %s seq %d: this_hash %s != recomputed %s", plan, e.Seq, e.ThisHash, want)
		}
		if e.Seq == 1 {
			if e.PrevHash != "" {
				return fmt.Errorf("ledger: plan %s seq 1: prev_hash must be empty, got %s", plan, e.PrevHash)
			}
		} else if e.PrevHash != prevHash {
			return fmt.Errorf("ledger: plan %s seq %d: prev_hash %s != previous this_hash %s", plan, e.Seq, e.PrevHash, prevHash)
		}
		prevHash = e.ThisHash
	}
	return nil
}

func (l *Ledger) loadOrCreatePlan(tx *bolt.Tx, plan string) (types.Plan, error) {
	b := tx.Bucket(bucketPlans).Get([]byte(plan))
	if b == nil {
		return types.Plan{Key: plan}, nil
	}
	var p types.Plan
	if err := json.Unmarshal(b, &p); err != nil {
		return types.Plan{}, fmt.Errorf("ledger: decode plan %s: %w", plan, err)
	}
	return p, nil
}

func (l *Ledger) savePlan(tx *bolt.Tx, p types.Plan) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketPlans).Put([]byte(p.Key), data)
}

// appendLocked performs the read-max-seq-then-append sequence. Callers
// must already hold the plan's stripe lock and a write transaction.
func (l *Ledger) appendLocked(tx *bolt.Tx, plan string, payload json.RawMessage) (types.Event, error) {
	events := tx.Bucket(bucketEvents)
	pb, err := events.CreateBucketIfNotExists([]byte(plan))
	if err != nil {
		return types.Event{}, err
	}

	var lastSeq uint64
	var lastHash string
	c := pb.Cursor()
	if k, v := c.Last(); k != nil {
		var last types.Event
		if err := json.Unmarshal(v, &last); err != nil {
			return types.Event{}, fmt.Errorf("ledger: decode last event for plan %s: %w", plan, err)
		}
		lastSeq = last.Seq
		lastHash = last.ThisHash
	}

	canonical, err := canonicalizeJSON(payload)
	if err != nil {
		return types.Event{}, fmt.Errorf("ledger: canonicalize payload: %w", err)
	}

	event := types.Event{
		Plan:      plan,
		Seq:       lastSeq + 1,
		PrevHash:  lastHash,
		ThisHash:  hashPayload(canonical),
		Payload:   canonical,
		Timestamp: time.Now().UTC(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return types.Event{}, err
	}
	if err := pb.Put(seqKey(event.Seq), data); err != nil {
		return types.Event{}, err
	}
	return event, nil
}

// canonicalizeJSON re-marshals payload so object keys are sorted and
// numeric formatting is stable: encoding/json already sorts
// map[string]interface{} keys on marshal, so a decode-then-encode round
// trip is sufficient and keeps this core on a single codec rather than
// introducing a second one purely for ledger hashing (see DESIGN.md).
func canonicalizeJSON(payload json.RawMessage) (json.RawMessage, error) {
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// hashPayload computes the deterministic H(payload) used for this_hash:
// SHA-256 over the canonical JSON encoding, hex-encoded.
func hashPayload(canonical json.RawMessage) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}
