package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/theoryrun/theorycore/pkg/events"
	"github.com/theoryrun/theorycore/pkg/log"
	"github.com/theoryrun/theorycore/pkg/metrics"
	"github.com/theoryrun/theorycore/pkg/types"
	"github.com/theoryrun/theorycore/pkg/worker"
)

// preemptGraceWindow is the interval SPEC_FULL.md §4.4 allows a worker to
// exit cooperatively before the supervisor escalates to a soft, then
// hard, kill.
const preemptGraceWindow = 5 * time.Second

// Run is one execution's state: its position in the lifecycle machine,
// its fanout broker, and (once started) the worker process driving it.
type Run struct {
	ExecutionID string

	mu     sync.Mutex
	state  types.RunState
	budget budgetState

	broker     *events.Broker
	handle     *worker.Handle
	resultOnce sync.Once

	createdAt time.Time
}

type budgetState struct {
	TokenCap int64 `json:"token_cap,omitempty"`
	TimeCapS int64 `json:"time_cap_s,omitempty"`
}

func newRun(executionID string) *Run {
	r := &Run{
		ExecutionID: executionID,
		state:       types.RunPending,
		broker:      events.New(events.DefaultQueueCapacity),
		createdAt:   time.Now(),
	}
	go r.broker.Run()
	return r
}

// State returns the Run's current lifecycle state.
func (r *Run) State() types.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// start transitions a Pending Run to Running and spawns its Worker.
// Only the first Client to join a Run does this; later joiners observe
// an already-Running (or further along) Run.
func (r *Run) start(payload types.RunPayload) {
	r.mu.Lock()
	if r.state != types.RunPending {
		r.mu.Unlock()
		return
	}
	r.state = types.RunRunning
	r.mu.Unlock()

	metrics.ExecutionsInFlight.Inc()
	r.publishLifecycle("started", false)

	emit := func(e types.RunEvent) { r.broker.Publish(e) }
	handle, err := worker.Spawn(context.Background(), payload, emit)
	if err != nil {
		r.finish(errorEnvelope(r.ExecutionID, "ERR_RUNTIME", err.Error()))
		return
	}

	r.mu.Lock()
	r.handle = handle
	r.mu.Unlock()

	go r.awaitWorker(handle)
}

func (r *Run) awaitWorker(handle *worker.Handle) {
	<-handle.Done()

	if envelope := handle.Envelope(); envelope != nil {
		r.finish(*envelope)
		return
	}
	msg := "worker exited without reporting a result"
	if handle.Err() != nil {
		msg = handle.Err().Error()
	}
	r.finish(errorEnvelope(r.ExecutionID, "ERR_RUNTIME", msg))
}

// finish records the Run's terminal state and fans out exactly one
// RunResult, honoring the "at most one RunResult per Run" invariant
// even if awaitWorker and a concurrent preempt-timeout both race to
// call it.
func (r *Run) finish(envelope types.ExecutionEnvelope) {
	r.resultOnce.Do(func() {
		r.mu.Lock()
		if envelope.Status == "success" {
			r.state = types.RunCompleted
		} else {
			r.state = types.RunError
		}
		r.mu.Unlock()

		metrics.ExecutionsInFlight.Dec()

		content, err := json.Marshal(envelope)
		if err != nil {
			log.Error("supervisor: marshal terminal envelope: " + err.Error())
			return
		}
		r.broker.Publish(types.RunEvent{Kind: types.EventKindRunResult, Content: content})
	})
}

func errorEnvelope(executionID, code, message string) types.ExecutionEnvelope {
	return types.ExecutionEnvelope{
		Status:      "error",
		ExecutionID: executionID,
		Error:       &types.EnvelopeError{Code: code, Message: message},
		Meta:        types.EnvelopeMeta{},
	}
}

// publishLifecycle fans out a synthetic Event frame carrying a lifecycle
// phase marker (started/paused/resumed/preempted/budget_updated/...).
func (r *Run) publishLifecycle(phase string, noop bool) {
	body := map[string]interface{}{"phase": phase}
	if noop {
		body["noop"] = true
	}
	content, err := json.Marshal(body)
	if err != nil {
		return
	}
	r.broker.Publish(types.RunEvent{Kind: types.EventKindLifecycle, Content: content})
}

// applyControl executes one control op against the Run per SPEC_FULL.md
// §4.4. It always produces exactly one lifecycle event describing the
// outcome (including a noop:true event for invalid or no-op requests).
func (r *Run) applyControl(op string, raw json.RawMessage) {
	switch op {
	case "preempt":
		r.preempt()
	case "pause":
		r.setPausedState(types.RunPaused, "pause", "paused")
	case "resume":
		r.setPausedState(types.RunRunning, "resume", "resumed")
	case "set_budget":
		r.setBudget(raw)
	default:
		metrics.ControlOpsTotal.WithLabelValues(op, "noop").Inc()
		r.publishLifecycle("control_noop", true)
	}
}

func (r *Run) preempt() {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		metrics.ControlOpsTotal.WithLabelValues("preempt", "noop").Inc()
		r.publishLifecycle("preempted", true)
		return
	}
	r.state = types.RunPreempted
	handle := r.handle
	r.mu.Unlock()

	metrics.ControlOpsTotal.WithLabelValues("preempt", "applied").Inc()
	r.publishLifecycle("preempted", false)

	if handle == nil {
		r.finish(errorEnvelope(r.ExecutionID, "ERR_PREEMPTED", "run preempted before the worker started"))
		return
	}

	handle.Cancel()
	go r.escalateKill(handle)
}

// escalateKill waits for the worker to exit cooperatively after Cancel,
// then applies SIGTERM and, after a second grace window, SIGKILL.
func (r *Run) escalateKill(handle *worker.Handle) {
	timer := time.NewTimer(preemptGraceWindow)
	defer timer.Stop()
	select {
	case <-handle.Done():
		return
	case <-timer.C:
	}

	_ = handle.SoftKill()

	timer.Reset(preemptGraceWindow)
	select {
	case <-handle.Done():
		return
	case <-timer.C:
	}

	_ = handle.HardKill()
	<-handle.Done()
	r.finish(errorEnvelope(r.ExecutionID, "ERR_PREEMPTED", "worker killed after exhausting grace windows"))
}

func (r *Run) setPausedState(target types.RunState, op, phase string) {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		metrics.ControlOpsTotal.WithLabelValues(op, "noop").Inc()
		r.publishLifecycle(phase, true)
		return
	}
	r.state = target
	r.mu.Unlock()

	metrics.ControlOpsTotal.WithLabelValues(op, "applied").Inc()
	r.publishLifecycle(phase, false)
}

func (r *Run) setBudget(raw json.RawMessage) {
	var b budgetState
	if err := json.Unmarshal(raw, &b); err != nil {
		metrics.ControlOpsTotal.WithLabelValues("set_budget", "error").Inc()
		r.publishLifecycle("control_noop", true)
		return
	}

	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		metrics.ControlOpsTotal.WithLabelValues("set_budget", "noop").Inc()
		r.publishLifecycle("budget_updated", true)
		return
	}
	r.budget = b
	r.mu.Unlock()

	metrics.ControlOpsTotal.WithLabelValues("set_budget", "applied").Inc()
	r.publishLifecycle("budget_updated", false)
}

// terminalAndIdle reports whether this Run is eligible for GC: terminal
// state and no attached subscribers.
func (r *Run) terminalAndIdle() bool {
	return r.State().Terminal() && r.broker.SubscriberCount() == 0
}
