// Package events implements the bounded fan-out primitive a Container
// Supervisor uses to broadcast one Run's events to every subscriber
// connection bound to it.
//
// Grounded on the teacher's pkg/events.Broker (map of subscriber channels
// guarded by a mutex, buffered event channel, broadcast loop), generalized
// from one process-wide broker to one broker per execution id and given a
// typed drop policy for incremental Token events per
// original_source/.../protocol/run_registry.py's fanout loop.
package events

import (
	"sync"

	"github.com/theoryrun/theorycore/pkg/types"
)

// DefaultQueueCapacity is the bounded FIFO capacity SPEC_FULL.md §4.4
// specifies for a Run's fanout queue.
const DefaultQueueCapacity = 2048

// Subscriber receives fanned-out events on Send and is asked to shut down
// via Close. Implementations are typically a *websocket.Conn wrapper.
type Subscriber interface {
	Send(types.RunEvent) error
	Close()
}

// sentinel is enqueued to signal the broadcast loop to exit.
var sentinel = types.RunEvent{Kind: "", Content: nil}

func isSentinel(e types.RunEvent) bool {
	return e.Kind == "" && e.Content == nil
}

// Broker is a bounded, single-producer-friendly fan-out queue for one
// Run's events. The zero value is not usable; construct with New.
type Broker struct {
	queue chan types.RunEvent

	mu   sync.RWMutex
	subs map[string]Subscriber

	done chan struct{}
}

// New constructs a Broker with the given queue capacity (use
// DefaultQueueCapacity unless a test needs a smaller one to exercise
// backpressure).
func New(capacity int) *Broker {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Broker{
		queue: make(chan types.RunEvent, capacity),
		subs:  make(map[string]Subscriber),
		done:  make(chan struct{}),
	}
}

// Publish enqueues event for fan-out. Per SPEC_FULL.md §4.4: if the queue
// is full and the event's Kind is Token, it is dropped silently; every
// other kind blocks until the queue has room. Publish must never be
// called after Close.
func (b *Broker) Publish(event types.RunEvent) {
	if event.Kind == types.EventKindToken {
		select {
		case b.queue <- event:
		default:
			// queue full, incremental fragment, drop per backpressure policy
		}
		return
	}
	b.queue <- event
}

// Subscribe registers sub under id (a connection identifier unique to
// this Run). A later Publish reaches every currently-registered
// subscriber.
func (b *Broker) Subscribe(id string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = sub
}

// Unsubscribe removes id from the subscriber set. It is safe to call
// from within the broadcast loop (on a send failure) or from outside.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// SubscriberCount reports how many connections are currently registered.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Run is the dedicated per-Run fanout task (SPEC_FULL.md §4.4): it reads
// the queue and writes each event to every current subscriber in the
// order it was placed on the queue, removing any subscriber whose Send
// fails. It returns when it reads the sentinel enqueued by Close.
func (b *Broker) Run() {
	defer close(b.done)
	for event := range b.queue {
		if isSentinel(event) {
			return
		}
		b.broadcast(event)
	}
}

func (b *Broker) broadcast(event types.RunEvent) {
	b.mu.RLock()
	targets := make(map[string]Subscriber, len(b.subs))
	for id, sub := range b.subs {
		targets[id] = sub
	}
	b.mu.RUnlock()

	var failed []string
	for id, sub := range targets {
		if err := sub.Send(event); err != nil {
			failed = append(failed, id)
		}
	}
	if len(failed) == 0 {
		return
	}
	b.mu.Lock()
	for _, id := range failed {
		delete(b.subs, id)
	}
	b.mu.Unlock()
}

// Close enqueues the fanout sentinel and returns once it is queued,
// blocking while the queue is full; it does not wait for the loop to
// exit, so callers awaiting loop exit should select on Done().
func (b *Broker) Close() {
	b.queue <- sentinel
}

// Done reports when the broadcast loop has exited after Close.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}
