// Package eventbus implements component C5: a bounded, in-process
// broadcast channel delivering raftcore.AppliedEntry and raftcore.KernelEvent
// notifications to independent subscribers, each with its own bounded ring
// buffer. A slow subscriber observes a Lagged marker and resumes from the
// current tail rather than blocking the publisher or every other
// subscriber.
package eventbus

import (
	"sync"
	"time"

	"github.com/corelattice/raftcore"
)

// Size and field bounds enforced by Validate, per spec section 4.5.
const (
	MaxErrorMessageLen  = 10 * 1 << 10 // 10 KB
	MaxStateSnapshotLen = 10 << 20     // 10 MB
	MaxTimestampDrift   = 24 * time.Hour
)

// Event is the envelope delivered to subscribers: exactly one of Applied or
// Kernel is set.
type Event struct {
	Applied *raftcore.AppliedEntry
	Kernel  *raftcore.KernelEvent
}

// Lagged is delivered in place of events a subscriber missed because it
// fell more than the ring capacity behind the publisher. N is the number
// of events skipped.
type Lagged struct {
	N uint64
}

// Delivery is either an Event or a Lagged marker.
type Delivery struct {
	Event  *Event
	Lagged *Lagged
}

// Bus is a bounded broadcast channel. The zero value is not usable; use
// New.
type Bus struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	capacity    int
	now         func() time.Time
}

type subscriber struct {
	ch     chan Delivery
	closed bool

	// lagged counts events dropped from ch since the last time a Lagged
	// marker was successfully delivered to this subscriber.
	lagged uint64
}

// New creates a Bus where each subscriber's ring buffer holds up to
// capacity undelivered events before the subscriber starts lagging.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bus{
		subscribers: make(map[*subscriber]struct{}),
		capacity:    capacity,
		now:         time.Now,
	}
}

// Receiver is a subscriber's read handle.
type Receiver struct {
	bus *Bus
	sub *subscriber
}

// Subscribe returns a Receiver that observes every event published after
// this call.
func (b *Bus) Subscribe() *Receiver {
	sub := &subscriber{ch: make(chan Delivery, b.capacity)}
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return &Receiver{bus: b, sub: sub}
}

// Close unsubscribes r; further Recv calls return ok=false.
func (r *Receiver) Close() {
	r.bus.mu.Lock()
	delete(r.bus.subscribers, r.sub)
	if !r.sub.closed {
		r.sub.closed = true
		close(r.sub.ch)
	}
	r.bus.mu.Unlock()
}

// Recv blocks until a Delivery is available or ctx-less cancellation via
// Close. Returns ok=false once the receiver is closed and drained.
func (r *Receiver) Recv() (Delivery, bool) {
	d, ok := <-r.sub.ch
	return d, ok
}

// Chan exposes the underlying channel for use in a select statement
// alongside other event sources (e.g. node's select loop).
func (r *Receiver) Chan() <-chan Delivery {
	return r.sub.ch
}

// PublishApplied validates and broadcasts an AppliedEntry notification.
// Silently does nothing if there are no subscribers.
func (b *Bus) PublishApplied(e raftcore.AppliedEntry) error {
	if err := validateApplied(e, b.now()); err != nil {
		return err
	}
	b.broadcast(Delivery{Event: &Event{Applied: &e}})
	return nil
}

// PublishKernel validates and broadcasts a KernelEvent notification.
func (b *Bus) PublishKernel(e raftcore.KernelEvent) error {
	if err := validateKernel(e, b.now()); err != nil {
		return err
	}
	b.broadcast(Delivery{Event: &Event{Kernel: &e}})
	return nil
}

func (b *Bus) broadcast(d Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		// Flush any pending lag notice before the event it preceded, so a
		// subscriber learns it skipped events in the order they happened.
		if sub.lagged > 0 {
			select {
			case sub.ch <- Delivery{Lagged: &Lagged{N: sub.lagged}}:
				sub.lagged = 0
			default:
			}
		}
		select {
		case sub.ch <- d:
		default:
			// Ring buffer full: drain the oldest entry so d itself is
			// never dropped, and remember the drop for the next Lagged
			// notice. Keeps the publisher non-blocking regardless of
			// subscriber speed.
			select {
			case <-sub.ch:
				sub.lagged++
			default:
			}
			select {
			case sub.ch <- d:
			default:
				sub.lagged++
			}
		}
	}
}

func validateApplied(e raftcore.AppliedEntry, now time.Time) error {
	if len(e.Result) > MaxStateSnapshotLen {
		return &raftcore.SizeBoundError{Field: "AppliedEntry.Result", Max: MaxStateSnapshotLen, Got: len(e.Result)}
	}
	if e.AppliedAt.After(now.Add(MaxTimestampDrift)) || e.AppliedAt.Before(now.Add(-MaxTimestampDrift)) {
		return &raftcore.SizeBoundError{Field: "AppliedEntry.AppliedAt", Max: int(MaxTimestampDrift.Seconds()), Got: int(now.Sub(e.AppliedAt).Seconds())}
	}
	return nil
}

func validateKernel(e raftcore.KernelEvent, now time.Time) error {
	if len(e.Detail) > MaxErrorMessageLen {
		return &raftcore.SizeBoundError{Field: "KernelEvent.Detail", Max: MaxErrorMessageLen, Got: len(e.Detail)}
	}
	if e.Timestamp.After(now.Add(MaxTimestampDrift)) || e.Timestamp.Before(now.Add(-MaxTimestampDrift)) {
		return &raftcore.SizeBoundError{Field: "KernelEvent.Timestamp", Max: int(MaxTimestampDrift.Seconds()), Got: int(now.Sub(e.Timestamp).Seconds())}
	}
	return nil
}
