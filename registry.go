package soloport

import (
	"context"
	"fmt"
	"reflect"
)

// ArgumentSet is one client invocation's forwarded argument list, delivered
// to observers as a unit. Treat it as immutable.
type ArgumentSet []string

// Delivery hands an observer one ArgumentSet together with the extras and
// named values stored at registration time.
type Delivery struct {
	Args   ArgumentSet
	Extras []any
	Named  map[string]any
}

// Observer receives one Delivery per forwarded argument set.
type Observer func(Delivery)

// TraceOption attaches values replayed on every delivery to a registration.
type TraceOption func(*observerEntry)

// WithExtras stores positional values replayed on every delivery.
func WithExtras(extras ...any) TraceOption {
	return func(e *observerEntry) { e.extras = extras }
}

// WithNamed stores one named value replayed on every delivery. Repeat the
// option for multiple keys.
func WithNamed(key string, value any) TraceOption {
	return func(e *observerEntry) {
		if e.named == nil {
			e.named = make(map[string]any)
		}
		e.named[key] = value
	}
}

type observerEntry struct {
	id     uintptr
	fn     Observer
	extras []any
	named  map[string]any
}

// Trace registers fn to receive future argument sets. Registration is an
// upsert keyed by the callback's code pointer: re-tracing the same function
// replaces its stored extras and named values in place, keeping its
// original position in the delivery order. Closures created from the same
// function literal share identity. Queued sets are not flushed here; they
// go out with the next ingestion.
func (in *Instance) Trace(fn Observer, opts ...TraceOption) {
	if fn == nil {
		return
	}
	entry := observerEntry{id: observerID(fn), fn: fn}
	for _, opt := range opts {
		if opt != nil {
			opt(&entry)
		}
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	for i := range in.observers {
		if in.observers[i].id == entry.id {
			in.observers[i] = entry
			return
		}
	}
	in.observers = append(in.observers, entry)
}

// Untrace removes fn from the registry. Unknown callbacks are a no-op.
func (in *Instance) Untrace(fn Observer) {
	if fn == nil {
		return
	}
	id := observerID(fn)
	in.mu.Lock()
	defer in.mu.Unlock()
	for i := range in.observers {
		if in.observers[i].id == id {
			in.observers = append(in.observers[:i], in.observers[i+1:]...)
			return
		}
	}
}

func observerID(fn Observer) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// ingest queues one decoded set and drains the queue while observers are
// registered. Runs on the listener goroutine only, so sets leave in arrival
// order.
func (in *Instance) ingest(set ArgumentSet) {
	in.mu.Lock()
	in.pending = append(in.pending, set)
	in.mu.Unlock()
	in.flush()
}

// flush pops queued sets one at a time and publishes each to a snapshot of
// the registry. The snapshot keeps delivery stable while observers mutate
// the registry, or release the instance, from inside their callbacks.
func (in *Instance) flush() {
	for {
		in.mu.Lock()
		if len(in.pending) == 0 || len(in.observers) == 0 {
			in.mu.Unlock()
			return
		}
		set := in.pending[0]
		in.pending = in.pending[1:]
		snapshot := make([]observerEntry, len(in.observers))
		copy(snapshot, in.observers)
		in.mu.Unlock()

		for _, entry := range snapshot {
			in.deliver(entry, set)
			in.metrics.recordDelivery(context.Background())
		}
	}
}

// deliver invokes one observer, containing its panic so one misbehaving
// callback cannot take down the listener or starve its peers.
func (in *Instance) deliver(entry observerEntry, set ArgumentSet) {
	defer func() {
		if r := recover(); r != nil {
			in.logRelay.Warn("relay.observer.panic", "error", fmt.Sprint(r), "args", len(set))
		}
	}()
	entry.fn(Delivery{Args: set, Extras: entry.extras, Named: entry.named})
}
