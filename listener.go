package tormgr

import (
	"fmt"
	"sync"
)

// listenerRecord is one entry in the listener registry: a callback, an
// optional caller-supplied tag for bulk removal, and whether it is
// static. Static listeners survive Runtime teardown; non-static
// listeners are cleared by Runtime.Destroy. The static/tagged
// distinction is a lifecycle policy carried as a field, not a type.
type listenerRecord struct {
	id       uint64
	kind     string
	tag      string
	static   bool
	executor func(func())
	handler  func(Frame)
}

// listenerRegistry maps an event kind to an ordered multiset of
// listener records. Dispatch iterates a point-in-time snapshot (a
// fresh slice copy taken under the lock and then read lock-free) so
// that a listener may register or cancel other listeners during its
// own invocation without invalidating the in-progress iteration.
type listenerRegistry struct {
	mu     sync.Mutex
	nextID uint64
	byKind map[string][]*listenerRecord
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{byKind: make(map[string][]*listenerRecord)}
}

// register adds handler under kind and returns a cancellation func.
// kind "" registers a wildcard listener invoked for every dispatched
// event kind, used by the Runtime to bridge every Session event into
// its own registry.
func (r *listenerRegistry) register(kind string, handler func(Frame), static bool) func() {
	return r.registerWithExecutor(kind, handler, static, "", nil)
}

// registerWithExecutor is register plus an optional tag (for
// Runtime.UnsubscribeTag bulk removal) and an optional Executor: when
// set, handler is invoked via executor instead of synchronously on the
// dispatching goroutine, the mechanism callers use to marshal delivery
// onto a UI thread.
func (r *listenerRegistry) registerWithExecutor(kind string, handler func(Frame), static bool, tag string, executor func(func())) func() {
	r.mu.Lock()
	r.nextID++
	rec := &listenerRecord{id: r.nextID, kind: kind, tag: tag, static: static, executor: executor, handler: handler}
	r.byKind[kind] = append(r.byKind[kind], rec)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.byKind[kind]
		for i, existing := range list {
			if existing.id == rec.id {
				// Copy-on-write: allocate a new backing slice so a
				// dispatch snapshot already in flight over the old
				// slice is unaffected.
				next := make([]*listenerRecord, 0, len(list)-1)
				next = append(next, list[:i]...)
				next = append(next, list[i+1:]...)
				r.byKind[kind] = next
				return
			}
		}
	}
}

// dispatch invokes every listener registered for kind, then every
// wildcard ("") listener, each exactly once, in registration order.
// Dispatch is synchronous relative to the caller unless a listener
// declared an Executor. A panicking handler is recovered and does not
// prevent subsequent listeners in the snapshot from running; once the
// whole snapshot has run, the recovery is re-published as an "Error"
// event, and re-raised if no "Error" listener was registered to
// observe it.
func (r *listenerRegistry) dispatch(kind string, f Frame) {
	r.dispatchOne(kind, f)
	if kind != "" {
		r.dispatchOne("", f)
	}
}

func (r *listenerRegistry) dispatchOne(kind string, f Frame) {
	r.mu.Lock()
	snapshot := append([]*listenerRecord(nil), r.byKind[kind]...)
	r.mu.Unlock()

	var panics []any
	for _, rec := range snapshot {
		if v, panicked := rec.invoke(f); panicked {
			panics = append(panics, v)
		}
	}
	// A panic inside an "Error" listener itself is not re-published;
	// that would recurse whenever the Error subscriber is the one at
	// fault.
	if kind == "Error" {
		return
	}
	for _, v := range panics {
		r.publishPanic(kind, v)
	}
}

// publishPanic turns a recovered listener panic into an "Error" event
// carrying the panic value and the event kind that triggered it, then
// re-raises the panic on this goroutine if no "Error" listener was
// registered to observe it.
func (r *listenerRegistry) publishPanic(kind string, recovered any) {
	r.mu.Lock()
	hasErrorListener := len(r.byKind["Error"]) > 0
	r.mu.Unlock()

	r.dispatchOne("Error", Frame{
		Payload: fmt.Sprintf("listener panic handling %q event: %v", kind, recovered),
	})
	if !hasErrorListener {
		panic(recovered)
	}
}

func (rec *listenerRecord) invoke(f Frame) (recovered any, panicked bool) {
	defer func() {
		if v := recover(); v != nil {
			recovered, panicked = v, true
		}
	}()
	if rec.executor != nil {
		rec.executor(func() { rec.handler(f) })
		return nil, false
	}
	rec.handler(f)
	return nil, false
}

// clearNonStatic removes every non-static listener across all kinds,
// the teardown behavior Runtime.Destroy requires: static listeners
// survive, everything else is cleared.
func (r *listenerRegistry) clearNonStatic() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for kind, list := range r.byKind {
		kept := make([]*listenerRecord, 0, len(list))
		for _, rec := range list {
			if rec.static {
				kept = append(kept, rec)
			}
		}
		r.byKind[kind] = kept
	}
}

// unregisterTag removes every listener (static or not) registered with
// the given tag, across all kinds.
func (r *listenerRegistry) unregisterTag(tag string) {
	if tag == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for kind, list := range r.byKind {
		kept := make([]*listenerRecord, 0, len(list))
		for _, rec := range list {
			if rec.tag != tag {
				kept = append(kept, rec)
			}
		}
		r.byKind[kind] = kept
	}
}
