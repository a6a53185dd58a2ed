package dispatchz

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"
	"github.com/zoobzio/clockz"
)

// Registry is the span-storage-capable terminal collector. It stores no
// output of its own; it mints IDs, reference-counts spans, tracks the
// per-goroutine enter/exit stack, and serves stored span data to the layers
// composed above it through their Context.
//
// Thread-safe for concurrent access.
type Registry struct {
	mu    sync.RWMutex
	spans map[ID]*SpanData

	pool  *idPool
	clock clockz.Clock

	filterMu   sync.Mutex
	filterNext int
	filterMask atomic.Uint64

	stacks sync.Map // goroutine id -> *spanStack
}

// NewRegistry creates an empty registry. Uses the real clock for production
// behavior.
func NewRegistry() *Registry {
	return &Registry{
		spans: make(map[ID]*SpanData),
		pool:  newIDPool(256),
		clock: clockz.RealClock,
	}
}

// WithClock returns a new registry with the specified clock. Enables clock
// injection for deterministic testing.
func (*Registry) WithClock(clock clockz.Clock) *Registry {
	return &Registry{
		spans: make(map[ID]*SpanData),
		pool:  newIDPool(256),
		clock: clock,
	}
}

// A registry with per-layer filters attached stores FilterMaps on its spans;
// composites containing one must treat it as filtered.
func (r *Registry) containsFilter() bool { return true }

// registerFilter allocates the next per-layer filter slot.
func (r *Registry) registerFilter() (FilterID, bool) {
	r.filterMu.Lock()
	defer r.filterMu.Unlock()
	if r.filterNext >= 64 {
		panic("dispatchz: a registry supports at most 64 per-layer filters")
	}
	id := FilterID{mask: 1 << r.filterNext}
	r.filterNext++
	r.filterMask.Store(r.filterMask.Load() | id.mask)
	return id, true
}

// RegisterCallsite collects the interest the per-layer filters above
// accumulated during this registration pass. Without filters every callsite
// is always interesting; storage itself never discriminates.
func (r *Registry) RegisterCallsite(*Metadata) Interest {
	if interest, ok := takeFilterInterest(); ok {
		return interest
	}
	return InterestAlways
}

// Enabled aggregates the per-layer filter verdicts recorded during this
// enablement pass. Only when every attached filter disabled the record is it
// fully elided; the stale verdicts are dropped since no notification pass
// will consume them.
func (r *Registry) Enabled(*Metadata) bool {
	mask := r.filterMask.Load()
	if mask == 0 {
		return true
	}
	if uint64(currentFilterMap())&mask != mask {
		return true
	}
	clearFilterEnabled()
	return false
}

// NewSpan stores a new span with a reference count of one, resolving a
// contextual parent against the calling goroutine's stack and snapshotting
// the per-layer filter verdicts so later lookups see the same visibility.
func (r *Registry) NewSpan(attrs *Attributes) ID {
	parent := ID(0)
	switch p := attrs.Parent(); {
	case p.IsRoot():
	case p.IsContextual():
		if cur, ok := r.currentID(); ok {
			parent = cur
		}
	default:
		parent, _ = p.Explicit()
	}

	data := &SpanData{
		id:        r.pool.acquire(),
		metadata:  attrs.Metadata(),
		parent:    parent,
		startedAt: r.clock.Now(),
		filterMap: currentFilterMap(),
	}
	data.refs.Store(1)

	r.mu.Lock()
	if parent != 0 {
		// The child's stored parent link pins the parent's storage.
		if pd, ok := r.spans[parent]; ok {
			pd.refs.Add(1)
		} else {
			data.parent = 0
		}
	}
	r.spans[data.id] = data
	r.mu.Unlock()
	return data.id
}

// Record stores nothing; layers persist the values they care about in the
// span's Extensions from their OnRecord hook.
func (r *Registry) Record(ID, *ValueSet) {}

// RecordFollowsFrom stores nothing; causal links are layer concerns.
func (r *Registry) RecordFollowsFrom(ID, ID) {}

// Event stores nothing; events are not reference-counted and never enter
// span storage.
func (r *Registry) Event(*Event) {}

// Enter pushes the span onto the calling goroutine's stack.
func (r *Registry) Enter(id ID) {
	gid := goid.Get()
	var st *spanStack
	if v, ok := r.stacks.Load(gid); ok {
		st = v.(*spanStack)
	} else {
		st = &spanStack{}
		actual, _ := r.stacks.LoadOrStore(gid, st)
		st = actual.(*spanStack)
	}
	st.push(id)
}

// Exit pops the span's most recent entry from the calling goroutine's stack.
func (r *Registry) Exit(id ID) {
	gid := goid.Get()
	v, ok := r.stacks.Load(gid)
	if !ok {
		return
	}
	st := v.(*spanStack)
	st.pop(id)
	if st.empty() {
		r.stacks.Delete(gid)
	}
}

// CloneSpan increments the span's reference count. The ID is never
// renumbered.
func (r *Registry) CloneSpan(id ID) ID {
	r.mu.RLock()
	data, ok := r.spans[id]
	r.mu.RUnlock()
	if ok {
		data.refs.Add(1)
	}
	return id
}

// TryClose releases one reference, reporting true exactly once: on the
// release that brings the count to zero. Storage eviction waits for any
// in-flight close guards, so OnClose hooks observe a consistent closing span
// rather than a vanished one.
func (r *Registry) TryClose(id ID) bool {
	r.mu.RLock()
	data, ok := r.spans[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	n := data.refs.Add(-1)
	if n > 0 {
		return false
	}
	if n < 0 {
		// Release of an already-closed ID; ignore.
		data.refs.Add(1)
		return false
	}
	data.closing.Store(true)
	if data.guards.Load() == 0 {
		r.evict(data)
	}
	return true
}

// CurrentSpan reports the top of the calling goroutine's stack.
func (r *Registry) CurrentSpan() CurrentSpan {
	id, ok := r.currentID()
	if !ok {
		return CurrentNone()
	}
	data, ok := r.lookupSpan(id)
	if !ok {
		return CurrentNone()
	}
	return CurrentKnown(id, data.metadata)
}

func (r *Registry) currentID() (ID, bool) {
	v, ok := r.stacks.Load(goid.Get())
	if !ok {
		return 0, false
	}
	return v.(*spanStack).current()
}

// lookupSpan serves stored span data to layer Contexts.
func (r *Registry) lookupSpan(id ID) (*SpanData, bool) {
	r.mu.RLock()
	data, ok := r.spans[id]
	r.mu.RUnlock()
	return data, ok
}

// SpanCount reports the number of spans currently stored.
func (r *Registry) SpanCount() int {
	r.mu.RLock()
	n := len(r.spans)
	r.mu.RUnlock()
	return n
}

// startClose registers an in-flight close for the span, deferring eviction
// until the guard finishes.
func (r *Registry) startClose(id ID) *closeGuard {
	r.mu.RLock()
	data, ok := r.spans[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	data.guards.Add(1)
	return &closeGuard{registry: r, data: data}
}

func (r *Registry) evict(data *SpanData) {
	r.mu.Lock()
	delete(r.spans, data.id)
	r.mu.Unlock()
	r.pool.release(data.id)
	if data.parent != 0 {
		// Drop the storage pin the child held on its parent.
		r.TryClose(data.parent)
	}
}

// closeSequencer is implemented by collectors that stage span eviction so
// close notifications observe consistent storage.
type closeSequencer interface {
	startClose(id ID) *closeGuard
}

// closeGuard holds a span's storage in place across a close notification.
type closeGuard struct {
	registry *Registry
	data     *SpanData
}

// setClosing marks that the guarded span's last reference was released.
func (g *closeGuard) setClosing() {
	if g == nil {
		return
	}
	g.data.closing.Store(true)
}

// finish releases the guard, evicting the span if it finished closing while
// guarded.
func (g *closeGuard) finish() {
	if g == nil {
		return
	}
	if g.data.guards.Add(-1) == 0 && g.data.closing.Load() && g.data.refs.Load() == 0 {
		g.registry.evict(g.data)
	}
}

// SpanData is the registry's stored record of one span: its identity,
// metadata, parent link, creation time, per-layer filter visibility, and the
// typed extensions side table layers hang their own state on.
type SpanData struct {
	id        ID
	metadata  *Metadata
	parent    ID
	startedAt time.Time
	filterMap FilterMap

	extensions Extensions
	refs       atomic.Int64
	guards     atomic.Int64
	closing    atomic.Bool
}

// ID returns the span's identity.
func (d *SpanData) ID() ID { return d.id }

// Metadata returns the span's callsite descriptor.
func (d *SpanData) Metadata() *Metadata { return d.metadata }

// Name returns the span's callsite name.
func (d *SpanData) Name() string { return d.metadata.Name() }

// Parent returns the parent span's ID, if the span is not a root.
func (d *SpanData) Parent() (ID, bool) { return d.parent, d.parent != 0 }

// StartedAt returns the span's creation time.
func (d *SpanData) StartedAt() time.Time { return d.startedAt }

// Extensions returns the span's typed side table.
func (d *SpanData) Extensions() *Extensions { return &d.extensions }

// IsClosing reports whether the span's last reference has been released and
// it survives only for in-flight close notifications.
func (d *SpanData) IsClosing() bool { return d.closing.Load() }

func (d *SpanData) enabledFor(f FilterID) bool { return d.filterMap.IsEnabled(f) }

// spanStack is one goroutine's enter/exit nesting. Entries repeat when a
// span is entered while already on the stack.
type spanStack struct {
	mu      sync.Mutex
	entries []ID
}

func (s *spanStack) push(id ID) {
	s.mu.Lock()
	s.entries = append(s.entries, id)
	s.mu.Unlock()
}

// pop removes the most recent entry for id, tolerating out-of-order exits.
func (s *spanStack) pop(id ID) {
	s.mu.Lock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i] == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

func (s *spanStack) current() (ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return 0, false
	}
	return s.entries[len(s.entries)-1], true
}

func (s *spanStack) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) == 0
}
