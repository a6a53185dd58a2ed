package dispatchz

import (
	"sync"
	"sync/atomic"
	"weak"

	"github.com/cockroachdb/errors"
	"github.com/petermattis/goid"
)

// ErrAlreadySet is returned by SetGlobalDefault when a global default has
// already been installed. Callers typically log it and continue with
// whichever default won the race; it is never fatal.
var ErrAlreadySet = errors.New("a global default dispatcher has already been set")

// Dispatch is a cheap, cloneable, type-erased handle to "the currently
// active collector". Copying a Dispatch is a pointer copy. The zero Dispatch
// forwards everything to a NopCollector.
type Dispatch struct {
	handle *dispatchHandle
}

// dispatchHandle is the shared backing store for a Dispatch. A handle
// promoted to global backing lives for the rest of the process; scoped
// handles are reclaimed by the runtime once the last Dispatch referencing
// them is gone.
type dispatchHandle struct {
	collector Collector
	global    atomic.Bool
}

// noneHandle backs the zero Dispatch. Marked global so that downgrading a
// none Dispatch always upgrades.
var noneHandle = func() *dispatchHandle {
	h := &dispatchHandle{collector: NopCollector{}}
	h.global.Store(true)
	return h
}()

// NewDispatch wraps a collector in a Dispatch and registers it with the
// callsite registry, rebuilding cached interest so already-encountered
// callsites observe the new collector.
func NewDispatch(c Collector) Dispatch {
	if c == nil {
		return NoneDispatch()
	}
	h := &dispatchHandle{collector: c}
	registerDispatcher(h)
	d := Dispatch{handle: h}
	if obs, ok := c.(DispatchObserver); ok {
		obs.OnRegisterDispatch(d)
	}
	rebuildInterest()
	return d
}

// NoneDispatch returns a Dispatch over the always-disabled NopCollector.
// Unlike the zero Dispatch it is a real value that can be installed as a
// scoped default to silence a goroutine.
func NoneDispatch() Dispatch { return Dispatch{handle: noneHandle} }

func (d Dispatch) coll() Collector {
	if d.handle == nil {
		return NopCollector{}
	}
	return d.handle.collector
}

// IsNone reports whether the dispatch forwards to the no-op collector.
func (d Dispatch) IsNone() bool {
	if d.handle == nil {
		return true
	}
	_, ok := d.handle.collector.(NopCollector)
	return ok
}

// RegisterCallsite forwards to the underlying collector.
func (d Dispatch) RegisterCallsite(md *Metadata) Interest { return d.coll().RegisterCallsite(md) }

// Enabled forwards to the underlying collector.
func (d Dispatch) Enabled(md *Metadata) bool { return d.coll().Enabled(md) }

// NewSpan forwards to the underlying collector, which mints the ID.
func (d Dispatch) NewSpan(attrs *Attributes) ID { return d.coll().NewSpan(attrs) }

// Record forwards additional span values to the underlying collector.
func (d Dispatch) Record(id ID, values *ValueSet) { d.coll().Record(id, values) }

// RecordFollowsFrom forwards a causal relationship to the collector.
func (d Dispatch) RecordFollowsFrom(span, follows ID) { d.coll().RecordFollowsFrom(span, follows) }

// EventEnabled consults the collector's field-aware event filter.
func (d Dispatch) EventEnabled(ev *Event) bool { return collectorEventEnabled(d.coll(), ev) }

// Event delivers the event, first consulting the collector's field-aware
// event filter when it has one.
func (d Dispatch) Event(ev *Event) {
	c := d.coll()
	if collectorEventEnabled(c, ev) {
		c.Event(ev)
	}
}

// Enter forwards a span entry to the collector.
func (d Dispatch) Enter(id ID) { d.coll().Enter(id) }

// Exit forwards a span exit to the collector.
func (d Dispatch) Exit(id ID) { d.coll().Exit(id) }

// CloneSpan forwards a reference-count increment; the returned ID is the
// now-authoritative identity.
func (d Dispatch) CloneSpan(id ID) ID { return d.coll().CloneSpan(id) }

// TryClose forwards a reference-count decrement, reporting whether the span
// is now fully closed.
func (d Dispatch) TryClose(id ID) bool { return d.coll().TryClose(id) }

// CurrentSpan reports the collector's view of the active span on the
// calling goroutine.
func (d Dispatch) CurrentSpan() CurrentSpan { return d.coll().CurrentSpan() }

// MaxLevelHint reports the collector's verbosity ceiling, if it has one.
func (d Dispatch) MaxLevelHint() (Level, bool) { return collectorMaxLevelHint(d.coll()) }

// Downgrade returns a non-owning handle to the same collector. A
// global-backed dispatch always upgrades; a scoped one fails to upgrade once
// the last Dispatch referencing it is gone. This breaks reference cycles
// when a collector wants to hand out a Dispatch pointing at itself.
func (d Dispatch) Downgrade() WeakDispatch {
	h := d.handle
	if h == nil {
		return WeakDispatch{strong: noneHandle}
	}
	if h.global.Load() {
		return WeakDispatch{strong: h}
	}
	return WeakDispatch{weak: weak.Make(h)}
}

// WeakDispatch is the non-owning counterpart of a Dispatch.
type WeakDispatch struct {
	strong *dispatchHandle
	weak   weak.Pointer[dispatchHandle]
}

// Upgrade attempts to recover a usable Dispatch. It reports false once all
// strong holders of a scoped dispatch are gone.
func (w WeakDispatch) Upgrade() (Dispatch, bool) {
	if w.strong != nil {
		return Dispatch{handle: w.strong}, true
	}
	if h := w.weak.Value(); h != nil {
		return Dispatch{handle: h}, true
	}
	return Dispatch{}, false
}

// Global default state: a three-state init flag guards the single write to
// the global slot; afterward the slot is effectively immutable and reads
// need only the atomic init check.
const (
	globalUninitialized int32 = iota
	globalInitializing
	globalInitialized
)

var (
	globalInit  atomic.Int32
	globalSlot  atomic.Pointer[dispatchHandle]
	everSet     atomic.Bool
	scopedCount atomic.Int64
)

// SetGlobalDefault installs the process-wide default dispatcher. It may
// succeed at most once; later calls return ErrAlreadySet without side
// effects. Intended to be called at process start by the top-level
// executable, never by libraries.
func SetGlobalDefault(d Dispatch) error {
	if !globalInit.CompareAndSwap(globalUninitialized, globalInitializing) {
		return ErrAlreadySet
	}
	h := d.handle
	if h == nil {
		h = noneHandle
	}
	// The slot holds the handle forever; the collector is never freed.
	h.global.Store(true)
	globalSlot.Store(h)
	globalInit.Store(globalInitialized)
	everSet.Store(true)
	rebuildInterest()
	return nil
}

// HasBeenSet reports whether a default dispatcher has ever been installed,
// globally or scoped. Callsites may use it to elide work entirely.
func HasBeenSet() bool { return everSet.Load() }

func getGlobal() *dispatchHandle {
	if globalInit.Load() != globalInitialized {
		return noneHandle
	}
	return globalSlot.Load()
}

// goroutineState is the scoped-dispatch state of one goroutine. Fields are
// touched only by the owning goroutine; the table itself is shared.
type goroutineState struct {
	override Dispatch
	canEnter bool
}

var goroutineStates sync.Map // goroutine id -> *goroutineState

func loadOrCreateGoroutineState(gid int64) (*goroutineState, bool) {
	if v, ok := goroutineStates.Load(gid); ok {
		return v.(*goroutineState), false
	}
	st := &goroutineState{canEnter: true}
	actual, loaded := goroutineStates.LoadOrStore(gid, st)
	return actual.(*goroutineState), !loaded
}

// DefaultGuard restores the prior scoped default when released. It must be
// released on the goroutine that created it.
type DefaultGuard struct {
	gid      int64
	st       *goroutineState
	prev     Dispatch
	released bool
}

// SetDefault installs d as the calling goroutine's default dispatcher and
// returns a guard that restores the prior state. While any scoped default is
// active anywhere in the process, emissions leave the lock-free fast path.
func SetDefault(d Dispatch) *DefaultGuard {
	gid := goid.Get()
	st, _ := loadOrCreateGoroutineState(gid)
	g := &DefaultGuard{gid: gid, st: st, prev: st.override}
	st.override = d
	scopedCount.Add(1)
	everSet.Store(true)
	return g
}

// Release restores the prior scoped default. Safe to call more than once.
func (g *DefaultGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.st.override = g.prev
	if g.prev.handle == nil && g.st.canEnter {
		goroutineStates.Delete(g.gid)
	}
	scopedCount.Add(-1)
}

// WithDefault runs f with d as the calling goroutine's default dispatcher,
// restoring the prior state on every exit path, including a panicking f.
func WithDefault(d Dispatch, f func()) {
	g := SetDefault(d)
	defer g.Release()
	f()
}

// GetDefault invokes f with the calling goroutine's current dispatcher.
//
// The hot path: when no scoped default is active anywhere, this is a single
// atomic load and a call on the global default, with no goroutine-local
// access at all. Otherwise the goroutine's own state is consulted, guarded
// against reentrancy: if the current goroutine is already inside a
// collector's handling of a span or event, f observes the no-op dispatch
// instead of recursing into the same collector.
func GetDefault(f func(Dispatch)) {
	if scopedCount.Load() == 0 {
		f(Dispatch{handle: getGlobal()})
		return
	}
	gid := goid.Get()
	st, created := loadOrCreateGoroutineState(gid)
	if !st.canEnter {
		f(NoneDispatch())
		return
	}
	st.canEnter = false
	defer func() {
		st.canEnter = true
		if created && st.override.handle == nil {
			goroutineStates.Delete(gid)
		}
	}()
	if st.override.handle != nil {
		f(st.override)
		return
	}
	f(Dispatch{handle: getGlobal()})
}

// CurrentDispatch returns the calling goroutine's current dispatcher.
func CurrentDispatch() Dispatch {
	var d Dispatch
	GetDefault(func(cur Dispatch) { d = cur })
	return d
}

// dispatchers is the registrar of every live dispatch handle, held weakly so
// the registrar never extends a collector's lifetime. Consulted when
// computing per-callsite interest.
var dispatchers struct {
	mu   sync.Mutex
	list []weak.Pointer[dispatchHandle]
}

func registerDispatcher(h *dispatchHandle) {
	dispatchers.mu.Lock()
	dispatchers.list = append(dispatchers.list, weak.Make(h))
	dispatchers.mu.Unlock()
}

// liveDispatchers returns the currently live handles, pruning entries whose
// collectors have been reclaimed.
func liveDispatchers() []*dispatchHandle {
	dispatchers.mu.Lock()
	defer dispatchers.mu.Unlock()
	live := make([]*dispatchHandle, 0, len(dispatchers.list))
	kept := dispatchers.list[:0]
	for _, wp := range dispatchers.list {
		if h := wp.Value(); h != nil {
			live = append(live, h)
			kept = append(kept, wp)
		}
	}
	dispatchers.list = kept
	return live
}

// EmitEvent delivers an event built from md and values to the current
// dispatcher, honoring the cached per-callsite interest: a Never callsite
// costs only the cache load, a Sometimes callsite re-checks Enabled first.
func EmitEvent(md *Metadata, values *ValueSet) {
	switch md.Interest() {
	case InterestNever:
		return
	case InterestSometimes:
		enabled := false
		GetDefault(func(d Dispatch) { enabled = d.Enabled(md) })
		if !enabled {
			return
		}
	}
	ev := NewEvent(md, values)
	GetDefault(func(d Dispatch) { d.Event(ev) })
}

// EmitSpan constructs a span through the current dispatcher, returning the
// minted ID, or the zero ID when the callsite is disabled.
func EmitSpan(attrs *Attributes) ID {
	md := attrs.Metadata()
	switch md.Interest() {
	case InterestNever:
		return 0
	case InterestSometimes:
		enabled := false
		GetDefault(func(d Dispatch) { enabled = d.Enabled(md) })
		if !enabled {
			return 0
		}
	}
	var id ID
	GetDefault(func(d Dispatch) { id = d.NewSpan(attrs) })
	return id
}
