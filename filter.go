package dispatchz

import (
	"strings"
	"sync"

	"github.com/petermattis/goid"
)

// FilterID identifies one per-layer filter slot within a registry. Each
// Filtered layer attached to a registry owns one bit; a composite of nested
// filters owns the union of its members' bits. The zero FilterID is "no
// filter".
type FilterID struct {
	mask uint64
}

// And combines two filter identities; a span is visible through the
// combination only if every member filter enabled it.
func (f FilterID) And(other FilterID) FilterID {
	return FilterID{mask: f.mask | other.mask}
}

// IsZero reports whether this is the "no filter" identity.
func (f FilterID) IsZero() bool { return f.mask == 0 }

// FilterMap records, per filter slot, whether that filter disabled the span
// or event currently being processed. A set bit means disabled; the zero map
// means every filter enabled it.
type FilterMap uint64

// IsEnabled reports whether no filter covered by f disabled the record.
func (m FilterMap) IsEnabled(f FilterID) bool { return uint64(m)&f.mask == 0 }

// Set returns the map with f's verdict recorded.
func (m FilterMap) Set(f FilterID, enabled bool) FilterMap {
	if enabled {
		return m &^ FilterMap(f.mask)
	}
	return m | FilterMap(f.mask)
}

// filterState is one goroutine's in-flight filter scratchpad: the verdicts
// recorded during the current enablement pass, and the interest accumulated
// during the current callsite-registration pass. Entries are created on
// first use and deleted as soon as both halves are consumed, so an idle
// goroutine holds no state.
type filterState struct {
	enabled     FilterMap
	interest    Interest
	interestSet bool
}

var filterStates sync.Map // goroutine id -> *filterState

func loadFilterState() (*filterState, bool) {
	v, ok := filterStates.Load(goid.Get())
	if !ok {
		return nil, false
	}
	return v.(*filterState), true
}

func loadOrCreateFilterState() *filterState {
	gid := goid.Get()
	if v, ok := filterStates.Load(gid); ok {
		return v.(*filterState)
	}
	st := &filterState{}
	actual, _ := filterStates.LoadOrStore(gid, st)
	return actual.(*filterState)
}

// dropFilterStateIfEmpty removes the goroutine's entry once both the filter
// map and the accumulated interest have been consumed.
func dropFilterStateIfEmpty(st *filterState) {
	if st.enabled == 0 && !st.interestSet {
		filterStates.Delete(goid.Get())
	}
}

// setFilterEnabled records one filter's verdict for the span or event
// currently being checked. The map must have been drained by the previous
// pass; a dirty map here means verdicts were recorded for a record that was
// never dispatched and never cleared.
func setFilterEnabled(f FilterID, enabled bool) {
	st := loadOrCreateFilterState()
	st.enabled = st.enabled.Set(f, enabled)
	if enabled {
		dropFilterStateIfEmpty(st)
	}
}

// currentFilterMap returns the verdicts recorded so far in this pass.
func currentFilterMap() FilterMap {
	st, ok := loadFilterState()
	if !ok {
		return 0
	}
	return st.enabled
}

// clearFilterEnabled discards the verdicts of an enablement pass that
// short-circuited before reaching the registry.
func clearFilterEnabled() {
	st, ok := loadFilterState()
	if !ok {
		return
	}
	st.enabled = 0
	dropFilterStateIfEmpty(st)
}

// didEnable runs fn iff the filter did not disable the record currently
// being processed. A disable verdict is consumed here: once every filtered
// layer has observed the notification, the goroutine's map is drained.
func didEnable(f FilterID, fn func()) {
	st, ok := loadFilterState()
	if !ok || st.enabled.IsEnabled(f) {
		fn()
		return
	}
	st.enabled = st.enabled.Set(f, true)
	dropFilterStateIfEmpty(st)
}

// addFilterInterest folds one filter's callsite interest into the
// goroutine's accumulator, to be collected by the registry at the end of the
// registration pass.
func addFilterInterest(i Interest) {
	st := loadOrCreateFilterState()
	if !st.interestSet {
		st.interest = i
		st.interestSet = true
		return
	}
	st.interest = combineInterest(st.interest, i)
}

// takeFilterInterest consumes the accumulated callsite interest, if any.
func takeFilterInterest() (Interest, bool) {
	st, ok := loadFilterState()
	if !ok || !st.interestSet {
		return 0, false
	}
	i := st.interest
	st.interest = 0
	st.interestSet = false
	dropFilterStateIfEmpty(st)
	return i, true
}

// LayerFilter is a per-layer filtering policy, consumed by Filtered. Unlike
// a Layer's own Enabled, a LayerFilter's verdict gates only the layer it
// wraps; other layers attached to the same registry are unaffected.
type LayerFilter interface {
	// Enabled decides participation for one span or event.
	Enabled(md *Metadata, ctx Context) bool

	// CallsiteEnabled is the static classification: Never here means the
	// wrapped layer will not even register the callsite.
	CallsiteEnabled(md *Metadata) Interest

	// MaxLevelHint reports the filter's verbosity ceiling, if it has one.
	MaxLevelHint() (Level, bool)
}

// FilterHooks is an optional LayerFilter refinement for policies that track
// span lifecycle, such as a filter keyed on the current scope.
type FilterHooks interface {
	OnNewSpan(attrs *Attributes, id ID, ctx Context)
	OnRecord(id ID, values *ValueSet, ctx Context)
	OnEnter(id ID, ctx Context)
	OnExit(id ID, ctx Context)
	OnClose(id ID, ctx Context)
}

// Filtered wraps a layer with a per-layer filter. The filter's verdicts are
// recorded in the goroutine's FilterMap rather than vetoing the whole stack,
// so sibling layers with disjoint filters each see exactly their own slice
// of the record stream.
type Filtered struct {
	layer  Layer
	filter LayerFilter
	hooks  FilterHooks
	id     FilterID
}

// WithFilter wraps the layer so that only records enabled by the filter
// reach it. The result must be composed onto a collector that supports
// filter registration, such as a Registry.
func WithFilter(l Layer, f LayerFilter) *Filtered {
	hooks, _ := f.(FilterHooks)
	return &Filtered{layer: l, filter: f, hooks: hooks}
}

func (f *Filtered) containsFilter() bool { return true }

// OnAttach allocates the filter's slot from the terminal collector.
func (f *Filtered) OnAttach(c Collector) {
	fr, ok := c.(filterRegistrar)
	if !ok {
		panic("dispatchz: per-layer filters require a collector that allocates filter slots, such as a Registry")
	}
	id, ok := fr.registerFilter()
	if !ok {
		panic("dispatchz: per-layer filters require a collector that allocates filter slots, such as a Registry")
	}
	f.id = id
	f.layer.OnAttach(c)
}

// OnInstall forwards to the wrapped layer.
func (f *Filtered) OnInstall(d Dispatch) { f.layer.OnInstall(d) }

// RegisterCallsite records the filter's static interest in the goroutine
// accumulator and reports Always, deferring the real combined answer to the
// registry at the end of the registration pass.
func (f *Filtered) RegisterCallsite(md *Metadata) Interest {
	interest := f.filter.CallsiteEnabled(md)
	if !interest.IsNever() {
		f.layer.RegisterCallsite(md)
	}
	addFilterInterest(interest)
	return InterestAlways
}

// Enabled records the filter's verdict in the goroutine's FilterMap and
// reports true, so sibling layers still get their own check.
func (f *Filtered) Enabled(md *Metadata, ctx Context) bool {
	setFilterEnabled(f.id, f.filter.Enabled(md, ctx.withFilter(f.id)))
	return true
}

// EventEnabled defers to the wrapped layer only when this filter enabled the
// event; a disabled event passes through unjudged, its bit consumed later.
func (f *Filtered) EventEnabled(ev *Event, ctx Context) bool {
	st, ok := loadFilterState()
	if ok && !st.enabled.IsEnabled(f.id) {
		return true
	}
	return f.layer.EventEnabled(ev, ctx.withFilter(f.id))
}

// MaxLevelHint reports the filter's ceiling.
func (f *Filtered) MaxLevelHint() (Level, bool) { return f.filter.MaxLevelHint() }

// OnNewSpan fires only if the filter enabled the span, consuming its bit.
func (f *Filtered) OnNewSpan(attrs *Attributes, id ID, ctx Context) {
	didEnable(f.id, func() {
		fctx := ctx.withFilter(f.id)
		if f.hooks != nil {
			f.hooks.OnNewSpan(attrs, id, fctx)
		}
		f.layer.OnNewSpan(attrs, id, fctx)
	})
}

// OnEvent fires only if the filter enabled the event, consuming its bit.
func (f *Filtered) OnEvent(ev *Event, ctx Context) {
	didEnable(f.id, func() {
		f.layer.OnEvent(ev, ctx.withFilter(f.id))
	})
}

// ifEnabled narrows the context and reports whether the stored span is
// visible through this filter.
func (f *Filtered) ifEnabled(ctx Context, id ID) (Context, bool) {
	fctx := ctx.withFilter(f.id)
	if !fctx.Exists(id) {
		return Context{}, false
	}
	return fctx, true
}

// OnRecord fires only for spans this filter enabled at creation.
func (f *Filtered) OnRecord(id ID, values *ValueSet, ctx Context) {
	fctx, ok := f.ifEnabled(ctx, id)
	if !ok {
		return
	}
	if f.hooks != nil {
		f.hooks.OnRecord(id, values, fctx)
	}
	f.layer.OnRecord(id, values, fctx)
}

// OnFollowsFrom fires only for spans this filter enabled at creation.
func (f *Filtered) OnFollowsFrom(span, follows ID, ctx Context) {
	fctx, ok := f.ifEnabled(ctx, span)
	if !ok {
		return
	}
	f.layer.OnFollowsFrom(span, follows, fctx)
}

// OnEnter fires only for spans this filter enabled at creation.
func (f *Filtered) OnEnter(id ID, ctx Context) {
	fctx, ok := f.ifEnabled(ctx, id)
	if !ok {
		return
	}
	if f.hooks != nil {
		f.hooks.OnEnter(id, fctx)
	}
	f.layer.OnEnter(id, fctx)
}

// OnExit fires only for spans this filter enabled at creation.
func (f *Filtered) OnExit(id ID, ctx Context) {
	fctx, ok := f.ifEnabled(ctx, id)
	if !ok {
		return
	}
	if f.hooks != nil {
		f.hooks.OnExit(id, fctx)
	}
	f.layer.OnExit(id, fctx)
}

// OnClose fires only for spans this filter enabled at creation. The span's
// storage is still readable here; eviction waits for the close to complete.
func (f *Filtered) OnClose(id ID, ctx Context) {
	fctx, ok := f.ifEnabled(ctx, id)
	if !ok {
		return
	}
	if f.hooks != nil {
		f.hooks.OnClose(id, fctx)
	}
	f.layer.OnClose(id, fctx)
}

// OnIDChange forwards for spans this filter enabled at creation.
func (f *Filtered) OnIDChange(old, new ID, ctx Context) {
	fctx, ok := f.ifEnabled(ctx, old)
	if !ok {
		return
	}
	f.layer.OnIDChange(old, new, fctx)
}

// FilterFn adapts a metadata predicate into a LayerFilter. The predicate
// must be pure: the same metadata always yields the same answer, which lets
// the verdict be cached per callsite.
type FilterFn func(md *Metadata) bool

// Enabled applies the predicate.
func (fn FilterFn) Enabled(md *Metadata, _ Context) bool { return fn(md) }

// CallsiteEnabled classifies statically from the predicate.
func (fn FilterFn) CallsiteEnabled(md *Metadata) Interest {
	if fn(md) {
		return InterestAlways
	}
	return InterestNever
}

// MaxLevelHint reports no ceiling; the predicate is opaque.
func (FilterFn) MaxLevelHint() (Level, bool) { return 0, false }

// DynFilterFn adapts a context-aware predicate into a LayerFilter. Because
// the verdict may depend on dynamic state, callsites are classified
// Sometimes and re-checked on every emission.
type DynFilterFn func(md *Metadata, ctx Context) bool

// Enabled applies the predicate.
func (fn DynFilterFn) Enabled(md *Metadata, ctx Context) bool { return fn(md, ctx) }

// CallsiteEnabled always defers to the per-emission check.
func (DynFilterFn) CallsiteEnabled(*Metadata) Interest { return InterestSometimes }

// MaxLevelHint reports no ceiling.
func (DynFilterFn) MaxLevelHint() (Level, bool) { return 0, false }

// LevelFilter enables callsites at or below a verbosity ceiling.
type LevelFilter Level

// Enabled reports whether the metadata's level is within the ceiling.
func (lf LevelFilter) Enabled(md *Metadata, _ Context) bool {
	return Level(lf).Enables(md.Level())
}

// CallsiteEnabled classifies statically from the level alone.
func (lf LevelFilter) CallsiteEnabled(md *Metadata) Interest {
	if Level(lf).Enables(md.Level()) {
		return InterestAlways
	}
	return InterestNever
}

// MaxLevelHint reports the ceiling itself.
func (lf LevelFilter) MaxLevelHint() (Level, bool) { return Level(lf), true }

// TargetFilter enables callsites whose target equals the prefix or sits
// beneath it in the slash-separated hierarchy.
type TargetFilter string

func (tf TargetFilter) matches(md *Metadata) bool {
	target := md.Target()
	prefix := string(tf)
	if target == prefix {
		return true
	}
	return strings.HasPrefix(target, prefix+"/")
}

// Enabled reports whether the target matches.
func (tf TargetFilter) Enabled(md *Metadata, _ Context) bool { return tf.matches(md) }

// CallsiteEnabled classifies statically from the target alone.
func (tf TargetFilter) CallsiteEnabled(md *Metadata) Interest {
	if tf.matches(md) {
		return InterestAlways
	}
	return InterestNever
}

// MaxLevelHint reports no ceiling.
func (TargetFilter) MaxLevelHint() (Level, bool) { return 0, false }

// AndFilters combines filters conjunctively: a record passes only if every
// member enables it.
func AndFilters(filters ...LayerFilter) LayerFilter { return andFilter(filters) }

type andFilter []LayerFilter

func (fs andFilter) Enabled(md *Metadata, ctx Context) bool {
	for _, f := range fs {
		if !f.Enabled(md, ctx) {
			return false
		}
	}
	return true
}

func (fs andFilter) CallsiteEnabled(md *Metadata) Interest {
	interest := InterestAlways
	for _, f := range fs {
		in := f.CallsiteEnabled(md)
		if in.IsNever() {
			return in
		}
		interest = combineInterest(interest, in)
	}
	return interest
}

func (fs andFilter) MaxLevelHint() (Level, bool) {
	// The conjunction's ceiling is the most restrictive member's.
	var (
		hint Level
		ok   bool
	)
	for _, f := range fs {
		h, has := f.MaxLevelHint()
		if !has {
			continue
		}
		if !ok || h < hint {
			hint, ok = h, true
		}
	}
	return hint, ok
}

// OrFilters combines filters disjunctively: a record passes if any member
// enables it.
func OrFilters(filters ...LayerFilter) LayerFilter { return orFilter(filters) }

type orFilter []LayerFilter

func (fs orFilter) Enabled(md *Metadata, ctx Context) bool {
	for _, f := range fs {
		if f.Enabled(md, ctx) {
			return true
		}
	}
	return false
}

func (fs orFilter) CallsiteEnabled(md *Metadata) Interest {
	if len(fs) == 0 {
		return InterestNever
	}
	interest := InterestNever
	for _, f := range fs {
		in := f.CallsiteEnabled(md)
		if in.IsAlways() {
			return in
		}
		if in.IsSometimes() {
			interest = InterestSometimes
		}
	}
	return interest
}

func (fs orFilter) MaxLevelHint() (Level, bool) {
	// The disjunction's ceiling is the most permissive member's; a member
	// with no ceiling makes the whole disjunction unbounded.
	var hint Level
	for _, f := range fs {
		h, has := f.MaxLevelHint()
		if !has {
			return 0, false
		}
		if h > hint {
			hint = h
		}
	}
	return hint, len(fs) > 0
}

// NotFilter inverts a filter's verdict.
func NotFilter(f LayerFilter) LayerFilter { return notFilter{f} }

type notFilter struct {
	inner LayerFilter
}

func (nf notFilter) Enabled(md *Metadata, ctx Context) bool { return !nf.inner.Enabled(md, ctx) }

func (nf notFilter) CallsiteEnabled(md *Metadata) Interest {
	switch nf.inner.CallsiteEnabled(md) {
	case InterestAlways:
		return InterestNever
	case InterestNever:
		return InterestAlways
	default:
		return InterestSometimes
	}
}

// MaxLevelHint reports no ceiling; negation inverts the level set.
func (notFilter) MaxLevelHint() (Level, bool) { return 0, false }
