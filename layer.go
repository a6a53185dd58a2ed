package dispatchz

// Layer is one stage of a composed collector. Layers observe spans and
// events flowing to the collector beneath them and may veto enablement, but
// they never mint IDs; identity always comes from the terminal collector.
//
// A Layer must tolerate concurrent invocation once installed.
type Layer interface {
	// OnAttach runs once when the layer is composed onto a collector,
	// before the composite is installed anywhere. Layers acquire
	// per-collector resources here, such as a filter slot.
	OnAttach(c Collector)

	// OnInstall runs when the composed collector is wrapped in a Dispatch.
	OnInstall(d Dispatch)

	// RegisterCallsite is the layer's static classification of a callsite.
	RegisterCallsite(md *Metadata) Interest

	// Enabled may veto a span or event before it is constructed. A false
	// return short-circuits the layers beneath.
	Enabled(md *Metadata, ctx Context) bool

	// EventEnabled may veto an event using its recorded values.
	EventEnabled(ev *Event, ctx Context) bool

	// MaxLevelHint reports the layer's verbosity ceiling, if it has one.
	MaxLevelHint() (Level, bool)

	// Notification hooks. Each fires after the corresponding operation has
	// reached the collector beneath, so ctx already reflects it.
	OnNewSpan(attrs *Attributes, id ID, ctx Context)
	OnRecord(id ID, values *ValueSet, ctx Context)
	OnFollowsFrom(span, follows ID, ctx Context)
	OnEvent(ev *Event, ctx Context)
	OnEnter(id ID, ctx Context)
	OnExit(id ID, ctx Context)
	OnClose(id ID, ctx Context)
	OnIDChange(old, new ID, ctx Context)
}

// NopLayer is an embeddable Layer that observes nothing and disables
// nothing. Embed it and override the hooks of interest.
type NopLayer struct{}

// OnAttach is a no-op.
func (NopLayer) OnAttach(Collector) {}

// OnInstall is a no-op.
func (NopLayer) OnInstall(Dispatch) {}

// RegisterCallsite reports every callsite as always interesting.
func (NopLayer) RegisterCallsite(*Metadata) Interest { return InterestAlways }

// Enabled never vetoes.
func (NopLayer) Enabled(*Metadata, Context) bool { return true }

// EventEnabled never vetoes.
func (NopLayer) EventEnabled(*Event, Context) bool { return true }

// MaxLevelHint reports no ceiling.
func (NopLayer) MaxLevelHint() (Level, bool) { return 0, false }

// OnNewSpan is a no-op.
func (NopLayer) OnNewSpan(*Attributes, ID, Context) {}

// OnRecord is a no-op.
func (NopLayer) OnRecord(ID, *ValueSet, Context) {}

// OnFollowsFrom is a no-op.
func (NopLayer) OnFollowsFrom(ID, ID, Context) {}

// OnEvent is a no-op.
func (NopLayer) OnEvent(*Event, Context) {}

// OnEnter is a no-op.
func (NopLayer) OnEnter(ID, Context) {}

// OnExit is a no-op.
func (NopLayer) OnExit(ID, Context) {}

// OnClose is a no-op.
func (NopLayer) OnClose(ID, Context) {}

// OnIDChange is a no-op.
func (NopLayer) OnIDChange(ID, ID, Context) {}

// filterProbe marks composites that contain a per-layer filter somewhere
// inside. The flag changes interest arithmetic: a filtered component answers
// enablement per goroutine, so its static Never cannot short-circuit peers.
type filterProbe interface {
	containsFilter() bool
}

func layerContainsFilter(l Layer) bool {
	if fp, ok := l.(filterProbe); ok {
		return fp.containsFilter()
	}
	return false
}

func collectorContainsFilter(c Collector) bool {
	if fp, ok := c.(filterProbe); ok {
		return fp.containsFilter()
	}
	return false
}

// AndThen composes two layers; outer observes first on enablement and last
// on notifications. AndThen(a, AndThen(b, c)) delivers notifications in the
// order c, b, a.
func AndThen(outer, inner Layer) Layer {
	return &layeredLayer{
		outer:          outer,
		inner:          inner,
		outerHasFilter: layerContainsFilter(outer),
		innerHasFilter: layerContainsFilter(inner),
	}
}

// Stack composes any number of layers over a terminal collector; the first
// layer is outermost. Stack(a, b, c)(r) is WithCollector(AndThen(a,
// AndThen(b, c)), r).
func Stack(layers ...Layer) func(Collector) Collector {
	return func(c Collector) Collector {
		composed := c
		for i := len(layers) - 1; i >= 0; i-- {
			composed = WithCollector(layers[i], composed)
		}
		return composed
	}
}

// WithCollector composes a layer over a terminal collector, producing the
// collector to hand to NewDispatch.
func WithCollector(l Layer, c Collector) Collector {
	l.OnAttach(c)
	_, isRegistry := c.(*Registry)
	return &Layered{
		layer:           l,
		inner:           c,
		outerHasFilter:  layerContainsFilter(l),
		innerHasFilter:  collectorContainsFilter(c),
		innerIsRegistry: isRegistry,
	}
}

// Layered is a Layer composed over a terminal Collector. It is itself a
// Collector: enablement consults the layer before the inner collector, and
// notifications reach the inner collector before the layer.
type Layered struct {
	layer Layer
	inner Collector

	outerHasFilter  bool
	innerHasFilter  bool
	innerIsRegistry bool
}

func (l *Layered) ctx() Context { return Context{collector: l.inner} }

func (l *Layered) containsFilter() bool {
	// A terminal registry counts: spans it stores may carry per-layer
	// filter state that peers composed later must respect.
	return l.outerHasFilter || l.innerHasFilter || l.innerIsRegistry
}

// RegisterCallsite combines the layer's static interest with the inner
// collector's.
func (l *Layered) RegisterCallsite(md *Metadata) Interest {
	return pickInterest(
		l.outerHasFilter, l.innerHasFilter || l.innerIsRegistry,
		l.layer.RegisterCallsite(md),
		func() Interest { return l.inner.RegisterCallsite(md) },
	)
}

// Enabled asks the layer first; only if it permits does the inner collector
// weigh in.
func (l *Layered) Enabled(md *Metadata) bool {
	if l.layer.Enabled(md, l.ctx()) {
		return l.inner.Enabled(md)
	}
	// Short-circuiting past the inner stack: discard any per-layer filter
	// verdicts already recorded for this check.
	clearFilterEnabled()
	return false
}

// MaxLevelHint combines the layer's and the inner collector's ceilings.
func (l *Layered) MaxLevelHint() (Level, bool) {
	outer, outerOK := l.layer.MaxLevelHint()
	inner, innerOK := collectorMaxLevelHint(l.inner)
	return pickLevelHint(
		l.outerHasFilter, l.innerHasFilter, l.innerIsRegistry,
		outer, outerOK, inner, innerOK,
	)
}

// NewSpan mints the ID at the inner collector, then notifies the layer.
func (l *Layered) NewSpan(attrs *Attributes) ID {
	id := l.inner.NewSpan(attrs)
	l.layer.OnNewSpan(attrs, id, l.ctx())
	return id
}

// Record forwards inward, then notifies the layer.
func (l *Layered) Record(id ID, values *ValueSet) {
	l.inner.Record(id, values)
	l.layer.OnRecord(id, values, l.ctx())
}

// RecordFollowsFrom forwards inward, then notifies the layer.
func (l *Layered) RecordFollowsFrom(span, follows ID) {
	l.inner.RecordFollowsFrom(span, follows)
	l.layer.OnFollowsFrom(span, follows, l.ctx())
}

// EventEnabled asks the layer first, then the inner collector.
func (l *Layered) EventEnabled(ev *Event) bool {
	if l.layer.EventEnabled(ev, l.ctx()) {
		return collectorEventEnabled(l.inner, ev)
	}
	return false
}

// Event forwards inward, then notifies the layer.
func (l *Layered) Event(ev *Event) {
	l.inner.Event(ev)
	l.layer.OnEvent(ev, l.ctx())
}

// Enter forwards inward, then notifies the layer.
func (l *Layered) Enter(id ID) {
	l.inner.Enter(id)
	l.layer.OnEnter(id, l.ctx())
}

// Exit forwards inward, then notifies the layer.
func (l *Layered) Exit(id ID) {
	l.inner.Exit(id)
	l.layer.OnExit(id, l.ctx())
}

// CloneSpan forwards inward; if the inner collector renumbered, the layer is
// told about the identity change.
func (l *Layered) CloneSpan(id ID) ID {
	newID := l.inner.CloneSpan(id)
	if newID != id {
		l.layer.OnIDChange(id, newID, l.ctx())
	}
	return newID
}

// TryClose forwards the release inward. When this was the last reference,
// the layer's OnClose runs while the span's storage is still readable; only
// afterward may the inner collector reclaim it.
func (l *Layered) TryClose(id ID) bool {
	var guard *closeGuard
	if seq, ok := l.inner.(closeSequencer); ok {
		guard = seq.startClose(id)
	}
	closed := l.inner.TryClose(id)
	if closed {
		if guard != nil {
			guard.setClosing()
		}
		l.layer.OnClose(id, l.ctx())
	}
	if guard != nil {
		guard.finish()
	}
	return closed
}

// CurrentSpan reports the inner collector's view.
func (l *Layered) CurrentSpan() CurrentSpan { return l.inner.CurrentSpan() }

// OnRegisterDispatch propagates installation to the layer and inward.
func (l *Layered) OnRegisterDispatch(d Dispatch) {
	l.layer.OnInstall(d)
	if obs, ok := l.inner.(DispatchObserver); ok {
		obs.OnRegisterDispatch(d)
	}
}

// startClose forwards close sequencing to the terminal collector, so every
// composition level's OnClose runs before storage is evicted.
func (l *Layered) startClose(id ID) *closeGuard {
	if seq, ok := l.inner.(closeSequencer); ok {
		return seq.startClose(id)
	}
	return nil
}

// lookupSpan forwards span-storage access to the terminal collector.
func (l *Layered) lookupSpan(id ID) (*SpanData, bool) {
	if sl, ok := l.inner.(spanLookup); ok {
		return sl.lookupSpan(id)
	}
	return nil, false
}

// registerFilter forwards filter-slot allocation to the terminal collector.
func (l *Layered) registerFilter() (FilterID, bool) {
	if fr, ok := l.inner.(filterRegistrar); ok {
		return fr.registerFilter()
	}
	return FilterID{}, false
}

// layeredLayer is the composition of two layers, itself a Layer. Built by
// AndThen.
type layeredLayer struct {
	outer Layer
	inner Layer

	outerHasFilter bool
	innerHasFilter bool
}

func (l *layeredLayer) containsFilter() bool { return l.outerHasFilter || l.innerHasFilter }

func (l *layeredLayer) OnAttach(c Collector) {
	l.outer.OnAttach(c)
	l.inner.OnAttach(c)
}

func (l *layeredLayer) OnInstall(d Dispatch) {
	l.outer.OnInstall(d)
	l.inner.OnInstall(d)
}

func (l *layeredLayer) RegisterCallsite(md *Metadata) Interest {
	return pickInterest(
		l.outerHasFilter, l.innerHasFilter,
		l.outer.RegisterCallsite(md),
		func() Interest { return l.inner.RegisterCallsite(md) },
	)
}

func (l *layeredLayer) Enabled(md *Metadata, ctx Context) bool {
	if l.outer.Enabled(md, ctx) {
		return l.inner.Enabled(md, ctx)
	}
	return false
}

func (l *layeredLayer) EventEnabled(ev *Event, ctx Context) bool {
	if l.outer.EventEnabled(ev, ctx) {
		return l.inner.EventEnabled(ev, ctx)
	}
	return false
}

func (l *layeredLayer) MaxLevelHint() (Level, bool) {
	outer, outerOK := l.outer.MaxLevelHint()
	inner, innerOK := l.inner.MaxLevelHint()
	return pickLevelHint(
		l.outerHasFilter, l.innerHasFilter, false,
		outer, outerOK, inner, innerOK,
	)
}

func (l *layeredLayer) OnNewSpan(attrs *Attributes, id ID, ctx Context) {
	l.inner.OnNewSpan(attrs, id, ctx)
	l.outer.OnNewSpan(attrs, id, ctx)
}

func (l *layeredLayer) OnRecord(id ID, values *ValueSet, ctx Context) {
	l.inner.OnRecord(id, values, ctx)
	l.outer.OnRecord(id, values, ctx)
}

func (l *layeredLayer) OnFollowsFrom(span, follows ID, ctx Context) {
	l.inner.OnFollowsFrom(span, follows, ctx)
	l.outer.OnFollowsFrom(span, follows, ctx)
}

func (l *layeredLayer) OnEvent(ev *Event, ctx Context) {
	l.inner.OnEvent(ev, ctx)
	l.outer.OnEvent(ev, ctx)
}

func (l *layeredLayer) OnEnter(id ID, ctx Context) {
	l.inner.OnEnter(id, ctx)
	l.outer.OnEnter(id, ctx)
}

func (l *layeredLayer) OnExit(id ID, ctx Context) {
	l.inner.OnExit(id, ctx)
	l.outer.OnExit(id, ctx)
}

func (l *layeredLayer) OnClose(id ID, ctx Context) {
	l.inner.OnClose(id, ctx)
	l.outer.OnClose(id, ctx)
}

func (l *layeredLayer) OnIDChange(old, new ID, ctx Context) {
	l.inner.OnIDChange(old, new, ctx)
	l.outer.OnIDChange(old, new, ctx)
}

// DispatchObserver is an optional Collector refinement notified when the
// collector is wrapped in a Dispatch.
type DispatchObserver interface {
	OnRegisterDispatch(d Dispatch)
}

// pickInterest combines an outer component's static interest with an inner
// one's. A filtered outer defers entirely to the inner stack, because its
// real verdicts arrive per goroutine through Enabled. An unfiltered outer
// Never wins outright. A filtered inner stack that answers Never is softened
// to Sometimes: the outer component still wants the callsite, so enablement
// must run to let the inner filters skip it per emission.
func pickInterest(outerHasFilter, innerHasFilter bool, outer Interest, inner func() Interest) Interest {
	if outerHasFilter {
		return inner()
	}
	if outer.IsNever() {
		// Short-circuiting past the inner stack: discard the per-layer
		// filter interest accumulated while computing the outer answer.
		takeFilterInterest()
		return outer
	}
	in := inner()
	if outer.IsSometimes() {
		return outer
	}
	if in.IsNever() && innerHasFilter {
		return InterestSometimes
	}
	return in
}

// pickLevelHint combines verbosity ceilings across a composition boundary.
// With filters on both sides the effective ceiling is the more verbose of
// the two, since either side alone may want records at that level; a filter
// paired with an unbounded peer yields no ceiling at all.
func pickLevelHint(outerHasFilter, innerHasFilter, innerIsRegistry bool, outer Level, outerOK bool, inner Level, innerOK bool) (Level, bool) {
	if innerIsRegistry {
		return outer, outerOK
	}
	if outerHasFilter && innerHasFilter {
		if !outerOK || !innerOK {
			return 0, false
		}
		return maxLevel(outer, inner), true
	}
	if outerHasFilter && !innerOK {
		return 0, false
	}
	if innerHasFilter && !outerOK {
		return 0, false
	}
	if outerOK && innerOK {
		return maxLevel(outer, inner), true
	}
	if outerOK {
		return outer, true
	}
	return inner, innerOK
}

// maxLevel returns the more verbose of two levels.
func maxLevel(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}
