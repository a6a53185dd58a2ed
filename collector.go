package dispatchz

// Collector is the complete contract a terminal trace sink implements.
// Exactly one logical Collector is active per goroutine at a time, because
// it alone is the authority that mints span IDs.
//
// A Collector shared through a Dispatch may be invoked concurrently from
// many goroutines; synchronizing internal state is the implementation's
// responsibility.
type Collector interface {
	// RegisterCallsite is called once per callsite the first time it is
	// encountered, letting the sink pre-classify whole callsites without
	// per-invocation cost. The result is cached until the set of live
	// dispatchers changes.
	RegisterCallsite(md *Metadata) Interest

	// Enabled is the per-invocation fallback check, consulted when
	// RegisterCallsite answered InterestSometimes.
	Enabled(md *Metadata) bool

	// NewSpan constructs a fresh span and returns its identity with an
	// implicit reference count of one. The sole source of IDs.
	NewSpan(attrs *Attributes) ID

	// Record attaches additional field values to an existing span. Fields
	// declared but not valued at creation are expected to transition from
	// empty to set exactly once, though re-setting is not forbidden.
	Record(id ID, values *ValueSet)

	// RecordFollowsFrom registers a causal, non-parental relationship:
	// span follows from the follows span.
	RecordFollowsFrom(span, follows ID)

	// Event delivers a point-in-time occurrence.
	Event(ev *Event)

	// Enter marks that execution entered the span's extent on the calling
	// goroutine. Enter/Exit nest like a stack and may repeat per span.
	Enter(id ID)

	// Exit marks that execution left the span's extent.
	Exit(id ID)

	// CloneSpan notifies that a new owner holds the ID, incrementing its
	// reference count. The returned ID is the now-authoritative identity;
	// the sink may renumber.
	CloneSpan(id ID) ID

	// TryClose notifies that one owner released the ID. It returns true iff
	// this release was the last reference, at which point the sink may
	// reclaim associated storage.
	TryClose(id ID) bool

	// CurrentSpan reports what this sink believes is the active span on the
	// calling goroutine.
	CurrentSpan() CurrentSpan
}

// EventEnabler is an optional Collector refinement that filters events using
// their recorded field values rather than only static metadata.
type EventEnabler interface {
	EventEnabled(ev *Event) bool
}

// LevelHinter is an optional refinement reporting a global verbosity
// ceiling, letting callsites above it be skipped without reaching the sink.
type LevelHinter interface {
	MaxLevelHint() (Level, bool)
}

// collectorEventEnabled applies the EventEnabler refinement when present,
// defaulting to true.
func collectorEventEnabled(c Collector, ev *Event) bool {
	if ee, ok := c.(EventEnabler); ok {
		return ee.EventEnabled(ev)
	}
	return true
}

// collectorMaxLevelHint applies the LevelHinter refinement when present.
func collectorMaxLevelHint(c Collector) (Level, bool) {
	if lh, ok := c.(LevelHinter); ok {
		return lh.MaxLevelHint()
	}
	return 0, false
}

// NopCollector is the always-disabled sink. An absent collector is
// represented by a real, callable NopCollector, never a null state, so
// callsites never branch on "is anyone listening" beyond the cheap interest
// check. It is also substituted for nested emissions intercepted by the
// reentrancy guard.
type NopCollector struct{}

// RegisterCallsite reports that no callsite is ever interesting.
func (NopCollector) RegisterCallsite(*Metadata) Interest { return InterestNever }

// Enabled reports false for all metadata.
func (NopCollector) Enabled(*Metadata) bool { return false }

// NewSpan returns the "no span" ID without side effects.
func (NopCollector) NewSpan(*Attributes) ID { return 0 }

// Record discards the values.
func (NopCollector) Record(ID, *ValueSet) {}

// RecordFollowsFrom discards the relationship.
func (NopCollector) RecordFollowsFrom(ID, ID) {}

// Event discards the event.
func (NopCollector) Event(*Event) {}

// Enter is a no-op.
func (NopCollector) Enter(ID) {}

// Exit is a no-op.
func (NopCollector) Exit(ID) {}

// CloneSpan returns the ID unchanged.
func (NopCollector) CloneSpan(id ID) ID { return id }

// TryClose reports false; there is nothing to reclaim.
func (NopCollector) TryClose(ID) bool { return false }

// CurrentSpan reports that no span is active.
func (NopCollector) CurrentSpan() CurrentSpan { return CurrentNone() }
