// Package dispatchz provides the dispatch and composition core for
// structured span/event instrumentation.
//
// Instrumented code emits two kinds of records: spans (durations with
// enter/exit boundaries) and events (point-in-time occurrences), each
// carrying typed key/value fields. Records are delivered to zero or more
// pluggable collectors without the emitting code knowing which collector,
// if any, is active.
//
// Core Components:.
//   - Metadata / FieldSet: immutable per-callsite descriptors.
//   - Dispatch: cheap, cloneable handle to the active collector.
//   - Collector: the terminal sink contract; mints span IDs.
//   - Layer: composable observers stacked over a Collector.
//   - Filtered: per-layer filtering without global disablement.
//   - Registry: span-storage-capable terminal collector.
//
// Basic Usage:.
//
//	reg := dispatchz.NewRegistry()
//	stack := dispatchz.WithCollector(myLayer, reg)
//	if err := dispatchz.SetGlobalDefault(dispatchz.NewDispatch(stack)); err != nil {
//		// another default won the race; keep going with it
//	}
//
//	md := dispatchz.NewMetadata("request", "myapp/server", dispatchz.LevelInfo,
//		dispatchz.KindEvent, []string{"method", "status"})
//	method, _ := md.Fields().Field("method")
//	vs := md.Fields().ValueSet(dispatchz.FieldValue{Field: method, Value: dispatchz.StringValue("GET")})
//	dispatchz.EmitEvent(md, vs)
//
// Thread Safety:.
//
// The global default is installed once and read lock-free thereafter.
// Scoped defaults and the reentrancy guard are goroutine-local. A collector
// shared through a Dispatch may be invoked from many goroutines at once and
// must synchronize its own state.
//
// Disabled Cost:.
//
// When no collector is configured and no scoped default is active, an
// emission costs one atomic load plus a cached per-callsite interest check.
// No allocation, no locking.
package dispatchz

// Level indicates the severity of a span or event. Lower values are higher
// priority: LevelError orders before LevelTrace.
type Level uint8

const (
	// LevelError designates very serious errors.
	LevelError Level = iota + 1
	// LevelWarn designates hazardous situations.
	LevelWarn
	// LevelInfo designates useful information.
	LevelInfo
	// LevelDebug designates lower priority information.
	LevelDebug
	// LevelTrace designates very low priority, often very verbose, information.
	LevelTrace
)

// String returns the uppercase name of the level.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	case LevelTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

// Enables reports whether a ceiling of l admits records at level other.
// A ceiling admits its own level and everything of higher priority.
func (l Level) Enables(other Level) bool {
	return other <= l
}

// Kind distinguishes what a callsite produces.
type Kind uint8

const (
	// KindSpan marks a callsite that constructs spans.
	KindSpan Kind = iota
	// KindEvent marks a callsite that emits events.
	KindEvent
	// KindHint marks a callsite used only for enablement probing.
	KindHint
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindSpan:
		return "span"
	case KindEvent:
		return "event"
	case KindHint:
		return "hint"
	default:
		return "unknown"
	}
}

// Interest is a collector's cacheable per-callsite verdict. It is computed
// once per callsite and reused until the set of active dispatchers changes.
type Interest uint8

const (
	// InterestNever means the callsite will never be enabled.
	InterestNever Interest = iota
	// InterestSometimes means enablement depends on runtime state and must
	// be re-checked at each emission.
	InterestSometimes
	// InterestAlways means the callsite is always enabled.
	InterestAlways
)

// IsNever reports whether the interest is InterestNever.
func (i Interest) IsNever() bool { return i == InterestNever }

// IsSometimes reports whether the interest is InterestSometimes.
func (i Interest) IsSometimes() bool { return i == InterestSometimes }

// IsAlways reports whether the interest is InterestAlways.
func (i Interest) IsAlways() bool { return i == InterestAlways }

// String returns a human-readable name for the interest.
func (i Interest) String() string {
	switch i {
	case InterestNever:
		return "never"
	case InterestSometimes:
		return "sometimes"
	case InterestAlways:
		return "always"
	default:
		return "unknown"
	}
}

// combineInterest merges the verdicts of two independent observers. Matching
// verdicts are cacheable; any disagreement collapses to InterestSometimes
// since the true answer now depends on which observer is asked.
func combineInterest(a, b Interest) Interest {
	if a == b {
		return a
	}
	return InterestSometimes
}
