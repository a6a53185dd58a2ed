package dispatchz

// ID identifies a span within a single collector. IDs are minted exclusively
// by the collector's NewSpan and are meaningful only in combination with
// that collector instance. The zero ID means "no span" / the root.
type ID uint64

// IsZero reports whether the ID is the "no span" sentinel.
func (id ID) IsZero() bool { return id == 0 }

type parentKind uint8

const (
	parentCurrent parentKind = iota
	parentRoot
	parentExplicit
)

// Parent designates where a new span or event attaches in the span tree:
// under the current span, at the root, or under an explicit span.
type Parent struct {
	kind parentKind
	id   ID
}

// CurrentParent attaches under whatever span the collector considers
// current. This is the default.
func CurrentParent() Parent { return Parent{kind: parentCurrent} }

// RootParent attaches at the root, ignoring the current span.
func RootParent() Parent { return Parent{kind: parentRoot} }

// ExplicitParent attaches under the given span.
func ExplicitParent(id ID) Parent { return Parent{kind: parentExplicit, id: id} }

// IsContextual reports whether the parent is the collector's current span.
func (p Parent) IsContextual() bool { return p.kind == parentCurrent }

// IsRoot reports whether the record is explicitly a root.
func (p Parent) IsRoot() bool { return p.kind == parentRoot }

// Explicit returns the explicit parent ID, if one was designated.
func (p Parent) Explicit() (ID, bool) {
	return p.id, p.kind == parentExplicit
}

// Attributes carries everything a collector needs to construct a span: the
// callsite metadata, the values recorded at creation, and the parent
// designation. Like a ValueSet, Attributes are transient; their lifetime is
// bounded to the NewSpan call.
type Attributes struct {
	metadata *Metadata
	values   *ValueSet
	parent   Parent
}

// NewAttributes builds span attributes attached under the current span.
func NewAttributes(md *Metadata, values *ValueSet) *Attributes {
	return &Attributes{metadata: md, values: values, parent: CurrentParent()}
}

// NewRootAttributes builds span attributes explicitly rooted.
func NewRootAttributes(md *Metadata, values *ValueSet) *Attributes {
	return &Attributes{metadata: md, values: values, parent: RootParent()}
}

// NewChildAttributes builds span attributes under an explicit parent.
func NewChildAttributes(md *Metadata, values *ValueSet, parent ID) *Attributes {
	return &Attributes{metadata: md, values: values, parent: ExplicitParent(parent)}
}

// Metadata returns the callsite descriptor.
func (a *Attributes) Metadata() *Metadata { return a.metadata }

// Values returns the values recorded at span creation. Fields declared but
// not valued here may be filled in later via Record.
func (a *Attributes) Values() *ValueSet { return a.values }

// Parent returns the parent designation.
func (a *Attributes) Parent() Parent { return a.parent }

// Event is a point-in-time structured occurrence. Events are not
// reference-counted; each is delivered once. Transient like Attributes.
type Event struct {
	metadata *Metadata
	values   *ValueSet
	parent   Parent
}

// NewEvent builds an event attached under the current span.
func NewEvent(md *Metadata, values *ValueSet) *Event {
	return &Event{metadata: md, values: values, parent: CurrentParent()}
}

// NewChildEvent builds an event under an explicit parent span.
func NewChildEvent(md *Metadata, values *ValueSet, parent ID) *Event {
	return &Event{metadata: md, values: values, parent: ExplicitParent(parent)}
}

// NewRootEvent builds an event with no parent span.
func NewRootEvent(md *Metadata, values *ValueSet) *Event {
	return &Event{metadata: md, values: values, parent: RootParent()}
}

// Metadata returns the callsite descriptor.
func (e *Event) Metadata() *Metadata { return e.metadata }

// Values returns the event's recorded values.
func (e *Event) Values() *ValueSet { return e.values }

// Parent returns the parent designation.
func (e *Event) Parent() Parent { return e.parent }

type currentKind uint8

const (
	currentUnknown currentKind = iota
	currentNone
	currentKnown
)

// CurrentSpan reports what a collector believes is the active span on the
// calling goroutine: a known span, known-to-be-none, or unknown (the
// collector does not track currency).
type CurrentSpan struct {
	kind     currentKind
	id       ID
	metadata *Metadata
}

// CurrentKnown reports a known active span.
func CurrentKnown(id ID, md *Metadata) CurrentSpan {
	return CurrentSpan{kind: currentKnown, id: id, metadata: md}
}

// CurrentNone reports that no span is active.
func CurrentNone() CurrentSpan { return CurrentSpan{kind: currentNone} }

// CurrentUnknown reports that the collector does not track the active span.
func CurrentUnknown() CurrentSpan { return CurrentSpan{kind: currentUnknown} }

// ID returns the active span's ID, if known.
func (c CurrentSpan) ID() (ID, bool) {
	return c.id, c.kind == currentKnown
}

// Metadata returns the active span's callsite descriptor, if known.
func (c CurrentSpan) Metadata() (*Metadata, bool) {
	return c.metadata, c.kind == currentKnown
}

// IsKnown reports whether a specific active span is known.
func (c CurrentSpan) IsKnown() bool { return c.kind == currentKnown }

// IsNone reports that the collector affirmatively has no active span.
func (c CurrentSpan) IsNone() bool { return c.kind == currentNone }
