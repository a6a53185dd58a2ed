package dispatchz

import (
	"sync"
	"sync/atomic"
)

// Metadata describes a single instrumentation callsite: its name, target,
// level, optional source location, declared field names, and whether it
// produces spans or events. Exactly one Metadata exists per callsite for the
// lifetime of the process; it is immutable after construction and its pointer
// identity is the callsite's identity.
//
//nolint:govet // Field order groups related descriptors over memory layout
type Metadata struct {
	name       string
	target     string
	level      Level
	kind       Kind
	modulePath string
	file       string
	line       int
	fields     *FieldSet

	// Cached interest, offset by one so zero means "not yet registered".
	interest atomic.Uint32
}

// NewMetadata constructs the immutable descriptor for a callsite. The field
// names are fixed in first-occurrence order and may not change afterward.
func NewMetadata(name, target string, level Level, kind Kind, fieldNames []string) *Metadata {
	m := &Metadata{
		name:   name,
		target: target,
		level:  level,
		kind:   kind,
	}
	m.fields = newFieldSet(fieldNames, Identifier{m: m})
	return m
}

// NewMetadataAt is NewMetadata with a recorded source location.
func NewMetadataAt(name, target string, level Level, kind Kind, fieldNames []string, modulePath, file string, line int) *Metadata {
	m := NewMetadata(name, target, level, kind, fieldNames)
	m.modulePath = modulePath
	m.file = file
	m.line = line
	return m
}

// Name returns the callsite's name.
func (m *Metadata) Name() string { return m.name }

// Target returns the callsite's target, typically the package path of the
// emitting code.
func (m *Metadata) Target() string { return m.target }

// Level returns the callsite's severity level.
func (m *Metadata) Level() Level { return m.level }

// Kind reports whether the callsite produces spans, events, or hints.
func (m *Metadata) Kind() Kind { return m.kind }

// ModulePath returns the module path of the emitting code, if recorded.
func (m *Metadata) ModulePath() (string, bool) { return m.modulePath, m.modulePath != "" }

// Location returns the file and line of the callsite, if recorded.
func (m *Metadata) Location() (string, int, bool) { return m.file, m.line, m.file != "" }

// Fields returns the callsite's declared field set.
func (m *Metadata) Fields() *FieldSet { return m.fields }

// Callsite returns the identity of this callsite. Two Identifiers are equal
// iff they refer to the same Metadata.
func (m *Metadata) Callsite() Identifier { return Identifier{m: m} }

// IsSpan reports whether the callsite produces spans.
func (m *Metadata) IsSpan() bool { return m.kind == KindSpan }

// IsEvent reports whether the callsite emits events.
func (m *Metadata) IsEvent() bool { return m.kind == KindEvent }

// Interest returns the cached combined interest of all live dispatchers in
// this callsite, registering the callsite on first use.
func (m *Metadata) Interest() Interest {
	if v := m.interest.Load(); v != 0 {
		return Interest(v - 1)
	}
	return RegisterCallsite(m)
}

func (m *Metadata) storeInterest(i Interest) {
	m.interest.Store(uint32(i) + 1)
}

// Identifier is the identity of a callsite. It is a comparable value;
// equality is pointer identity of the underlying Metadata.
type Identifier struct {
	m *Metadata
}

// Metadata returns the descriptor this identifier refers to, or nil for the
// zero Identifier.
func (i Identifier) Metadata() *Metadata { return i.m }

// callsites is the process-wide registry of every callsite encountered.
// Entries live until process exit; their cached interest is rebuilt whenever
// the set of live dispatchers changes.
var callsites struct {
	mu   sync.Mutex
	list []*Metadata
}

// RegisterCallsite records a callsite in the process-wide registry and
// computes its interest against every live dispatcher. It is idempotent;
// re-registering recomputes the cache.
func RegisterCallsite(m *Metadata) Interest {
	callsites.mu.Lock()
	registered := false
	for _, existing := range callsites.list {
		if existing == m {
			registered = true
			break
		}
	}
	if !registered {
		callsites.list = append(callsites.list, m)
	}
	callsites.mu.Unlock()

	interest := computeInterest(m)
	m.storeInterest(interest)
	return interest
}

// computeInterest asks every live dispatcher for its interest in the
// callsite and combines the answers. With no dispatcher alive the callsite
// is never interesting; a later dispatcher registration rebuilds the cache.
func computeInterest(m *Metadata) Interest {
	handles := liveDispatchers()
	if len(handles) == 0 {
		return InterestNever
	}
	interest := handles[0].collector.RegisterCallsite(m)
	for _, h := range handles[1:] {
		interest = combineInterest(interest, h.collector.RegisterCallsite(m))
	}
	return interest
}

// rebuildInterest recomputes the cached interest of every known callsite.
// Called when a new dispatcher is created or the global default is installed.
func rebuildInterest() {
	callsites.mu.Lock()
	snapshot := make([]*Metadata, len(callsites.list))
	copy(snapshot, callsites.list)
	callsites.mu.Unlock()

	for _, m := range snapshot {
		m.storeInterest(computeInterest(m))
	}
}
