package dispatchz

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"
	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"
)

// LogCollector is a terminal collector that renders events and completed
// spans as structured log lines. Events log immediately at their metadata
// level; spans log once, on final close, with their accumulated fields and
// elapsed time.
//
// Thread-safe for concurrent access.
type LogCollector struct {
	logger zerolog.Logger
	clock  clockz.Clock
	max    Level

	pool   *idPool
	mu     sync.RWMutex
	spans  map[ID]*logSpan
	stacks sync.Map // goroutine id -> *spanStack
}

type logSpan struct {
	metadata *Metadata
	parent   ID
	started  time.Time

	mu     sync.Mutex
	fields map[string]any

	refs atomic.Int64
}

// NewLogCollector creates a collector logging to w at full verbosity. Uses
// the real clock for production behavior.
func NewLogCollector(w io.Writer) *LogCollector {
	return &LogCollector{
		logger: zerolog.New(w),
		clock:  clockz.RealClock,
		max:    LevelTrace,
		pool:   newIDPool(256),
		spans:  make(map[ID]*logSpan),
	}
}

// WithClock returns a new collector with the specified clock. Enables clock
// injection for deterministic testing.
func (c *LogCollector) WithClock(clock clockz.Clock) *LogCollector {
	return &LogCollector{
		logger: c.logger,
		clock:  clock,
		max:    c.max,
		pool:   newIDPool(256),
		spans:  make(map[ID]*logSpan),
	}
}

// WithMaxLevel returns a new collector that elides callsites more verbose
// than max.
func (c *LogCollector) WithMaxLevel(max Level) *LogCollector {
	out := c.WithClock(c.clock)
	out.max = max
	return out
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelError:
		return zerolog.ErrorLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelDebug:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

// RegisterCallsite classifies callsites statically by level.
func (c *LogCollector) RegisterCallsite(md *Metadata) Interest {
	if c.max.Enables(md.Level()) {
		return InterestAlways
	}
	return InterestNever
}

// Enabled gates by level.
func (c *LogCollector) Enabled(md *Metadata) bool { return c.max.Enables(md.Level()) }

// MaxLevelHint reports the configured verbosity ceiling.
func (c *LogCollector) MaxLevelHint() (Level, bool) { return c.max, true }

// NewSpan stores the span and its creation-time fields; nothing is logged
// until the span fully closes.
func (c *LogCollector) NewSpan(attrs *Attributes) ID {
	s := &logSpan{
		metadata: attrs.Metadata(),
		started:  c.clock.Now(),
		fields:   make(map[string]any),
	}
	s.refs.Store(1)
	if p := attrs.Parent(); p.IsContextual() {
		if cur, ok := c.currentID(); ok {
			s.parent = cur
		}
	} else if pid, ok := p.Explicit(); ok {
		s.parent = pid
	}
	if vs := attrs.Values(); vs != nil {
		vs.Visit(&mapVisitor{fields: s.fields})
	}

	id := c.pool.acquire()
	c.mu.Lock()
	c.spans[id] = s
	c.mu.Unlock()
	return id
}

// Record merges late-recorded values into the span's fields.
func (c *LogCollector) Record(id ID, values *ValueSet) {
	c.mu.RLock()
	s, ok := c.spans[id]
	c.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	values.Visit(&mapVisitor{fields: s.fields})
	s.mu.Unlock()
}

// RecordFollowsFrom logs the causal link at trace level.
func (c *LogCollector) RecordFollowsFrom(span, follows ID) {
	c.logger.Trace().
		Time(zerolog.TimestampFieldName, c.clock.Now()).
		Uint64("span", uint64(span)).
		Uint64("follows", uint64(follows)).
		Msg("follows_from")
}

// Event renders the event immediately at its metadata level.
func (c *LogCollector) Event(ev *Event) {
	md := ev.Metadata()
	e := c.logger.WithLevel(zerologLevel(md.Level())).
		Time(zerolog.TimestampFieldName, c.clock.Now()).
		Str("target", md.Target())
	if cur := c.CurrentSpan(); cur.IsKnown() {
		if smd, ok := cur.Metadata(); ok {
			e = e.Str("span", smd.Name())
		}
	}
	if vs := ev.Values(); vs != nil {
		vs.Visit(&zerologVisitor{e: e})
	}
	e.Msg(md.Name())
}

// Enter pushes the span onto the calling goroutine's stack.
func (c *LogCollector) Enter(id ID) {
	gid := goid.Get()
	var st *spanStack
	if v, ok := c.stacks.Load(gid); ok {
		st = v.(*spanStack)
	} else {
		st = &spanStack{}
		actual, _ := c.stacks.LoadOrStore(gid, st)
		st = actual.(*spanStack)
	}
	st.push(id)
}

// Exit pops the span from the calling goroutine's stack.
func (c *LogCollector) Exit(id ID) {
	gid := goid.Get()
	v, ok := c.stacks.Load(gid)
	if !ok {
		return
	}
	st := v.(*spanStack)
	st.pop(id)
	if st.empty() {
		c.stacks.Delete(gid)
	}
}

// CloneSpan increments the span's reference count.
func (c *LogCollector) CloneSpan(id ID) ID {
	c.mu.RLock()
	s, ok := c.spans[id]
	c.mu.RUnlock()
	if ok {
		s.refs.Add(1)
	}
	return id
}

// TryClose releases one reference; on the final release the span logs with
// its accumulated fields and elapsed time, then its storage is reclaimed.
func (c *LogCollector) TryClose(id ID) bool {
	c.mu.RLock()
	s, ok := c.spans[id]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	if s.refs.Add(-1) != 0 {
		return false
	}
	c.mu.Lock()
	delete(c.spans, id)
	c.mu.Unlock()
	c.pool.release(id)

	md := s.metadata
	e := c.logger.WithLevel(zerologLevel(md.Level())).
		Time(zerolog.TimestampFieldName, c.clock.Now()).
		Str("target", md.Target()).
		Dur("elapsed", c.clock.Now().Sub(s.started))
	s.mu.Lock()
	for k, v := range s.fields {
		e = e.Interface(k, v)
	}
	s.mu.Unlock()
	e.Msg(md.Name())
	return true
}

// CurrentSpan reports the top of the calling goroutine's stack.
func (c *LogCollector) CurrentSpan() CurrentSpan {
	id, ok := c.currentID()
	if !ok {
		return CurrentNone()
	}
	c.mu.RLock()
	s, ok := c.spans[id]
	c.mu.RUnlock()
	if !ok {
		return CurrentNone()
	}
	return CurrentKnown(id, s.metadata)
}

func (c *LogCollector) currentID() (ID, bool) {
	v, ok := c.stacks.Load(goid.Get())
	if !ok {
		return 0, false
	}
	return v.(*spanStack).current()
}

// zerologVisitor renders recorded values as log fields.
type zerologVisitor struct {
	e *zerolog.Event
}

func (z *zerologVisitor) VisitInt64(f Field, v int64)     { z.e = z.e.Int64(f.Name(), v) }
func (z *zerologVisitor) VisitUint64(f Field, v uint64)   { z.e = z.e.Uint64(f.Name(), v) }
func (z *zerologVisitor) VisitFloat64(f Field, v float64) { z.e = z.e.Float64(f.Name(), v) }
func (z *zerologVisitor) VisitBool(f Field, v bool)       { z.e = z.e.Bool(f.Name(), v) }
func (z *zerologVisitor) VisitString(f Field, v string)   { z.e = z.e.Str(f.Name(), v) }
func (z *zerologVisitor) VisitBytes(f Field, v []byte)    { z.e = z.e.Hex(f.Name(), v) }
func (z *zerologVisitor) VisitError(f Field, err error)   { z.e = z.e.AnErr(f.Name(), err) }
func (z *zerologVisitor) VisitAny(f Field, v any)         { z.e = z.e.Interface(f.Name(), v) }

// mapVisitor accumulates recorded values into a plain map.
type mapVisitor struct {
	fields map[string]any
}

func (m *mapVisitor) VisitInt64(f Field, v int64)     { m.fields[f.Name()] = v }
func (m *mapVisitor) VisitUint64(f Field, v uint64)   { m.fields[f.Name()] = v }
func (m *mapVisitor) VisitFloat64(f Field, v float64) { m.fields[f.Name()] = v }
func (m *mapVisitor) VisitBool(f Field, v bool)       { m.fields[f.Name()] = v }
func (m *mapVisitor) VisitString(f Field, v string)   { m.fields[f.Name()] = v }
func (m *mapVisitor) VisitBytes(f Field, v []byte)    { m.fields[f.Name()] = v }
func (m *mapVisitor) VisitError(f Field, err error)   { m.fields[f.Name()] = err }
func (m *mapVisitor) VisitAny(f Field, v any)         { m.fields[f.Name()] = v }
