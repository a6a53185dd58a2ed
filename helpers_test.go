package dispatchz

import "sync"

// recordingCollector captures everything dispatched to it. Interest defaults
// to Sometimes so enablement is always re-checked through Enabled.
type recordingCollector struct {
	mu            sync.Mutex
	interest      Interest
	enabled       bool
	events        []*Event
	spans         []*Attributes
	entered       []ID
	exited        []ID
	closed        []ID
	registerCalls int
	nextID        ID
	refs          map[ID]int
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{
		interest: InterestSometimes,
		enabled:  true,
		refs:     make(map[ID]int),
	}
}

func (c *recordingCollector) RegisterCallsite(*Metadata) Interest {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registerCalls++
	return c.interest
}

func (c *recordingCollector) Enabled(*Metadata) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *recordingCollector) NewSpan(attrs *Attributes) ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.spans = append(c.spans, attrs)
	c.refs[c.nextID] = 1
	return c.nextID
}

func (c *recordingCollector) Record(ID, *ValueSet) {}

func (c *recordingCollector) RecordFollowsFrom(ID, ID) {}

func (c *recordingCollector) Event(ev *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *recordingCollector) Enter(id ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entered = append(c.entered, id)
}

func (c *recordingCollector) Exit(id ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exited = append(c.exited, id)
}

func (c *recordingCollector) CloneSpan(id ID) ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs[id]++
	return id
}

func (c *recordingCollector) TryClose(id ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.refs[id]; !ok {
		return false
	}
	c.refs[id]--
	if c.refs[id] > 0 {
		return false
	}
	delete(c.refs, id)
	c.closed = append(c.closed, id)
	return true
}

func (c *recordingCollector) CurrentSpan() CurrentSpan { return CurrentUnknown() }

func (c *recordingCollector) eventCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// callLog is a shared ordered record of layer hook invocations.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

func (l *callLog) reset() {
	l.mu.Lock()
	l.calls = nil
	l.mu.Unlock()
}

// recordingLayer appends every hook invocation to a shared log.
type recordingLayer struct {
	NopLayer
	name      string
	log       *callLog
	enabledFn func(md *Metadata) bool
}

func (r *recordingLayer) Enabled(md *Metadata, _ Context) bool {
	r.log.add(r.name + ":enabled:" + md.Name())
	if r.enabledFn != nil {
		return r.enabledFn(md)
	}
	return true
}

func (r *recordingLayer) OnNewSpan(_ *Attributes, _ ID, _ Context) {
	r.log.add(r.name + ":new_span")
}

func (r *recordingLayer) OnEvent(ev *Event, _ Context) {
	r.log.add(r.name + ":event:" + ev.Metadata().Name())
}

func (r *recordingLayer) OnEnter(ID, Context) { r.log.add(r.name + ":enter") }

func (r *recordingLayer) OnExit(ID, Context) { r.log.add(r.name + ":exit") }

func (r *recordingLayer) OnClose(ID, Context) { r.log.add(r.name + ":close") }

func (r *recordingLayer) OnRecord(ID, *ValueSet, Context) { r.log.add(r.name + ":record") }
