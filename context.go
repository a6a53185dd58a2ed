package dispatchz

// spanLookup is the storage contract a terminal collector exposes to layers:
// stored per-span data retrievable by ID. A Layered composite forwards it
// inward, so any layer in a stack over a Registry can reach span storage.
type spanLookup interface {
	lookupSpan(id ID) (*SpanData, bool)
}

// filterRegistrar allocates per-layer filter slots. Implemented by the
// Registry and forwarded inward by Layered.
type filterRegistrar interface {
	registerFilter() (FilterID, bool)
}

// Context is the read-only view a layer receives with every notification: the
// collector stack beneath it, narrowed to the spans visible through the
// layer's own filter when one is attached.
//
// The zero Context is the degenerate view used during callsite registration,
// before any collector is reachable: nothing is enabled and no spans exist.
type Context struct {
	collector Collector
	filter    FilterID
	filtered  bool
}

// NewContext builds a context over a collector stack.
func NewContext(c Collector) Context { return Context{collector: c} }

// withFilter narrows the context to spans enabled for the given filter.
// Nested filters accumulate: a span must be visible through every filter on
// the path.
func (c Context) withFilter(f FilterID) Context {
	if c.filtered {
		c.filter = c.filter.And(f)
	} else {
		c.filter = f
		c.filtered = true
	}
	return c
}

// Collector returns the collector stack beneath the layer, or nil for the
// zero Context.
func (c Context) Collector() Collector { return c.collector }

// Enabled reports the underlying collector's opinion of the metadata.
func (c Context) Enabled(md *Metadata) bool {
	if c.collector == nil {
		return false
	}
	return c.collector.Enabled(md)
}

// CurrentSpan reports the underlying collector's current span.
func (c Context) CurrentSpan() CurrentSpan {
	if c.collector == nil {
		return CurrentUnknown()
	}
	return c.collector.CurrentSpan()
}

func (c Context) visible(data *SpanData) bool {
	if !c.filtered {
		return true
	}
	return data.enabledFor(c.filter)
}

// Span fetches the stored data for id, if the underlying collector stores
// spans and the span is visible to this layer's filter.
func (c Context) Span(id ID) (*SpanData, bool) {
	if c.collector == nil {
		return nil, false
	}
	sl, ok := c.collector.(spanLookup)
	if !ok {
		return nil, false
	}
	data, ok := sl.lookupSpan(id)
	if !ok || !c.visible(data) {
		return nil, false
	}
	return data, true
}

// Exists reports whether the span is stored and visible.
func (c Context) Exists(id ID) bool {
	_, ok := c.Span(id)
	return ok
}

// Current fetches the stored data of the current span. With a filter
// attached, a filtered-out current span falls back to its nearest visible
// ancestor, so the layer observes the scope as it sees it.
func (c Context) Current() (*SpanData, bool) {
	id, ok := c.CurrentSpan().ID()
	if !ok || c.collector == nil {
		return nil, false
	}
	sl, ok := c.collector.(spanLookup)
	if !ok {
		return nil, false
	}
	for {
		data, ok := sl.lookupSpan(id)
		if !ok {
			return nil, false
		}
		if c.visible(data) {
			return data, true
		}
		id, ok = data.Parent()
		if !ok {
			return nil, false
		}
	}
}

// Scope returns the span's ancestor chain, leaf to root, restricted to spans
// visible to this layer's filter. Reverse it for root-to-leaf order.
func (c Context) Scope(id ID) []*SpanData {
	data, ok := c.Span(id)
	if !ok {
		return nil
	}
	sl := c.collector.(spanLookup)
	var scope []*SpanData
	for {
		if c.visible(data) {
			scope = append(scope, data)
		}
		parent, ok := data.Parent()
		if !ok {
			return scope
		}
		data, ok = sl.lookupSpan(parent)
		if !ok {
			return scope
		}
	}
}

// CurrentScope returns the current span's ancestor chain, leaf to root.
func (c Context) CurrentScope() []*SpanData {
	data, ok := c.Current()
	if !ok {
		return nil
	}
	return c.Scope(data.ID())
}

// EventScope returns the scope an event belongs to: the explicit parent's
// scope when one was designated, the current scope for contextual events,
// nil for explicitly rooted events.
func (c Context) EventScope(ev *Event) []*SpanData {
	p := ev.Parent()
	if p.IsRoot() {
		return nil
	}
	if id, ok := p.Explicit(); ok {
		return c.Scope(id)
	}
	return c.CurrentScope()
}
