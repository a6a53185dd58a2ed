package dispatchz

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStackNotificationOrder(t *testing.T) {
	log := &callLog{}
	a := &recordingLayer{name: "a", log: log}
	b := &recordingLayer{name: "b", log: log}
	c := &recordingLayer{name: "c", log: log}
	collector := Stack(a, b, c)(NewRegistry())

	md := NewMetadata("ordered", "test/layer", LevelInfo, KindEvent, nil)
	require.True(t, collector.Enabled(md))
	require.Equal(t,
		[]string{"a:enabled:ordered", "b:enabled:ordered", "c:enabled:ordered"},
		log.snapshot(), "enablement runs outermost first")

	log.reset()
	collector.Event(NewEvent(md, md.Fields().ValueSet()))
	require.Equal(t,
		[]string{"c:event:ordered", "b:event:ordered", "a:event:ordered"},
		log.snapshot(), "notifications run innermost first")
}

func TestStackEnabledShortCircuits(t *testing.T) {
	log := &callLog{}
	outer := &recordingLayer{name: "outer", log: log, enabledFn: func(*Metadata) bool { return false }}
	inner := &recordingLayer{name: "inner", log: log}
	collector := Stack(outer, inner)(NewRegistry())

	md := NewMetadata("gated", "test/layer", LevelInfo, KindEvent, nil)
	require.False(t, collector.Enabled(md))
	require.Equal(t, []string{"outer:enabled:gated"}, log.snapshot(),
		"inner layer must not be consulted after outer veto")
}

func TestSpanLifecycleThroughStack(t *testing.T) {
	log := &callLog{}
	layer := &recordingLayer{name: "l", log: log}
	registry := NewRegistry()
	collector := WithCollector(layer, registry)

	md := NewMetadata("lifecycle", "test/layer", LevelInfo, KindSpan, nil)
	id := collector.NewSpan(NewAttributes(md, md.Fields().ValueSet()))
	collector.Enter(id)
	collector.Exit(id)
	require.True(t, collector.TryClose(id))
	require.Equal(t, []string{"l:new_span", "l:enter", "l:exit", "l:close"}, log.snapshot())
	require.Zero(t, registry.SpanCount(), "storage reclaimed after close")
}

// closeInspectingLayer asserts storage is still readable during OnClose.
type closeInspectingLayer struct {
	NopLayer
	sawData    bool
	sawClosing bool
}

func (l *closeInspectingLayer) OnClose(id ID, ctx Context) {
	if data, ok := ctx.Span(id); ok {
		l.sawData = true
		l.sawClosing = data.IsClosing()
	}
}

func TestOnCloseSeesClosingSpan(t *testing.T) {
	layer := &closeInspectingLayer{}
	registry := NewRegistry()
	collector := WithCollector(layer, registry)

	md := NewMetadata("closing", "test/layer", LevelInfo, KindSpan, nil)
	id := collector.NewSpan(NewAttributes(md, md.Fields().ValueSet()))
	require.True(t, collector.TryClose(id))

	require.True(t, layer.sawData, "span storage must survive into OnClose")
	require.True(t, layer.sawClosing, "span must report closing during OnClose")
	require.Zero(t, registry.SpanCount(), "storage reclaimed after OnClose returns")
}

func TestTryCloseFalseSkipsOnClose(t *testing.T) {
	log := &callLog{}
	layer := &recordingLayer{name: "l", log: log}
	collector := WithCollector(layer, NewRegistry())

	md := NewMetadata("held", "test/layer", LevelInfo, KindSpan, nil)
	id := collector.NewSpan(NewAttributes(md, md.Fields().ValueSet()))
	collector.CloneSpan(id)

	require.False(t, collector.TryClose(id))
	require.NotContains(t, log.snapshot(), "l:close")
	require.True(t, collector.TryClose(id))
	require.Contains(t, log.snapshot(), "l:close")
}

func TestCloneSpanWithoutRenumberSkipsIDChange(t *testing.T) {
	changed := false
	layer := &idChangeLayer{onChange: func() { changed = true }}
	collector := WithCollector(layer, NewRegistry())

	md := NewMetadata("stable-id", "test/layer", LevelInfo, KindSpan, nil)
	id := collector.NewSpan(NewAttributes(md, md.Fields().ValueSet()))
	require.Equal(t, id, collector.CloneSpan(id))
	require.False(t, changed, "OnIDChange must not fire when the id is stable")
}

type idChangeLayer struct {
	NopLayer
	onChange func()
}

func (l *idChangeLayer) OnIDChange(_, _ ID, _ Context) { l.onChange() }

func TestPickInterest(t *testing.T) {
	inner := func(i Interest) func() Interest {
		return func() Interest { return i }
	}

	// Unfiltered outer Never short-circuits.
	require.Equal(t, InterestNever,
		pickInterest(false, false, InterestNever, inner(InterestAlways)))
	// Outer Sometimes forces re-evaluation regardless of inner.
	require.Equal(t, InterestSometimes,
		pickInterest(false, false, InterestSometimes, inner(InterestAlways)))
	// Outer Always defers to inner.
	require.Equal(t, InterestNever,
		pickInterest(false, false, InterestAlways, inner(InterestNever)))
	// A filtered inner stack's Never softens to Sometimes: the outer layer
	// still wants the callsite.
	require.Equal(t, InterestSometimes,
		pickInterest(false, true, InterestAlways, inner(InterestNever)))
	// A filtered outer defers entirely to the inner stack.
	require.Equal(t, InterestNever,
		pickInterest(true, false, InterestAlways, inner(InterestNever)))
}

func TestPickLevelHint(t *testing.T) {
	// A terminal registry has no opinion; the layer's hint wins.
	level, ok := pickLevelHint(false, false, true, LevelDebug, true, LevelError, true)
	require.True(t, ok)
	require.Equal(t, LevelDebug, level)

	// Two filtered sides agree on the more verbose ceiling.
	level, ok = pickLevelHint(true, true, false, LevelInfo, true, LevelTrace, true)
	require.True(t, ok)
	require.Equal(t, LevelTrace, level)

	// A filtered side paired with an unbounded peer is unbounded.
	_, ok = pickLevelHint(true, false, false, LevelInfo, true, 0, false)
	require.False(t, ok)

	// Plain composition takes the more verbose of the present hints.
	level, ok = pickLevelHint(false, false, false, LevelWarn, true, LevelDebug, true)
	require.True(t, ok)
	require.Equal(t, LevelDebug, level)
	level, ok = pickLevelHint(false, false, false, 0, false, LevelWarn, true)
	require.True(t, ok)
	require.Equal(t, LevelWarn, level)
}

// hintedLayer reports a fixed verbosity ceiling.
type hintedLayer struct {
	NopLayer
	max Level
}

func (l *hintedLayer) MaxLevelHint() (Level, bool) { return l.max, true }

func TestLayeredMaxLevelHint(t *testing.T) {
	collector := WithCollector(&hintedLayer{max: LevelWarn}, NewRegistry())
	lh, ok := collector.(LevelHinter)
	require.True(t, ok)
	level, has := lh.MaxLevelHint()
	require.True(t, has)
	require.Equal(t, LevelWarn, level)
}

func TestContextDegradesWithoutCollector(t *testing.T) {
	var ctx Context
	md := NewMetadata("degraded", "test/layer", LevelInfo, KindEvent, nil)

	require.False(t, ctx.Enabled(md), "degraded context enables nothing")
	require.False(t, ctx.Exists(1))
	require.Nil(t, ctx.Scope(1))
	cur := ctx.CurrentSpan()
	require.False(t, cur.IsKnown())
	require.False(t, cur.IsNone())
}

func TestEventScope(t *testing.T) {
	registry := NewRegistry()
	ctx := NewContext(registry)

	rootMd := NewMetadata("scope-root", "test/layer", LevelInfo, KindSpan, nil)
	root := registry.NewSpan(NewAttributes(rootMd, rootMd.Fields().ValueSet()))
	childMd := NewMetadata("scope-child", "test/layer", LevelInfo, KindSpan, nil)
	child := registry.NewSpan(NewChildAttributes(childMd, childMd.Fields().ValueSet(), root))

	evMd := NewMetadata("scoped-event", "test/layer", LevelInfo, KindEvent, nil)

	explicit := NewChildEvent(evMd, evMd.Fields().ValueSet(), child)
	scope := ctx.EventScope(explicit)
	require.Len(t, scope, 2)
	require.Equal(t, child, scope[0].ID())
	require.Equal(t, root, scope[1].ID())

	require.Nil(t, ctx.EventScope(NewRootEvent(evMd, evMd.Fields().ValueSet())))

	registry.Enter(child)
	contextual := NewEvent(evMd, evMd.Fields().ValueSet())
	require.Len(t, ctx.EventScope(contextual), 2)
	registry.Exit(child)
}
