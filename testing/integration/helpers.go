// Package integration exercises the public API end to end: composed
// collectors installed as dispatchers, instrumented workloads emitting
// through them, and the storage contract observed from outside the module.
package integration

import (
	"sync"

	"github.com/zoobzio/dispatchz"
)

// captureLayer records everything it observes, tagged with the enclosing
// span's name at observation time.
type captureLayer struct {
	dispatchz.NopLayer

	mu      sync.Mutex
	events  []string
	spans   []string
	scopes  map[string][]string // event name -> enclosing span names, inner first
	entered int
	exited  int
	closed  int
}

func newCaptureLayer() *captureLayer {
	return &captureLayer{scopes: make(map[string][]string)}
}

func (l *captureLayer) OnNewSpan(attrs *dispatchz.Attributes, _ dispatchz.ID, _ dispatchz.Context) {
	l.mu.Lock()
	l.spans = append(l.spans, attrs.Metadata().Name())
	l.mu.Unlock()
}

func (l *captureLayer) OnEvent(ev *dispatchz.Event, ctx dispatchz.Context) {
	var scope []string
	for _, data := range ctx.EventScope(ev) {
		scope = append(scope, data.Metadata().Name())
	}
	l.mu.Lock()
	l.events = append(l.events, ev.Metadata().Name())
	l.scopes[ev.Metadata().Name()] = scope
	l.mu.Unlock()
}

func (l *captureLayer) OnEnter(dispatchz.ID, dispatchz.Context) {
	l.mu.Lock()
	l.entered++
	l.mu.Unlock()
}

func (l *captureLayer) OnExit(dispatchz.ID, dispatchz.Context) {
	l.mu.Lock()
	l.exited++
	l.mu.Unlock()
}

func (l *captureLayer) OnClose(dispatchz.ID, dispatchz.Context) {
	l.mu.Lock()
	l.closed++
	l.mu.Unlock()
}

func (l *captureLayer) eventNames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *captureLayer) spanNames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.spans...)
}

func (l *captureLayer) scopeOf(event string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.scopes[event]...)
}

// inSpan runs f inside an instrumented span on the current dispatcher. The
// span is entered for the duration of f and released afterward; if every
// collector rejects the span, f still runs, uninstrumented.
func inSpan(name, target string, f func()) {
	md := dispatchz.NewMetadata(name, target, dispatchz.LevelInfo, dispatchz.KindSpan, nil)
	id := dispatchz.EmitSpan(dispatchz.NewAttributes(md, md.Fields().ValueSet()))
	if id.IsZero() {
		f()
		return
	}
	d := dispatchz.CurrentDispatch()
	d.Enter(id)
	defer func() {
		d.Exit(id)
		d.TryClose(id)
	}()
	f()
}

// emitEvent emits a contextual event on the current dispatcher.
func emitEvent(name, target string, level dispatchz.Level) {
	md := dispatchz.NewMetadata(name, target, level, dispatchz.KindEvent, nil)
	dispatchz.EmitEvent(md, md.Fields().ValueSet())
}
