package dispatchz

import (
	"runtime"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestWithDefaultScoping(t *testing.T) {
	collector := newRecordingCollector()
	d := NewDispatch(collector)

	WithDefault(d, func() {
		cur := CurrentDispatch()
		if cur.IsNone() {
			t.Error("Expected scoped default inside WithDefault")
		}
		md := NewMetadata("scoped", "test/dispatch", LevelInfo, KindEvent, nil)
		if !cur.Enabled(md) {
			t.Error("Expected scoped collector to enable metadata")
		}
	})
}

func TestSetDefaultRestoresPrevious(t *testing.T) {
	outer := NewDispatch(newRecordingCollector())
	innerCollector := newRecordingCollector()
	inner := NewDispatch(innerCollector)

	WithDefault(outer, func() {
		guard := SetDefault(inner)
		md := NewMetadata("nested", "test/dispatch", LevelInfo, KindEvent, nil)
		EmitEvent(md, md.Fields().ValueSet())
		guard.Release()

		if innerCollector.eventCount() != 1 {
			t.Errorf("Expected 1 event at inner collector, got %d", innerCollector.eventCount())
		}
		// After release the outer scoped default is active again.
		cur := CurrentDispatch()
		if cur.IsNone() {
			t.Error("Expected outer scoped default restored after release")
		}
	})
}

func TestWithDefaultRestoresOnPanic(t *testing.T) {
	collector := newRecordingCollector()
	d := NewDispatch(collector)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("Expected panic to propagate")
			}
		}()
		WithDefault(d, func() {
			panic("boom")
		})
	}()

	// The scoped slot must be released; emissions no longer reach the
	// collector unless the global default happens to be it.
	before := collector.eventCount()
	WithDefault(NoneDispatch(), func() {
		md := NewMetadata("after-panic", "test/dispatch", LevelInfo, KindEvent, nil)
		EmitEvent(md, md.Fields().ValueSet())
	})
	if collector.eventCount() != before {
		t.Error("Expected no events at collector after its scope was torn down")
	}
}

func TestGuardReleaseIsIdempotent(t *testing.T) {
	d := NewDispatch(newRecordingCollector())
	before := scopedCount.Load()
	guard := SetDefault(d)
	guard.Release()
	guard.Release()

	if after := scopedCount.Load(); after != before {
		t.Errorf("Expected scoped count restored to %d, got %d", before, after)
	}
}

func TestScopedNoneDispatchSilences(t *testing.T) {
	global := newRecordingCollector()
	outer := NewDispatch(global)

	WithDefault(outer, func() {
		WithDefault(NoneDispatch(), func() {
			if !CurrentDispatch().IsNone() {
				t.Error("Expected none dispatch to shadow the outer scoped default")
			}
			md := NewMetadata("silenced", "test/dispatch", LevelInfo, KindEvent, nil)
			EmitEvent(md, md.Fields().ValueSet())
		})
	})
	if global.eventCount() != 0 {
		t.Errorf("Expected 0 events through none dispatch, got %d", global.eventCount())
	}
}

// reentrantCollector emits a second event from inside its own Event handler.
type reentrantCollector struct {
	recordingCollector
	md *Metadata
}

func (c *reentrantCollector) Event(ev *Event) {
	c.recordingCollector.Event(ev)
	// The reentrancy guard must route this to the no-op dispatch instead of
	// recursing into this collector.
	EmitEvent(c.md, c.md.Fields().ValueSet())
}

func TestReentrantEmissionIsSuppressed(t *testing.T) {
	collector := &reentrantCollector{}
	collector.enabled = true
	collector.interest = InterestSometimes
	collector.refs = make(map[ID]int)
	collector.md = NewMetadata("nested-emit", "test/dispatch", LevelInfo, KindEvent, nil)

	d := NewDispatch(collector)
	WithDefault(d, func() {
		md := NewMetadata("outer-emit", "test/dispatch", LevelInfo, KindEvent, nil)
		EmitEvent(md, md.Fields().ValueSet())
	})

	if n := collector.eventCount(); n != 1 {
		t.Errorf("Expected exactly 1 event despite nested emission, got %d", n)
	}
}

func TestEmitEventDisabledCollector(t *testing.T) {
	collector := newRecordingCollector()
	collector.enabled = false
	d := NewDispatch(collector)

	WithDefault(d, func() {
		md := NewMetadata("disabled", "test/dispatch", LevelInfo, KindEvent, nil)
		EmitEvent(md, md.Fields().ValueSet())
	})
	if collector.eventCount() != 0 {
		t.Errorf("Expected 0 events at disabled collector, got %d", collector.eventCount())
	}
}

func TestEmitSpanDisabledReturnsZero(t *testing.T) {
	collector := newRecordingCollector()
	collector.enabled = false
	d := NewDispatch(collector)

	WithDefault(d, func() {
		md := NewMetadata("disabled-span", "test/dispatch", LevelInfo, KindSpan, nil)
		id := EmitSpan(NewAttributes(md, md.Fields().ValueSet()))
		if !id.IsZero() {
			t.Errorf("Expected zero ID from disabled callsite, got %d", id)
		}
	})
}

func TestEmitSpanMintsID(t *testing.T) {
	collector := newRecordingCollector()
	d := NewDispatch(collector)

	WithDefault(d, func() {
		md := NewMetadata("span", "test/dispatch", LevelInfo, KindSpan, nil)
		id := EmitSpan(NewAttributes(md, md.Fields().ValueSet()))
		if id.IsZero() {
			t.Error("Expected non-zero span ID")
		}
		if next := EmitSpan(NewAttributes(md, md.Fields().ValueSet())); next == id {
			t.Error("Expected distinct IDs for distinct spans")
		}
	})
}

func TestDispatchEventHonorsEventEnabler(t *testing.T) {
	collector := &vetoingCollector{}
	collector.enabled = true
	collector.interest = InterestSometimes
	collector.refs = make(map[ID]int)
	d := NewDispatch(collector)

	md := NewMetadata("vetoed", "test/dispatch", LevelInfo, KindEvent, nil)
	d.Event(NewEvent(md, md.Fields().ValueSet()))
	if collector.eventCount() != 0 {
		t.Errorf("Expected EventEnabled veto to suppress delivery, got %d events", collector.eventCount())
	}
}

// vetoingCollector rejects every event through the value-aware check.
type vetoingCollector struct {
	recordingCollector
}

func (c *vetoingCollector) EventEnabled(*Event) bool { return false }

func TestNopCollectorDispatchIsNone(t *testing.T) {
	if !NoneDispatch().IsNone() {
		t.Error("Expected NoneDispatch to be none")
	}
	if NewDispatch(newRecordingCollector()).IsNone() {
		t.Error("Expected real dispatch not to be none")
	}
	if !NewDispatch(nil).IsNone() {
		t.Error("Expected nil collector to yield none dispatch")
	}
}

func TestWeakDispatchGlobalBackedUpgrades(t *testing.T) {
	w := NoneDispatch().Downgrade()
	if _, ok := w.Upgrade(); !ok {
		t.Error("Expected none dispatch downgrade to always upgrade")
	}
}

func newExpiringWeak() WeakDispatch {
	d := NewDispatch(newRecordingCollector())
	return d.Downgrade()
}

func TestWeakDispatchExpires(t *testing.T) {
	w := newExpiringWeak()
	runtime.GC()
	runtime.GC()
	if _, ok := w.Upgrade(); ok {
		t.Error("Expected weak dispatch to expire once all strong references dropped")
	}
}

func TestWeakDispatchLiveUpgrade(t *testing.T) {
	collector := newRecordingCollector()
	d := NewDispatch(collector)
	w := d.Downgrade()
	runtime.GC()
	up, ok := w.Upgrade()
	if !ok {
		t.Fatal("Expected upgrade to succeed while a strong dispatch exists")
	}
	md := NewMetadata("weak-live", "test/dispatch", LevelInfo, KindEvent, nil)
	up.Event(NewEvent(md, md.Fields().ValueSet()))
	if collector.eventCount() != 1 {
		t.Errorf("Expected upgraded dispatch to reach the collector, got %d events", collector.eventCount())
	}
	runtime.KeepAlive(d)
}

// TestGlobalDefault is the only test that installs the global default; the
// install may succeed at most once per process.
func TestGlobalDefault(t *testing.T) {
	if !CurrentDispatch().IsNone() {
		t.Fatal("Expected no default dispatch before the global install")
	}

	collector := newRecordingCollector()
	if err := SetGlobalDefault(NewDispatch(collector)); err != nil {
		t.Fatalf("Expected first global install to succeed, got %v", err)
	}
	if !HasBeenSet() {
		t.Error("Expected HasBeenSet after global install")
	}
	if err := SetGlobalDefault(NewDispatch(newRecordingCollector())); !errors.Is(err, ErrAlreadySet) {
		t.Errorf("Expected ErrAlreadySet on second install, got %v", err)
	}

	md := NewMetadata("global", "test/dispatch", LevelInfo, KindEvent, nil)
	EmitEvent(md, md.Fields().ValueSet())
	if collector.eventCount() != 1 {
		t.Errorf("Expected global default to receive the event, got %d", collector.eventCount())
	}

	// Scoped defaults still shadow the global.
	scoped := newRecordingCollector()
	WithDefault(NewDispatch(scoped), func() {
		EmitEvent(md, md.Fields().ValueSet())
	})
	if scoped.eventCount() != 1 {
		t.Errorf("Expected scoped default to shadow global, got %d", scoped.eventCount())
	}
	if collector.eventCount() != 1 {
		t.Errorf("Expected global collector untouched by scoped emission, got %d", collector.eventCount())
	}
}
