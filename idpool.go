package dispatchz

import "sync/atomic"

// idPool hands out span IDs, recycling the IDs of fully closed spans to keep
// the numeric space dense under span churn. Recycled IDs wait in a bounded
// channel; when it is empty a fresh ID is minted, when it is full released
// IDs are simply discarded.
type idPool struct {
	free chan ID
	next atomic.Uint64
}

// newIDPool creates a pool retaining up to capacity recycled IDs.
func newIDPool(capacity int) *idPool {
	return &idPool{free: make(chan ID, capacity)}
}

// acquire returns a recycled ID or mints a fresh one. Never returns the
// zero "no span" ID.
func (p *idPool) acquire() ID {
	select {
	case id := <-p.free:
		return id
	default:
		return ID(p.next.Add(1))
	}
}

// release returns an ID to the pool once no references to it remain.
func (p *idPool) release(id ID) {
	select {
	case p.free <- id:
	default:
		// Pool full, let the ID retire.
	}
}
