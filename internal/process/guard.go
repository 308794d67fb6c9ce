package process

import "sync/atomic"

// Guard is the re-entrancy flag protecting operations that must not
// overlap with themselves. A concurrent duplicate call fails fast with
// ErrBusy instead of queueing; stale polling requests are dropped, not
// backlogged.
type Guard struct {
	busy atomic.Bool
}

// Do runs fn unless another call is already in flight. The flag is
// cleared when fn returns, regardless of its outcome.
func (g *Guard) Do(fn func() error) error {
	if !g.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer g.busy.Store(false)
	return fn()
}
