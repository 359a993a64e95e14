package clock

import "sync/atomic"

// AtomicClock is a monotonic counter safe for concurrent reads.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() uint64 {
	return ac.Load()
}

func (ac *AtomicClock) Next() uint64 {
	return ac.Add(1)
}

// Reserve advances the clock by n and returns the first value of the
// reserved range.
func (ac *AtomicClock) Reserve(n uint64) uint64 {
	return ac.Add(n) - n + 1
}

func (ac *AtomicClock) Set(t uint64) {
	ac.Store(t)
}

// SetMax raises the clock to t if t is ahead of it.
func (ac *AtomicClock) SetMax(t uint64) {
	for {
		cur := ac.Load()
		if t <= cur || ac.CompareAndSwap(cur, t) {
			return
		}
	}
}
