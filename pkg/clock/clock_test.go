package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicClock(t *testing.T) {
	c := NewAtomic(10)
	assert.Equal(t, uint64(10), c.Val())
	assert.Equal(t, uint64(11), c.Next())
	assert.Equal(t, uint64(12), c.Reserve(3))
	assert.Equal(t, uint64(14), c.Val())

	c.SetMax(5)
	assert.Equal(t, uint64(14), c.Val())
	c.SetMax(20)
	assert.Equal(t, uint64(20), c.Val())
}

func TestAtomicClockConcurrentSetMax(t *testing.T) {
	c := NewAtomic(0)
	var wg sync.WaitGroup
	for i := 1; i <= 64; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			c.SetMax(v)
		}(uint64(i))
	}
	wg.Wait()
	require.Equal(t, uint64(64), c.Val())
}

func TestSequencer(t *testing.T) {
	s := NewSequencer(7)
	assert.Equal(t, uint64(7), s.Visible())

	first := s.Assign(3)
	assert.Equal(t, uint64(8), first)
	assert.Equal(t, uint64(10), s.Last())
	assert.Equal(t, uint64(7), s.Visible(), "assigned numbers stay hidden until published")

	s.Publish(10)
	assert.Equal(t, uint64(10), s.Visible())

	first = s.Assign(2)
	s.Rollback(first)
	assert.Equal(t, uint64(10), s.Last())
}
