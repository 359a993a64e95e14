package clock

// Sequencer tracks two clocks: the last sequence number handed to the writer
// and the last one whose batch is fully applied and may be read.
// Assign and Publish must only be called by the single writer.
type Sequencer struct {
	last    AtomicClock
	visible AtomicClock
}

func NewSequencer(init uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Set(init)
	s.visible.Set(init)
	return s
}

// Assign reserves n consecutive sequence numbers and returns the first.
func (s *Sequencer) Assign(n int) uint64 {
	return s.last.Reserve(uint64(n))
}

// Rollback returns a reservation that never reached the log.
func (s *Sequencer) Rollback(first uint64) {
	s.last.Set(first - 1)
}

// Publish makes every sequence number up to seq visible to readers.
func (s *Sequencer) Publish(seq uint64) {
	s.visible.Set(seq)
}

// Last returns the highest assigned sequence number.
func (s *Sequencer) Last() uint64 {
	return s.last.Val()
}

// Visible returns the highest sequence number readers may observe.
func (s *Sequencer) Visible() uint64 {
	return s.visible.Val()
}
