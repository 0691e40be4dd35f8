package tts

import "sync/atomic"

// InterruptSignal is the cooperative cancellation flag for in-flight
// synthesis. Exactly one streaming operation owns it at a time: the signal
// is cleared only at the start of a new streaming request and observed at
// chunk boundaries, never mid-chunk. Consumers never clear it.
type InterruptSignal struct {
	flag atomic.Bool
}

// NewInterruptSignal creates an unset interrupt signal
func NewInterruptSignal() *InterruptSignal {
	return &InterruptSignal{}
}

// Set raises the signal; the active stream stops at its next chunk boundary
func (s *InterruptSignal) Set() {
	s.flag.Store(true)
}

// Clear lowers the signal; called only when a new streaming request starts
func (s *InterruptSignal) Clear() {
	s.flag.Store(false)
}

// Interrupted reports whether the signal is set
func (s *InterruptSignal) Interrupted() bool {
	return s.flag.Load()
}
