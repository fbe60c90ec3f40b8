// Package notify provides a broadcast wakeup.
package notify

import "sync"

// Signal wakes every goroutine waiting on the channel from C. Each Notify
// closes the current channel and installs a fresh one, so waiters take C
// again after waking.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewSignal() *Signal { return &Signal{ch: make(chan struct{})} }

func (s *Signal) Notify() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// C returns the channel the next Notify closes.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}
