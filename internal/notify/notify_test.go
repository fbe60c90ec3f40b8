package notify

import (
	"sync"
	"testing"
	"time"
)

func TestNotifyWakesAllWaiters(t *testing.T) {
	s := NewSignal()
	var ready, woke sync.WaitGroup
	for range 3 {
		ready.Add(1)
		woke.Add(1)
		go func() {
			ch := s.C()
			ready.Done()
			<-ch
			woke.Done()
		}()
	}
	ready.Wait()
	s.Notify()

	done := make(chan struct{})
	go func() { woke.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters not woken")
	}
}

func TestChannelIsFreshAfterNotify(t *testing.T) {
	s := NewSignal()
	before := s.C()
	s.Notify()
	select {
	case <-before:
	default:
		t.Fatal("old channel should be closed")
	}
	select {
	case <-s.C():
		t.Fatal("new channel should be open")
	default:
	}
}
