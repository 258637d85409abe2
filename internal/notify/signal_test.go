package notify

import (
	"sync"
	"testing"
	"time"
)

func TestNotifyWakesAllWaiters(t *testing.T) {
	s := NewSignal()

	const waiters = 5
	var wg sync.WaitGroup
	ready := make(chan struct{}, waiters)
	for range waiters {
		ch := s.C()
		ready <- struct{}{}
		wg.Go(func() {
			<-ch
		})
	}
	for range waiters {
		<-ready
	}

	s.Notify()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiters not woken by Notify")
	}
}

func TestLateWaiterWaitsForNextNotify(t *testing.T) {
	s := NewSignal()
	s.Notify()

	select {
	case <-s.C():
		t.Fatal("channel obtained after Notify should not be closed")
	default:
	}
}
