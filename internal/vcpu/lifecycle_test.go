package vcpu

import (
	"sync"
	"testing"
	"time"
)

func TestLifecycleCellTransitions(t *testing.T) {
	c := newLifecycleCell(StateNothing)
	if c.Get() != StateNothing {
		t.Fatalf("initial state = %v, want Nothing", c.Get())
	}
	if !c.CompareAndSet(StateNothing, StateCreated) {
		t.Fatal("expected CompareAndSet to succeed from matching state")
	}
	if c.CompareAndSet(StateNothing, StateRunning) {
		t.Fatal("expected CompareAndSet to fail from non-matching state")
	}
	if c.Get() != StateCreated {
		t.Fatalf("state = %v, want Created", c.Get())
	}
}

func TestLifecycleCellWaitWakesOnSet(t *testing.T) {
	c := newLifecycleCell(StateCreated)
	var wg sync.WaitGroup
	wg.Add(1)
	woke := make(chan LifecycleState, 1)
	go func() {
		defer wg.Done()
		c.Wait(func(s LifecycleState) bool { return s == StateRunning })
		woke <- c.Get()
	}()

	time.Sleep(10 * time.Millisecond)
	c.Set(StateRunning)
	wg.Wait()

	select {
	case got := <-woke:
		if got != StateRunning {
			t.Fatalf("waiter observed %v, want Running", got)
		}
	default:
		t.Fatal("waiter never woke")
	}
}
