package loop

import (
	"sync/atomic"
	"testing"
	"time"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New()
	l.Start()
	t.Cleanup(l.Stop)
	return l
}

func TestLoopRunsTasksInPostOrder(t *testing.T) {
	l := startLoop(t)

	var order []int
	for i := 0; i < 100; i++ {
		value := i
		l.Post(func() { order = append(order, value) })
	}
	l.Call(func() {})

	if len(order) != 100 {
		t.Fatalf("expected 100 tasks, got %d", len(order))
	}
	for index, value := range order {
		if index != value {
			t.Fatalf("task %d ran out of order (got %d)", index, value)
		}
	}
}

func TestPostAfterStopIsRejected(t *testing.T) {
	l := New()
	l.Start()
	l.Stop()
	<-l.Done()

	if l.Post(func() {}) {
		t.Fatalf("expected post to be rejected after stop")
	}
	if l.Call(func() {}) {
		t.Fatalf("expected call to be rejected after stop")
	}
}

func TestTimerFiresOnLoop(t *testing.T) {
	l := startLoop(t)
	fired := make(chan struct{})

	l.Call(func() {
		l.AfterFunc(10*time.Millisecond, func() { close(fired) })
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected timer to fire")
	}
}

func TestStoppedTimerNeverFires(t *testing.T) {
	l := startLoop(t)
	var fired atomic.Bool

	l.Call(func() {
		timer := l.AfterFunc(5*time.Millisecond, func() { fired.Store(true) })
		// let the underlying timer fire and queue its task before stopping
		time.Sleep(20 * time.Millisecond)
		timer.Stop()
	})
	time.Sleep(30 * time.Millisecond)
	l.Call(func() {})

	if fired.Load() {
		t.Fatalf("stopped timer delivered its task")
	}
}

func TestTickerRepeatsUntilStopped(t *testing.T) {
	l := startLoop(t)
	var count atomic.Int32
	var ticker *Ticker

	l.Call(func() {
		ticker = l.Every(5*time.Millisecond, func() { count.Add(1) })
	})
	time.Sleep(40 * time.Millisecond)
	l.Call(func() { ticker.Stop() })
	stoppedAt := count.Load()
	if stoppedAt < 2 {
		t.Fatalf("expected several ticks, got %d", stoppedAt)
	}

	time.Sleep(30 * time.Millisecond)
	l.Call(func() {})
	if count.Load() != stoppedAt {
		t.Fatalf("ticker kept firing after stop: %d -> %d", stoppedAt, count.Load())
	}
}
