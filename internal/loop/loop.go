// Package loop provides a single goroutine that runs posted tasks one at a
// time, in the order they were posted. Components that share state post every
// mutation onto the same loop instead of taking locks.
package loop

import (
	"sync"
	"time"
)

// Loop serialises tasks onto one goroutine.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
	runOnce  sync.Once
}

// New constructs a loop. Call Start (or Run) before posting work.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start runs the loop on its own goroutine.
func (l *Loop) Start() {
	go l.Run()
}

// Run processes tasks until Stop is called. It returns immediately if the loop
// is already running.
func (l *Loop) Run() {
	started := false
	l.runOnce.Do(func() { started = true })
	if !started {
		return
	}
	defer close(l.done)

	for {
		select {
		case <-l.quit:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, task := range batch {
				select {
				case <-l.quit:
					return
				default:
				}
				task()
			}
		}
	}
}

// Post enqueues a task. It never blocks and reports false once the loop has
// been stopped.
func (l *Loop) Post(task func()) bool {
	if task == nil {
		return false
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call posts a task and waits for it to finish. It must not be called from
// the loop goroutine.
func (l *Loop) Call(task func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		task()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

// Stop halts the loop. Queued tasks that have not started are discarded.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()
	l.quitOnce.Do(func() { close(l.quit) })
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Timer delivers a task onto the loop once. Stop must be called on the loop.
type Timer struct {
	timer   *time.Timer
	stopped bool
}

// AfterFunc schedules fn on the loop after d. It must be called on the loop.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	scheduled := &Timer{}
	scheduled.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if scheduled.stopped {
				return
			}
			scheduled.stopped = true
			fn()
		})
	})
	return scheduled
}

// Stop cancels the timer. A delivery already queued on the loop is dropped.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped = true
	t.timer.Stop()
}

// Ticker delivers a task onto the loop at a fixed interval.
type Ticker struct {
	stop     chan struct{}
	stopOnce sync.Once
	stopped  bool
}

// Every schedules fn on the loop every d until the ticker is stopped. It must
// be called on the loop.
func (l *Loop) Every(d time.Duration, fn func()) *Ticker {
	repeating := &Ticker{stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-repeating.stop:
				return
			case <-l.quit:
				return
			case <-ticker.C:
				l.Post(func() {
					if repeating.stopped {
						return
					}
					fn()
				})
			}
		}
	}()
	return repeating
}

// Stop cancels the ticker. Deliveries already queued are dropped.
func (t *Ticker) Stop() {
	if t == nil {
		return
	}
	t.stopped = true
	t.stopOnce.Do(func() { close(t.stop) })
}
