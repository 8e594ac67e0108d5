package hub

import "sync"

// orderLocks hands out one mutex per order so a section write and its
// broadcast reach members in version order. Idle entries are dropped.
type orderLocks struct {
	mu    sync.Mutex
	locks map[string]*orderLock
}

type orderLock struct {
	sync.Mutex
	holders int
}

func newOrderLocks() *orderLocks {
	return &orderLocks{locks: make(map[string]*orderLock)}
}

// lock blocks until the order is free and returns the matching unlock.
func (l *orderLocks) lock(orderID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[orderID]
	if !ok {
		entry = &orderLock{}
		l.locks[orderID] = entry
	}
	entry.holders++
	l.mu.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		l.mu.Lock()
		entry.holders--
		if entry.holders == 0 {
			delete(l.locks, orderID)
		}
		l.mu.Unlock()
	}
}

func (l *orderLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
