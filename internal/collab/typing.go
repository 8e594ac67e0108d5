package collab

import (
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/loop"
)

const defaultTypingTTL = 3 * time.Second

// TypingMarker marks a user as actively typing until ExpiresAt.
type TypingMarker struct {
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

// TypingAggregator tracks typing markers with one expiry timer per user.
// Touch and Clear must run on the loop; Active is safe from any goroutine.
type TypingAggregator struct {
	loop  *loop.Loop
	ttl   time.Duration
	clock func() time.Time

	timers map[string]*loop.Timer

	mu      sync.RWMutex
	markers map[string]TypingMarker
}

// NewTypingAggregator constructs an aggregator whose markers expire after ttl.
func NewTypingAggregator(eventLoop *loop.Loop, ttl time.Duration, clock func() time.Time) *TypingAggregator {
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &TypingAggregator{
		loop:    eventLoop,
		ttl:     ttl,
		clock:   clock,
		timers:  make(map[string]*loop.Timer),
		markers: make(map[string]TypingMarker),
	}
}

// Touch inserts or renews the marker for a user and restarts its expiry.
func (a *TypingAggregator) Touch(userID, userName string) {
	if previous, ok := a.timers[userID]; ok {
		previous.Stop()
	}

	a.mu.Lock()
	a.markers[userID] = TypingMarker{
		UserID:    userID,
		UserName:  userName,
		ExpiresAt: a.clock().Add(a.ttl),
	}
	a.mu.Unlock()

	var timer *loop.Timer
	timer = a.loop.AfterFunc(a.ttl, func() {
		if a.timers[userID] != timer {
			return
		}
		delete(a.timers, userID)
		a.mu.Lock()
		delete(a.markers, userID)
		a.mu.Unlock()
	})
	a.timers[userID] = timer
}

// Active lists current markers ordered by user name.
func (a *TypingAggregator) Active() []TypingMarker {
	a.mu.RLock()
	markers := make([]TypingMarker, 0, len(a.markers))
	for _, marker := range a.markers {
		markers = append(markers, marker)
	}
	a.mu.RUnlock()

	sort.Slice(markers, func(i, j int) bool {
		if markers[i].UserName == markers[j].UserName {
			return markers[i].UserID < markers[j].UserID
		}
		return markers[i].UserName < markers[j].UserName
	})
	return markers
}

// Clear cancels every pending expiry and drops all markers.
func (a *TypingAggregator) Clear() {
	for userID, timer := range a.timers {
		timer.Stop()
		delete(a.timers, userID)
	}
	a.mu.Lock()
	a.markers = make(map[string]TypingMarker)
	a.mu.Unlock()
}

// pendingTimers reports how many expiry timers are live.
func (a *TypingAggregator) pendingTimers() int {
	return len(a.timers)
}
