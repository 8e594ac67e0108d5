package collab

import (
	"sort"
	"sync"
)

// SectionVersionNotice records that another session changed a section.
type SectionVersionNotice struct {
	Section       string
	Version       int64
	UpdatedByID   string
	UpdatedByName string
	ChangedFields []string
	Summary       string
	Timestamp     string
}

// UpdateConflictTracker keeps at most one notice per section until dismissed.
type UpdateConflictTracker struct {
	mu      sync.RWMutex
	notices map[string]SectionVersionNotice
}

// NewUpdateConflictTracker constructs an empty tracker.
func NewUpdateConflictTracker() *UpdateConflictTracker {
	return &UpdateConflictTracker{notices: make(map[string]SectionVersionNotice)}
}

// Record inserts the notice, replacing any earlier one for the same section.
func (t *UpdateConflictTracker) Record(notice SectionVersionNotice) {
	t.mu.Lock()
	t.notices[notice.Section] = notice
	t.mu.Unlock()
}

// Dismiss removes the notice for one section.
func (t *UpdateConflictTracker) Dismiss(section string) {
	t.mu.Lock()
	delete(t.notices, section)
	t.mu.Unlock()
}

// DismissAll removes every notice.
func (t *UpdateConflictTracker) DismissAll() {
	t.mu.Lock()
	t.notices = make(map[string]SectionVersionNotice)
	t.mu.Unlock()
}

// Notice returns the pending notice for a section, if any.
func (t *UpdateConflictTracker) Notice(section string) (SectionVersionNotice, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	notice, ok := t.notices[section]
	return notice, ok
}

// Pending lists notices ordered by section name.
func (t *UpdateConflictTracker) Pending() []SectionVersionNotice {
	t.mu.RLock()
	notices := make([]SectionVersionNotice, 0, len(t.notices))
	for _, notice := range t.notices {
		notices = append(notices, notice)
	}
	t.mu.RUnlock()

	sort.Slice(notices, func(i, j int) bool {
		return notices[i].Section < notices[j].Section
	})
	return notices
}

// HasPending reports whether any section changed since it was last dismissed.
func (t *UpdateConflictTracker) HasPending() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.notices) > 0
}
