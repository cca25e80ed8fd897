// Package statecache holds the authoritative in-memory view of every
// machine's current status. Reads are shared; each machine has its own
// exclusive mutation scope obtained with Lock.
package statecache

import (
	"sync"
	"time"

	"cnc-monitor-backend/internal/model"
)

// Entry is the cached state of one machine.
type Entry struct {
	Status           model.Status `json:"status"`
	JobAssignmentID  *int64       `json:"jobAssignmentId"`
	LastTransitionAt *time.Time   `json:"lastTransitionAt"`
}

// Unset reports whether the entry is in its initial state, before any
// transition has been recorded for the machine.
func (e Entry) Unset() bool {
	return e.LastTransitionAt == nil || e.Status == model.StatusUnknown || e.Status == ""
}

// Patch is a partial update. Nil fields are left unchanged; ClearJob
// removes the job assignment.
type Patch struct {
	Status           *model.Status
	JobAssignmentID  *int64
	ClearJob         bool
	LastTransitionAt *time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New returns an empty cache. Call Load before serving traffic.
func New() *Cache {
	return &Cache{
		entries: make(map[string]Entry),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Load replaces the cache contents, typically with the latest persisted
// transition of each machine.
func (c *Cache) Load(entries map[string]Entry) {
	next := make(map[string]Entry, len(entries))
	for name, e := range entries {
		next[name] = copyEntry(e)
	}
	c.mu.Lock()
	c.entries = next
	c.mu.Unlock()
}

// Lock acquires the exclusive scope for one machine and returns its release
// function. Machines are never deleted, so the lock map only grows with the
// fleet.
func (c *Cache) Lock(name string) func() {
	c.locksMu.Lock()
	l, ok := c.locks[name]
	if !ok {
		l = &sync.Mutex{}
		c.locks[name] = l
	}
	c.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// Get returns a copy of the entry for name.
func (c *Cache) Get(name string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	return copyEntry(e), true
}

// Upsert applies p to the entry for name, creating it when absent.
func (c *Cache) Upsert(name string, p Patch) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if !ok {
		e = Entry{Status: model.StatusUnknown}
	}
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.ClearJob {
		e.JobAssignmentID = nil
	} else if p.JobAssignmentID != nil {
		id := *p.JobAssignmentID
		e.JobAssignmentID = &id
	}
	if p.LastTransitionAt != nil {
		at := *p.LastTransitionAt
		e.LastTransitionAt = &at
	}
	c.entries[name] = e
}

// HasChanged reports whether a report differs from the cached state.
// Unseen machines always count as changed.
func (c *Cache) HasChanged(name string, status model.Status, jobID *int64) bool {
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return true
	}
	return e.Status != status || !sameID(e.JobAssignmentID, jobID)
}

// Snapshot returns a copy of all entries.
func (c *Cache) Snapshot() map[string]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Entry, len(c.entries))
	for name, e := range c.entries {
		out[name] = copyEntry(e)
	}
	return out
}

// Len returns the number of cached machines.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyEntry(e Entry) Entry {
	out := Entry{Status: e.Status}
	if e.JobAssignmentID != nil {
		id := *e.JobAssignmentID
		out.JobAssignmentID = &id
	}
	if e.LastTransitionAt != nil {
		at := *e.LastTransitionAt
		out.LastTransitionAt = &at
	}
	return out
}
