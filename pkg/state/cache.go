package state

import (
	"sync/atomic"
	"time"
)

// UpdateKind classifies an incoming update.
type UpdateKind int

const (
	Heartbeat UpdateKind = iota
	Delta
	Snapshot
)

func (k UpdateKind) String() string {
	switch k {
	case Heartbeat:
		return "heartbeat"
	case Delta:
		return "delta"
	case Snapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Update is one message to fold into the cache.
type Update struct {
	Kind   UpdateKind
	Seq    uint64
	At     time.Time
	Fields Fields
}

// Cache holds the latest RobotState. Fold and Seed must be called from a
// single goroutine; Current is safe from any goroutine and never blocks.
type Cache struct {
	cur atomic.Pointer[RobotState]
}

func NewCache() *Cache {
	return &Cache{}
}

// Current returns the latest state, or nil before the first Seed. The
// returned value is shared and must not be modified; use Clone.
func (c *Cache) Current() *RobotState {
	return c.cur.Load()
}

// Seed installs a full snapshot unconditionally, replacing any cached state
// and its sequence marker. It returns the previous and new states and
// whether anything observable changed.
func (c *Cache) Seed(s RobotState) (old, cur *RobotState, changed bool) {
	s = s.Clone()
	old = c.cur.Swap(&s)
	changed = old == nil || !sameObservable(old, &s)
	return old, &s, changed
}

// Fold applies one update. Heartbeats and updates whose marker is not
// strictly newer than the cached one leave the cache untouched and report
// changed=false. A delta merges its present fields over the cached state; a
// snapshot replaces it.
func (c *Cache) Fold(u Update) (cur *RobotState, changed bool) {
	old := c.cur.Load()
	if u.Kind == Heartbeat {
		return old, false
	}
	if old != nil && u.Seq <= old.Seq {
		return old, false
	}

	var base RobotState
	if old != nil && u.Kind == Delta {
		base = *old
	}
	next := base.apply(u.Fields)
	next.Seq = u.Seq
	next.UpdatedAt = u.At

	c.cur.Store(&next)
	return &next, old == nil || !sameObservable(old, &next)
}
