// ABOUTME: Per-connection duplicate suppression for delivered envelope ids
// ABOUTME: Bounded TTL window with O(1) oldest-first eviction

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	at      time.Time
	element *list.Element
}

// Window remembers which envelope ids a connection already wrote out,
// so an event that reaches the connection through more than one
// subscription is only delivered once. Entries age out after the TTL
// and the window holds at most capacity ids, evicting oldest first.
// There is no background sweeper: expired ids are pruned on the next
// call, so an idle window costs nothing. Safe for concurrent use.
type Window struct {
	mu       sync.Mutex
	ids      map[string]*entry
	order    *list.List // ids oldest-first
	ttl      time.Duration
	capacity int
}

// New creates a window that forgets ids after ttl and never tracks more
// than capacity of them at once.
func New(ttl time.Duration, capacity int) *Window {
	return &Window{
		ids:      make(map[string]*entry),
		order:    list.New(),
		ttl:      ttl,
		capacity: capacity,
	}
}

// Duplicate atomically reports whether eid was seen within the TTL. A
// fresh eid is recorded before returning, so for any given id exactly
// one caller gets false.
func (w *Window) Duplicate(eid string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.pruneLocked(now)

	// Everything still tracked after the prune is inside the TTL.
	if _, ok := w.ids[eid]; ok {
		return true
	}

	if len(w.ids) >= w.capacity {
		w.evictOldestLocked()
	}
	w.ids[eid] = &entry{at: now, element: w.order.PushBack(eid)}
	return false
}

// Len reports how many ids are currently tracked.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(time.Now())
	return len(w.ids)
}

// pruneLocked drops expired ids from the front of the order list. Ids
// are only ever appended, so the front is always the oldest entry.
func (w *Window) pruneLocked(now time.Time) {
	for {
		front := w.order.Front()
		if front == nil {
			return
		}
		eid, _ := front.Value.(string)
		if now.Sub(w.ids[eid].at) < w.ttl {
			return
		}
		w.order.Remove(front)
		delete(w.ids, eid)
	}
}

func (w *Window) evictOldestLocked() {
	front := w.order.Front()
	if front == nil {
		return
	}
	eid, _ := front.Value.(string)
	w.order.Remove(front)
	delete(w.ids, eid)
}
