package conversation

import (
	"container/list"
	"sync"
)

// EvictionPolicy decides which conversations to drop as new ones arrive.
// The store calls it while holding its own lock, so implementations must
// not call back into the store.
type EvictionPolicy interface {
	// Touch records that id was created or used and returns the ids that
	// should be evicted as a result.
	Touch(id string) []string
	// Remove forgets id after the store dropped it for another reason.
	Remove(id string)
}

// NoEviction keeps every conversation for the life of the process.
type NoEviction struct{}

// Touch implements EvictionPolicy.
func (NoEviction) Touch(string) []string { return nil }

// Remove implements EvictionPolicy.
func (NoEviction) Remove(string) {}

// LRU evicts the least recently used conversations once more than limit are
// held.
type LRU struct {
	mu    sync.Mutex
	limit int
	order *list.List
	elems map[string]*list.Element
}

// NewLRU returns a least-recently-used policy capped at limit conversations.
// A limit below one disables eviction.
func NewLRU(limit int) *LRU {
	return &LRU{
		limit: limit,
		order: list.New(),
		elems: make(map[string]*list.Element),
	}
}

// Touch implements EvictionPolicy.
func (l *LRU) Touch(id string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.elems[id]; ok {
		l.order.MoveToFront(e)
	} else {
		l.elems[id] = l.order.PushFront(id)
	}

	if l.limit < 1 {
		return nil
	}

	var victims []string
	for l.order.Len() > l.limit {
		back := l.order.Back()
		victim := back.Value.(string)
		l.order.Remove(back)
		delete(l.elems, victim)
		victims = append(victims, victim)
	}
	return victims
}

// Remove implements EvictionPolicy.
func (l *LRU) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.elems[id]; ok {
		l.order.Remove(e)
		delete(l.elems, id)
	}
}

// Len returns the number of tracked ids.
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}
