// Package cache tracks cached blob keys under a byte budget with LRU
// eviction. It holds no blob bytes itself; owners register keys with their
// sizes and learn through the eviction callback when an entry must go.
package cache

import (
	"container/list"
	"sync"
)

// DefaultBudget bounds a tracker when no budget is configured.
const DefaultBudget = 100 << 20 // 100 MiB

// EvictFunc is invoked for each entry pushed out by the budget. It runs
// outside the tracker lock, so implementations may perform I/O and may call
// back into the tracker.
type EvictFunc func(key string, size int64)

// Stats holds tracker counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
	Used      int64
	Budget    int64
}

// Tracker is a threadsafe byte-weighted LRU over blob keys.
type Tracker struct {
	mu      sync.Mutex
	ll      *list.List
	items   map[string]*list.Element
	budget  int64
	used    int64
	onEvict EvictFunc

	hits      int64
	misses    int64
	evictions int64
}

type entry struct {
	key  string
	size int64
}

// New returns a tracker bounded by budget bytes. A budget <= 0 falls back to
// DefaultBudget. onEvict may be nil.
func New(budget int64, onEvict EvictFunc) *Tracker {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Tracker{
		ll:      list.New(),
		items:   make(map[string]*list.Element),
		budget:  budget,
		onEvict: onEvict,
	}
}

// Add registers or refreshes key with the given size and evicts
// least-recently-used entries until the tracker is back under budget.
func (t *Tracker) Add(key string, size int64) {
	t.mu.Lock()
	if ele, ok := t.items[key]; ok {
		ent := ele.Value.(*entry)
		t.used += size - ent.size
		ent.size = size
		t.ll.MoveToFront(ele)
	} else {
		t.items[key] = t.ll.PushFront(&entry{key: key, size: size})
		t.used += size
	}
	evicted := t.evictLocked()
	t.mu.Unlock()
	t.notify(evicted)
}

// Touch reports whether key is tracked, bumping its recency on a hit.
func (t *Tracker) Touch(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ele, ok := t.items[key]; ok {
		t.ll.MoveToFront(ele)
		t.hits++
		return true
	}
	t.misses++
	return false
}

// Rename transfers the tracked size and recency from oldKey to newKey,
// replacing any entry already tracked under newKey. Missing oldKey is a
// no-op: a concurrent eviction may have dropped it already.
func (t *Tracker) Rename(oldKey, newKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ele, ok := t.items[oldKey]
	if !ok {
		return
	}
	if dst, ok := t.items[newKey]; ok {
		t.used -= dst.Value.(*entry).size
		t.ll.Remove(dst)
		delete(t.items, newKey)
	}
	ent := ele.Value.(*entry)
	delete(t.items, oldKey)
	ent.key = newKey
	t.items[newKey] = ele
	t.ll.MoveToFront(ele)
}

// Remove drops key without invoking the eviction callback. Used on explicit
// deletes, where the owner already disposed of the cached bytes.
func (t *Tracker) Remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ele, ok := t.items[key]; ok {
		t.removeLocked(ele)
	}
}

// Used returns the sum of tracked entry sizes.
func (t *Tracker) Used() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

// Budget returns the configured byte budget.
func (t *Tracker) Budget() int64 { return t.budget }

// Len returns the number of tracked entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ll.Len()
}

// Stats returns current tracker counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Hits:      t.hits,
		Misses:    t.misses,
		Evictions: t.evictions,
		Entries:   t.ll.Len(),
		Used:      t.used,
		Budget:    t.budget,
	}
}

func (t *Tracker) evictLocked() []*entry {
	var evicted []*entry
	for t.used > t.budget {
		ele := t.ll.Back()
		if ele == nil {
			break
		}
		ent := ele.Value.(*entry)
		t.removeLocked(ele)
		t.evictions++
		evicted = append(evicted, ent)
	}
	return evicted
}

func (t *Tracker) removeLocked(ele *list.Element) {
	ent := ele.Value.(*entry)
	t.ll.Remove(ele)
	delete(t.items, ent.key)
	t.used -= ent.size
}

func (t *Tracker) notify(evicted []*entry) {
	if t.onEvict == nil {
		return
	}
	for _, ent := range evicted {
		t.onEvict(ent.key, ent.size)
	}
}
