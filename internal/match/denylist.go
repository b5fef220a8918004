package match

import (
	"container/heap"
	"time"
)

// Denylist is a time-windowed set of endpoint ids excluded from matching
// after being reported.
//
// Entries expire lazily: a min-heap ordered by expiry is swept on each access,
// so there is no per-report timer. An id reported again before its window ends
// keeps the later expiry.
type Denylist struct {
	entries expiryHeap
	expiry  map[string]time.Time
}

func NewDenylist() *Denylist {
	return &Denylist{expiry: make(map[string]time.Time)}
}

func (d *Denylist) Add(id string, expireAt time.Time) {
	if cur, ok := d.expiry[id]; ok && cur.After(expireAt) {
		return
	}
	d.expiry[id] = expireAt
	heap.Push(&d.entries, expiryEntry{id: id, expireAt: expireAt})
}

func (d *Denylist) Contains(id string, now time.Time) bool {
	d.sweep(now)
	_, ok := d.expiry[id]
	return ok
}

func (d *Denylist) Len(now time.Time) int {
	d.sweep(now)
	return len(d.expiry)
}

func (d *Denylist) sweep(now time.Time) {
	for d.entries.Len() > 0 {
		head := d.entries[0]
		if head.expireAt.After(now) {
			return
		}
		heap.Pop(&d.entries)
		// The map may hold a later expiry for the same id (re-reported); only
		// drop the id when its authoritative expiry has actually passed.
		if cur, ok := d.expiry[head.id]; ok && !cur.After(now) {
			delete(d.expiry, head.id)
		}
	}
}

type expiryEntry struct {
	id       string
	expireAt time.Time
}

type expiryHeap []expiryEntry

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].expireAt.Before(h[j].expireAt) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)         { *h = append(*h, x.(expiryEntry)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
