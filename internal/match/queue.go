package match

// Queue holds endpoints awaiting a partner, FIFO per hobby bucket.
//
// Invariant: an endpoint id appears in at most one bucket at a time, enforced
// via the position index. Like the Registry, the Queue has no locking; the hub
// loop serializes access.
type Queue struct {
	buckets map[string][]string
	hobby   map[string]string // id -> bucket it currently waits in
}

func NewQueue() *Queue {
	return &Queue{
		buckets: make(map[string][]string),
		hobby:   make(map[string]string),
	}
}

// Enqueue appends id to the tail of the hobby bucket. Re-enqueueing under the
// same hobby is a no-op (the entry keeps its position); re-enqueueing under a
// different hobby moves the entry to the new bucket's tail.
func (q *Queue) Enqueue(id, hobby string) {
	if cur, ok := q.hobby[id]; ok {
		if cur == hobby {
			return
		}
		q.removeFromBucket(id, cur)
	}
	q.buckets[hobby] = append(q.buckets[hobby], id)
	q.hobby[id] = hobby
}

// Dequeue pops the head of the hobby bucket.
func (q *Queue) Dequeue(hobby string) (string, bool) {
	bucket := q.buckets[hobby]
	if len(bucket) == 0 {
		return "", false
	}
	id := bucket[0]
	if len(bucket) == 1 {
		delete(q.buckets, hobby)
	} else {
		q.buckets[hobby] = bucket[1:]
	}
	delete(q.hobby, id)
	return id, true
}

// PushFront restores entries to the head of the hobby bucket in the given
// order. Used by the Coordinator to put back candidates it skipped, keeping
// their original queue positions.
func (q *Queue) PushFront(hobby string, ids ...string) {
	if len(ids) == 0 {
		return
	}
	restored := make([]string, 0, len(ids)+len(q.buckets[hobby]))
	restored = append(restored, ids...)
	restored = append(restored, q.buckets[hobby]...)
	q.buckets[hobby] = restored
	for _, id := range ids {
		q.hobby[id] = hobby
	}
}

// Remove evicts id from whichever bucket holds it. Idempotent.
func (q *Queue) Remove(id string) bool {
	hobby, ok := q.hobby[id]
	if !ok {
		return false
	}
	q.removeFromBucket(id, hobby)
	delete(q.hobby, id)
	return true
}

func (q *Queue) Contains(id string) bool {
	_, ok := q.hobby[id]
	return ok
}

func (q *Queue) Len() int { return len(q.hobby) }

func (q *Queue) removeFromBucket(id, hobby string) {
	bucket := q.buckets[hobby]
	for i, candidate := range bucket {
		if candidate != id {
			continue
		}
		bucket = append(bucket[:i], bucket[i+1:]...)
		if len(bucket) == 0 {
			delete(q.buckets, hobby)
		} else {
			q.buckets[hobby] = bucket
		}
		return
	}
}
