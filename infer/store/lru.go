// infer/store/lru.go
package store

// resident tracks one materialized layer in the cache. Entries form an
// intrusive doubly linked list ordered by recency: head is the most recently
// used entry, tail the least.
type resident struct {
	id    int
	buf   []byte
	holds int
	tick  uint64 // recency tick at last touch

	prev *resident
	next *resident
}

type lruList struct {
	head *resident
	tail *resident
}

// pushFront inserts a detached entry at the head.
func (l *lruList) pushFront(r *resident) {
	r.prev = nil
	r.next = l.head
	// in a doubly linked list, either both head and tail are nil, or neither is
	if l.head != nil {
		l.head.prev = r
	} else {
		l.tail = r
	}
	l.head = r
}

// remove detaches an entry from the list.
func (l *lruList) remove(r *resident) {
	if r.prev != nil {
		r.prev.next = r.next
	} else {
		l.head = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	} else {
		l.tail = r.prev
	}
	r.prev = nil
	r.next = nil
}

// touch moves an entry to the head.
func (l *lruList) touch(r *resident) {
	if l.head == r {
		return
	}
	l.remove(r)
	l.pushFront(r)
}

// victim walks from the tail and returns the least recently used entry with
// no holds. Entries with equal ticks break on higher id so eviction order is
// deterministic. Returns nil when every resident entry is held.
func (l *lruList) victim() *resident {
	var best *resident
	for r := l.tail; r != nil; r = r.prev {
		if r.holds > 0 {
			continue
		}
		if best == nil || r.tick < best.tick || (r.tick == best.tick && r.id > best.id) {
			best = r
		}
	}
	return best
}
