package cache

// node is one entry in the recency list. The key is kept on the node so an
// eviction can delete the map entry in O(1).
type node[K comparable] struct {
	key  K
	prev *node[K]
	next *node[K]
}

// recencyList is a doubly-linked list ordered hot to cold. Not safe for
// concurrent use; the owning Cache serializes access.
type recencyList[K comparable] struct {
	head *node[K]
	tail *node[K]
	len  int
}

// pushFront inserts a fresh node at the hot end and returns it.
func (l *recencyList[K]) pushFront(key K) *node[K] {
	n := &node[K]{key: key}
	if l.head == nil {
		l.head = n
		l.tail = n
	} else {
		n.next = l.head
		l.head.prev = n
		l.head = n
	}
	l.len++
	return n
}

// touch moves an existing node to the hot end.
func (l *recencyList[K]) touch(n *node[K]) {
	if n == l.head {
		return
	}
	l.unlink(n)
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
	l.len++
}

// remove unlinks a node.
func (l *recencyList[K]) remove(n *node[K]) {
	if n == nil {
		return
	}
	l.unlink(n)
}

// popColdest removes and returns the key at the cold end.
func (l *recencyList[K]) popColdest() (K, bool) {
	if l.tail == nil {
		var zero K
		return zero, false
	}
	n := l.tail
	l.unlink(n)
	return n.key, true
}

func (l *recencyList[K]) unlink(n *node[K]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev = nil
	n.next = nil
	l.len--
}
