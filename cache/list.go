package cache

import (
	"fmt"

	"github.com/ninowalker/jmemcache-daemon-sub000/arena"
	"github.com/ninowalker/jmemcache-daemon-sub000/internal/tag"
)

// node is index entry: key, meta and arena region with value.
// node is linked into eviction list and into table collision chain.
type node struct {
	key Key
	meta
	region *arena.Region

	prev, next *node
	// chain links nodes with same key hash.
	chain *node
}

func newNode(k Key, m meta, r *arena.Region) *node {
	return &node{key: k, meta: m, region: r}
}

// size returns bytes reserved in arena for node data.
func (n *node) size() int64 {
	if n.region == nil {
		return 0
	}
	return n.region.Footprint()
}

func (n *node) linked() bool { return n.next != nil }

func (n *node) GoString() string {
	key := func(n *node) interface{} {
		if n == nil {
			return nil
		}
		return n.key.String()
	}
	return fmt.Sprintf("{key:%q, meta:%+v, region:%v, prev:%v, next:%v}",
		n.key.String(), n.meta, n.region, key(n.prev), key(n.next))
}

var _ fmt.GoStringer = (*node)(nil)

// evictionList is circular doubly linked list of nodes in eviction order.
// Front is next eviction candidate, back is most recently put or used node.
// root is sentinel: root.next is front, root.prev is back.
//
// Invariants:
// * len is number of linked nodes.
// * bytes is sum of size() of linked nodes.
// * unlinked nodes have nil prev and next.
type evictionList struct {
	root  node
	len   int
	bytes int64
}

func newEvictionList() *evictionList {
	l := &evictionList{}
	l.root.key = KeyString("<root>")
	l.root.prev, l.root.next = &l.root, &l.root
	return l
}

// front returns least recently used node or nil, if list is empty.
func (l *evictionList) front() *node { return l.after(&l.root) }

// after returns node following n or nil, if n is back.
func (l *evictionList) after(n *node) *node {
	if n.next == &l.root {
		return nil
	}
	return n.next
}

func (l *evictionList) pushBack(n *node) {
	if tag.Debug && n.linked() {
		panic(fmt.Sprintf("push of linked node %#v", n))
	}
	l.insertBefore(n, &l.root)
	l.len++
	l.bytes += n.size()
}

func (l *evictionList) moveToBack(n *node) {
	if n.next == &l.root {
		return
	}
	unlink(n)
	l.insertBefore(n, &l.root)
}

func (l *evictionList) remove(n *node) {
	unlink(n)
	n.prev, n.next = nil, nil
	l.len--
	l.bytes -= n.size()
}

func (l *evictionList) insertBefore(n, at *node) {
	n.prev, n.next = at.prev, at
	at.prev.next = n
	at.prev = n
}

func unlink(n *node) {
	n.prev.next = n.next
	n.next.prev = n.prev
}
