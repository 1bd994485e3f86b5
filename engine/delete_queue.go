package engine

import (
	"sync"

	"github.com/tidwall/btree"

	"github.com/ninowalker/jmemcache-daemon-sub000/cache"
)

type deleteItem struct {
	until int64
	key   cache.Key
	// cas of placeholder. Placeholder overwritten after delete has other cas.
	cas uint64
}

// deleteQueue is time ordered queue of blocked keys.
type deleteQueue struct {
	mu   sync.Mutex
	tree *btree.BTreeG[deleteItem]
}

func newDeleteQueue() *deleteQueue {
	return &deleteQueue{tree: newDeleteTree()}
}

func newDeleteTree() *btree.BTreeG[deleteItem] {
	return btree.NewBTreeGOptions(lessDeleteItem, btree.Options{NoLocks: true})
}

// CAS values are unique, so items are never equal.
func lessDeleteItem(a, b deleteItem) bool {
	if a.until != b.until {
		return a.until < b.until
	}
	return a.cas < b.cas
}

func (q *deleteQueue) push(it deleteItem) {
	q.mu.Lock()
	q.tree.Set(it)
	q.mu.Unlock()
}

// popReady removes and returns earliest item, if its delay is elapsed at now.
// Clock has second resolution, so item becomes ready only after its until second
// is over. Otherwise delay could be shorter than requested by up to a second.
func (q *deleteQueue) popReady(now int64) (it deleteItem, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok = q.tree.Min()
	if !ok || it.until >= now {
		return deleteItem{}, false
	}
	q.tree.Delete(it)
	return it, true
}

func (q *deleteQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Len()
}

func (q *deleteQueue) clear() {
	q.mu.Lock()
	q.tree = newDeleteTree()
	q.mu.Unlock()
}
