package cache

import (
	"sync"
	"time"

	"github.com/ninowalker/jmemcache-daemon-sub000/arena"
	"github.com/ninowalker/jmemcache-daemon-sub000/internal/tag"
	"github.com/ninowalker/jmemcache-daemon-sub000/log"
)

type Config struct {
	// MaxItems is max number of entries. Zero means no limit.
	MaxItems int
	// CeilingBytes is arena free space, that index tries to keep.
	// Zero means evict only by MaxItems.
	CeilingBytes int64
	Policy       Policy
}

// EvictCallback is called for every entry removed by eviction.
// Expired is true, if entry was expired at eviction time.
type EvictCallback func(key Key, expired bool)

type Index struct {
	arena *arena.Arena
	table map[uint64]*node
	list  *evictionList
	conf  Config
	log   log.Logger
	// recency guards list order changes made by concurrent reads.
	recency sync.Mutex
	onEvict EvictCallback
}

func NewIndex(l log.Logger, a *arena.Arena, conf Config) *Index {
	x := &Index{
		arena: a,
		table: make(map[uint64]*node),
		list:  newEvictionList(),
		conf:  conf,
		log:   l,
	}
	return x
}

// SetEvictCallback should be called before index usage.
func (x *Index) SetEvictCallback(cb EvictCallback) { x.onEvict = cb }

// Get returns copy of entry, if it is present, not expired and not blocked.
// With LRU policy found entry becomes most recently used.
func (x *Index) Get(key Key, now int64) (e Entry, ok bool) {
	n := x.lookup(key)
	if n == nil || n.expired(now) || n.blockedUntil != 0 {
		return
	}
	if x.conf.Policy == LRU {
		x.recency.Lock()
		x.list.moveToBack(n)
		x.recency.Unlock()
	}
	return x.entry(n, true), true
}

// Peek returns copy of entry in any state. Recency is not changed.
func (x *Index) Peek(key Key) (e Entry, ok bool) {
	n := x.lookup(key)
	if n == nil {
		return
	}
	return x.entry(n, true), true
}

// Put inserts entry or replaces existing one. New region is allocated before old is freed,
// so on allocation failure old entry stays intact.
func (x *Index) Put(e Entry) error {
	defer x.checkInvariants()
	return x.put(e, x.lookup(e.Key))
}

// PutIfAbsent puts entry if there is no entry with same key, or present one is expired.
func (x *Index) PutIfAbsent(e Entry, now int64) (stored bool, err error) {
	defer x.checkInvariants()
	old := x.lookup(e.Key)
	if old != nil && !old.expired(now) {
		return false, nil
	}
	return true, x.put(e, old)
}

// Replace puts entry only if there is present, not expired and not blocked entry with same key.
func (x *Index) Replace(e Entry, now int64) (replaced bool, err error) {
	defer x.checkInvariants()
	old := x.lookup(e.Key)
	if old == nil || old.expired(now) || old.blockedUntil != 0 {
		return false, nil
	}
	return true, x.put(e, old)
}

// CompareAndSwap puts entry only if present entry with same key has expectedCAS token.
func (x *Index) CompareAndSwap(e Entry, expectedCAS uint64) (swapped bool, err error) {
	defer x.checkInvariants()
	old := x.lookup(e.Key)
	if old == nil || old.cas != expectedCAS {
		return false, nil
	}
	return true, x.put(e, old)
}

// Remove removes entry and returns removed value.
func (x *Index) Remove(key Key) (e Entry, ok bool) {
	defer x.checkInvariants()
	n := x.lookup(key)
	if n == nil {
		return
	}
	e = x.entry(n, true)
	x.delete(n)
	return e, true
}

// Clear removes all entries and frees all arena space.
func (x *Index) Clear() {
	defer x.checkInvariants()
	x.log.Debugf("Clear %v items.", x.list.len)
	x.arena.Reset()
	x.table = make(map[uint64]*node)
	x.list = newEvictionList()
}

// Range calls f for entries from least to most recently used. Entries have no payload.
// Iteration stops, if f returns false.
func (x *Index) Range(f func(e Entry) bool) {
	x.recency.Lock()
	defer x.recency.Unlock()
	for n := x.list.front(); n != nil; n = x.list.after(n) {
		if !f(x.entry(n, false)) {
			return
		}
	}
}

// Len returns number of entries in any state.
func (x *Index) Len() int { return x.list.len }

// Bytes returns arena space reserved by entries.
func (x *Index) Bytes() int64 { return x.list.bytes }

func (x *Index) Config() Config { return x.conf }

func (x *Index) put(e Entry, old *node) error {
	r, err := x.arena.Alloc(e.Size())
	if err != nil {
		x.log.Debugf("Alloc %v bytes for %s failed: %v", e.Size(), e.Key, err)
		return err
	}
	x.arena.Write(r, e.Payload)
	if old != nil {
		x.log.Debugf("Replace item %s.", e.Key)
		x.delete(old)
	}
	n := newNode(e.Key, e.meta(), r)
	x.insert(n)
	if x.overflow() {
		x.evictOverflow(n)
	}
	return nil
}

func (x *Index) overflow() bool {
	return x.itemsOverflow() || x.bytesOverflow()
}

func (x *Index) itemsOverflow() bool {
	return x.conf.MaxItems > 0 && x.list.len > x.conf.MaxItems
}

func (x *Index) bytesOverflow() bool {
	return x.conf.CeilingBytes > 0 && x.arena.FreeBytes() < x.conf.CeilingBytes
}

// evictOverflow removes entries from list front while index overflows.
// Eviction stops on protected node.
func (x *Index) evictOverflow(protect *node) {
	now := nowUnix()
	for n := x.list.front(); n != nil && n != protect && x.overflow(); {
		next := x.list.after(n)
		x.evict(n, n.expired(now))
		n = next
	}
	if x.overflow() {
		x.log.Debugf("Overflow is not fixed: items %v, free %v.", x.list.len, x.arena.FreeBytes())
	}
}

func (x *Index) evict(n *node, expired bool) {
	if expired {
		x.log.Debugf("Item %s expired.", n.key)
	} else {
		x.log.Debugf("Item %s evicted.", n.key)
	}
	x.delete(n)
	if x.onEvict != nil {
		x.onEvict(n.key, expired)
	}
}

// delete unlinks node from list and table, and frees its region.
func (x *Index) delete(n *node) {
	x.list.remove(n)
	x.arena.Free(n.region)
	x.unchain(n)
	if tag.Debug {
		n.region = nil
	}
}

func (x *Index) lookup(k Key) *node {
	for n := x.table[k.hash]; n != nil; n = n.chain {
		if n.key.data == k.data {
			return n
		}
	}
	return nil
}

func (x *Index) insert(n *node) {
	n.chain = x.table[n.key.hash]
	x.table[n.key.hash] = n
	x.list.pushBack(n)
}

func (x *Index) unchain(n *node) {
	h := n.key.hash
	first := x.table[h]
	if first == n {
		if n.chain == nil {
			delete(x.table, h)
		} else {
			x.table[h] = n.chain
		}
		n.chain = nil
		return
	}
	for p := first; p != nil; p = p.chain {
		if p.chain == n {
			p.chain = n.chain
			n.chain = nil
			return
		}
	}
	x.log.Panicf("Node %s is not in table.", n.key)
}

func (x *Index) entry(n *node, withPayload bool) Entry {
	e := Entry{
		Key:          n.key,
		Flags:        n.flags,
		Expiry:       n.expiry,
		CAS:          n.cas,
		BlockedUntil: n.blockedUntil,
	}
	if withPayload {
		e.Payload = make([]byte, n.region.Size)
		copy(e.Payload, x.arena.Bytes(n.region))
	}
	return e
}

var nowUnix = func() int64 {
	return time.Now().Unix()
}
