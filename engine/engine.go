// Package engine implements memcached operations on top of cache.Index.
//
// Engine owns the arena, the index, the CAS counter, the delayed delete queue and
// statistics. All methods are safe for concurrent use. Reads hold shared lock, so they
// run concurrently with each other. Writes hold exclusive lock.
package engine

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/ninowalker/jmemcache-daemon-sub000/arena"
	"github.com/ninowalker/jmemcache-daemon-sub000/cache"
	"github.com/ninowalker/jmemcache-daemon-sub000/log"
)

const Version = "1.0.0"

var (
	ErrNonNumeric = errors.New("cannot increment or decrement non-numeric value")
	ErrClosed     = errors.New("engine is closed")
)

type Result int

const (
	Stored Result = iota
	NotStored
	Exists
	NotFound
	Deleted
)

// String returns memcached response for result.
func (r Result) String() string {
	switch r {
	case Stored:
		return "STORED"
	case NotStored:
		return "NOT_STORED"
	case Exists:
		return "EXISTS"
	case NotFound:
		return "NOT_FOUND"
	case Deleted:
		return "DELETED"
	}
	return "UNKNOWN_RESULT(" + strconv.Itoa(int(r)) + ")"
}

type Config struct {
	Arena arena.Config
	Index cache.Config
}

// Cache is operation contract which protocol layer uses.
// Entries passed to store operations are not retained.
type Cache interface {
	// Get returns entry for every key. Entry is nil, if key is absent, expired or blocked.
	Get(keys ...[]byte) []*cache.Entry
	Set(e cache.Entry) (Result, error)
	Add(e cache.Entry) (Result, error)
	Replace(e cache.Entry) (Result, error)
	Append(e cache.Entry) (Result, error)
	Prepend(e cache.Entry) (Result, error)
	CAS(expected uint64, e cache.Entry) (Result, error)
	Incr(key []byte, delta uint64) (uint64, Result, error)
	Decr(key []byte, delta uint64) (uint64, Result, error)
	Delete(key []byte, delay int64) Result
	// ProcessDeleteQueue removes at most one blocked key which delay elapsed.
	ProcessDeleteQueue() bool
	FlushAll(expire int64) bool
	Stat(arg string) map[string][]string
}

type Engine struct {
	mu      sync.RWMutex
	conf    Config
	arena   *arena.Arena
	index   *cache.Index
	deletes *deleteQueue
	casSeq  uint64 // Atomic.
	closed  bool

	registry metrics.Registry
	stats    *stats
	log      log.Logger
	started  time.Time
	now      func() int64
}

var _ Cache = (*Engine)(nil)

func New(l log.Logger, conf Config) (*Engine, error) {
	a, err := arena.New(conf.Arena)
	if err != nil {
		return nil, errors.Wrap(err, "arena create")
	}
	conf.Arena.Capacity = a.Capacity()
	conf.Arena.BlockSize = a.BlockSize()
	registry := metrics.NewRegistry()
	e := &Engine{
		conf:     conf,
		arena:    a,
		index:    cache.NewIndex(l, a, conf.Index),
		deletes:  newDeleteQueue(),
		registry: registry,
		stats:    newStats(registry),
		log:      l,
		started:  time.Now(),
		now:      nowUnix,
	}
	e.index.SetEvictCallback(e.onEvict)
	l.Infof("Engine created: capacity %v, block size %v, backing %s, max items %v, ceiling %v, policy %s.",
		a.Capacity(), a.BlockSize(), conf.Arena.Backing, conf.Index.MaxItems, conf.Index.CeilingBytes, conf.Index.Policy)
	return e, nil
}

func (e *Engine) Get(keys ...[]byte) []*cache.Entry {
	res := make([]*cache.Entry, len(keys))
	now := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return res
	}
	e.stats.cmdGet.Inc(int64(len(keys)))
	for i, key := range keys {
		entry, ok := e.index.Get(cache.NewKey(key), now)
		if !ok {
			e.stats.getMisses.Inc(1)
			continue
		}
		e.stats.getHits.Inc(1)
		res[i] = &entry
	}
	return res
}

func (e *Engine) Set(entry cache.Entry) (Result, error) {
	e.prepare(&entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return NotStored, errors.Wrapf(ErrClosed, "set %s", entry.Key)
	}
	e.stats.cmdSet.Inc(1)
	if err := e.index.Put(entry); err != nil {
		return NotStored, errors.Wrapf(err, "set %s", entry.Key)
	}
	e.stats.totalItems.Inc(1)
	return Stored, nil
}

func (e *Engine) Add(entry cache.Entry) (Result, error) {
	e.prepare(&entry)
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return NotStored, errors.Wrapf(ErrClosed, "add %s", entry.Key)
	}
	e.stats.cmdSet.Inc(1)
	stored, err := e.index.PutIfAbsent(entry, now)
	return e.storeResult(stored, err, "add", entry.Key)
}

func (e *Engine) Replace(entry cache.Entry) (Result, error) {
	e.prepare(&entry)
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return NotStored, errors.Wrapf(ErrClosed, "replace %s", entry.Key)
	}
	e.stats.cmdSet.Inc(1)
	replaced, err := e.index.Replace(entry, now)
	return e.storeResult(replaced, err, "replace", entry.Key)
}

func (e *Engine) Append(entry cache.Entry) (Result, error) {
	return e.concat(entry, false)
}

func (e *Engine) Prepend(entry cache.Entry) (Result, error) {
	return e.concat(entry, true)
}

// concat reads snapshot under shared lock, and swaps it with concatenated entry,
// only if key was not changed since snapshot. Concurrent change makes result NotStored.
func (e *Engine) concat(entry cache.Entry, prepend bool) (Result, error) {
	op := "append"
	if prepend {
		op = "prepend"
	}
	now := e.now()
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return NotStored, errors.Wrapf(ErrClosed, "%s %s", op, entry.Key)
	}
	old, ok := e.index.Peek(entry.Key)
	e.mu.RUnlock()
	if !ok || !old.Live(now) {
		return NotFound, nil
	}
	payload := make([]byte, 0, len(old.Payload)+len(entry.Payload))
	if prepend {
		payload = append(append(payload, entry.Payload...), old.Payload...)
	} else {
		payload = append(append(payload, old.Payload...), entry.Payload...)
	}
	next := cache.Entry{
		Key:     entry.Key,
		Flags:   old.Flags,
		Expiry:  old.Expiry,
		Payload: payload,
		CAS:     e.nextCAS(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return NotStored, errors.Wrapf(ErrClosed, "%s %s", op, entry.Key)
	}
	e.stats.cmdSet.Inc(1)
	swapped, err := e.index.CompareAndSwap(next, old.CAS)
	if err == nil && !swapped {
		e.log.Debugf("Key %s was changed concurrently.", entry.Key)
	}
	return e.storeResult(swapped, err, op, entry.Key)
}

func (e *Engine) CAS(expected uint64, entry cache.Entry) (Result, error) {
	e.prepare(&entry)
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return NotStored, errors.Wrapf(ErrClosed, "cas %s", entry.Key)
	}
	e.stats.cmdSet.Inc(1)
	old, ok := e.index.Peek(entry.Key)
	if !ok || !old.Live(now) {
		e.stats.casMisses.Inc(1)
		return NotFound, nil
	}
	if old.CAS != expected {
		e.stats.casBadval.Inc(1)
		return Exists, nil
	}
	swapped, err := e.index.CompareAndSwap(entry, expected)
	if swapped {
		e.stats.casHits.Inc(1)
	}
	return e.storeResult(swapped, err, "cas", entry.Key)
}

// Incr adds delta to decimal value. Result wraps around on uint64 overflow.
func (e *Engine) Incr(key []byte, delta uint64) (uint64, Result, error) {
	return e.incr(key, delta, false)
}

// Decr subtracts delta from decimal value. Result is never less than zero.
func (e *Engine) Decr(key []byte, delta uint64) (uint64, Result, error) {
	return e.incr(key, delta, true)
}

func (e *Engine) incr(key []byte, delta uint64, decr bool) (uint64, Result, error) {
	k := cache.NewKey(key)
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, NotStored, errors.Wrapf(ErrClosed, "incr %s", k)
	}
	hits, misses := e.stats.incrHits, e.stats.incrMisses
	if decr {
		hits, misses = e.stats.decrHits, e.stats.decrMisses
	}
	old, ok := e.index.Peek(k)
	if !ok || !old.Live(now) {
		misses.Inc(1)
		return 0, NotFound, nil
	}
	val, err := strconv.ParseUint(strings.TrimSpace(string(old.Payload)), 10, 64)
	if err != nil {
		return 0, NotStored, errors.Wrapf(ErrNonNumeric, "key %s", k)
	}
	switch {
	case !decr:
		val += delta
	case delta > val:
		val = 0
	default:
		val -= delta
	}
	hits.Inc(1)
	next := cache.Entry{
		Key:     k,
		Flags:   old.Flags,
		Expiry:  old.Expiry,
		Payload: strconv.AppendUint(nil, val, 10),
		CAS:     e.nextCAS(),
	}
	if err := e.index.Put(next); err != nil {
		return 0, NotStored, errors.Wrapf(err, "incr %s", k)
	}
	return val, Stored, nil
}

// Delete removes key immediately, if delay is zero. Otherwise, key is replaced by blocked
// placeholder, which is removed by ProcessDeleteQueue after delay seconds.
func (e *Engine) Delete(key []byte, delay int64) Result {
	k := cache.NewKey(key)
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return NotFound
	}
	old, ok := e.index.Peek(k)
	if !ok || old.Blocked() {
		e.stats.deleteMisses.Inc(1)
		return NotFound
	}
	if old.Expired(now) {
		e.index.Remove(k)
		e.stats.deleteMisses.Inc(1)
		return NotFound
	}
	e.stats.deleteHits.Inc(1)
	if delay <= 0 {
		e.index.Remove(k)
		return Deleted
	}
	placeholder := cache.Entry{
		Key:          k,
		CAS:          e.nextCAS(),
		BlockedUntil: now + delay,
	}
	if err := e.index.Put(placeholder); err != nil {
		// Zero size allocation never fails.
		e.log.Panicf("Placeholder put failed: %v", err)
	}
	e.deletes.push(deleteItem{until: placeholder.BlockedUntil, key: k, cas: placeholder.CAS})
	e.log.Debugf("Key %s blocked until %v.", k, placeholder.BlockedUntil)
	return Deleted
}

func (e *Engine) ProcessDeleteQueue() bool {
	it, ok := e.deletes.popReady(e.now())
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	cur, ok := e.index.Peek(it.key)
	if !ok || cur.CAS != it.cas || !cur.Blocked() {
		e.log.Debugf("Blocked key %s was overwritten.", it.key)
		return false
	}
	e.index.Remove(it.key)
	e.log.Debugf("Blocked key %s removed.", it.key)
	return true
}

// FlushAll removes all entries. Expire is ignored: flush is always immediate.
func (e *Engine) FlushAll(expire int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	if expire != 0 {
		e.log.Debugf("Flush expire %v ignored.", expire)
	}
	e.stats.cmdFlush.Inc(1)
	e.index.Clear()
	e.deletes.clear()
	return true
}

func (e *Engine) Metrics() metrics.Registry { return e.registry }

// Close releases arena. After Close store operations fail with ErrClosed,
// reads miss and Delete returns NotFound.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.closed = true
	var merr *multierror.Error
	if n := e.index.Len(); n > 0 {
		e.log.Infof("Dropping %v items on close.", n)
	}
	e.deletes.clear()
	if err := e.arena.Close(); err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "arena close"))
	}
	e.registry.UnregisterAll()
	return merr.ErrorOrNil()
}

func (e *Engine) prepare(entry *cache.Entry) {
	entry.CAS = e.nextCAS()
	entry.BlockedUntil = 0
}

func (e *Engine) nextCAS() uint64 {
	return atomic.AddUint64(&e.casSeq, 1)
}

func (e *Engine) storeResult(stored bool, err error, op string, k cache.Key) (Result, error) {
	if err != nil {
		return NotStored, errors.Wrapf(err, "%s %s", op, k)
	}
	if !stored {
		return NotStored, nil
	}
	e.stats.totalItems.Inc(1)
	return Stored, nil
}

func (e *Engine) onEvict(k cache.Key, expired bool) {
	if expired {
		e.stats.reclaimed.Inc(1)
		return
	}
	e.stats.evictions.Inc(1)
}

var nowUnix = func() int64 {
	return time.Now().Unix()
}
