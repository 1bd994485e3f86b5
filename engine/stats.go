package engine

import (
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/rcrowley/go-metrics"
	"github.com/tidwall/match"

	"github.com/ninowalker/jmemcache-daemon-sub000/cache"
)

// Stat arguments.
const (
	GeneralStats  = ""
	SettingsStats = "settings"
	ArenaStats    = "arena"
	KeysStats     = "keys"
)

type stats struct {
	cmdGet       metrics.Counter
	cmdSet       metrics.Counter
	cmdFlush     metrics.Counter
	getHits      metrics.Counter
	getMisses    metrics.Counter
	totalItems   metrics.Counter
	evictions    metrics.Counter
	reclaimed    metrics.Counter
	casMisses    metrics.Counter
	casHits      metrics.Counter
	casBadval    metrics.Counter
	incrMisses   metrics.Counter
	incrHits     metrics.Counter
	decrMisses   metrics.Counter
	decrHits     metrics.Counter
	deleteMisses metrics.Counter
	deleteHits   metrics.Counter
}

func newStats(r metrics.Registry) *stats {
	c := func(name string) metrics.Counter {
		return metrics.GetOrRegisterCounter(name, r)
	}
	return &stats{
		cmdGet:       c("cmd_get"),
		cmdSet:       c("cmd_set"),
		cmdFlush:     c("cmd_flush"),
		getHits:      c("get_hits"),
		getMisses:    c("get_misses"),
		totalItems:   c("total_items"),
		evictions:    c("evictions"),
		reclaimed:    c("reclaimed"),
		casMisses:    c("cas_misses"),
		casHits:      c("cas_hits"),
		casBadval:    c("cas_badval"),
		incrMisses:   c("incr_misses"),
		incrHits:     c("incr_hits"),
		decrMisses:   c("decr_misses"),
		decrHits:     c("decr_hits"),
		deleteMisses: c("delete_misses"),
		deleteHits:   c("delete_hits"),
	}
}

// Stat returns statistics group selected by arg. Arg "keys" can be followed by glob pattern,
// which filters listed keys. Unknown arg gives empty result.
func (e *Engine) Stat(arg string) map[string][]string {
	res := make(map[string][]string)
	group, pattern := splitStatArg(arg)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return res
	}
	switch group {
	case GeneralStats:
		e.generalStats(res)
	case SettingsStats:
		e.settingsStats(res)
	case ArenaStats:
		e.arenaStats(res)
	case KeysStats:
		e.keysStats(res, pattern)
	default:
		e.log.Debugf("Unknown stat arg %q.", arg)
	}
	return res
}

func splitStatArg(arg string) (group, pattern string) {
	group, pattern, _ = strings.Cut(strings.TrimSpace(arg), " ")
	return group, strings.TrimSpace(pattern)
}

func set(res map[string][]string, name string, val interface{}) {
	var s string
	switch v := val.(type) {
	case string:
		s = v
	case int:
		s = strconv.Itoa(v)
	case int64:
		s = strconv.FormatInt(v, 10)
	case uint64:
		s = strconv.FormatUint(v, 10)
	case bool:
		if v {
			s = "yes"
		} else {
			s = "no"
		}
	default:
		panic("unexpected stat type")
	}
	res[name] = []string{s}
}

func (e *Engine) generalStats(res map[string][]string) {
	now := e.now()
	set(res, "pid", os.Getpid())
	set(res, "uptime", now-e.started.Unix())
	set(res, "time", now)
	set(res, "version", Version)
	set(res, "pointer_size", strconv.IntSize)
	set(res, "threads", runtime.GOMAXPROCS(0))
	set(res, "curr_items", e.index.Len())
	set(res, "bytes", e.index.Bytes())
	set(res, "limit_maxbytes", e.arena.Capacity())
	set(res, "delete_queue", e.deletes.len())
	e.registry.Each(func(name string, i interface{}) {
		if c, ok := i.(metrics.Counter); ok {
			set(res, name, c.Count())
		}
	})
}

func (e *Engine) settingsStats(res map[string][]string) {
	conf := e.index.Config()
	set(res, "maxbytes", e.arena.Capacity())
	set(res, "block_size", e.arena.BlockSize())
	set(res, "arena_backing", e.conf.Arena.Backing.String())
	set(res, "ceiling_bytes", conf.CeilingBytes)
	set(res, "max_items", conf.MaxItems)
	set(res, "evictions", conf.MaxItems > 0 || conf.CeilingBytes > 0)
	set(res, "eviction_policy", conf.Policy.String())
	set(res, "cas_enabled", true)
}

func (e *Engine) arenaStats(res map[string][]string) {
	s := e.arena.Stats()
	set(res, "capacity", s.Capacity)
	set(res, "free", s.Free)
	set(res, "block_size", s.BlockSize)
	set(res, "total_blocks", s.TotalBlocks)
	set(res, "used_blocks", s.UsedBlocks)
	set(res, "largest_free_run", s.LargestFreeRun)
	set(res, "allocations", s.Allocations)
	set(res, "frees", s.Frees)
	set(res, "failed_allocs", s.FailedAllocs)
	set(res, "active_regions", s.ActiveRegions)
	set(res, "backing", s.BackingKind.String())
	set(res, "last_reset", s.LastResetUnixNs)
}

// keysStats lists live keys as "<key> <flags> <expiry> <cas>" under single "item" stat.
func (e *Engine) keysStats(res map[string][]string, pattern string) {
	now := e.now()
	var items []string
	e.index.Range(func(entry cache.Entry) bool {
		if !entry.Live(now) {
			return true
		}
		key := entry.Key.String()
		if pattern != "" && !match.Match(key, pattern) {
			return true
		}
		items = append(items, key+" "+
			strconv.FormatUint(uint64(entry.Flags), 10)+" "+
			strconv.FormatInt(entry.Expiry, 10)+" "+
			strconv.FormatUint(entry.CAS, 10))
		return true
	})
	sort.Strings(items)
	if len(items) > 0 {
		res["item"] = items
	}
}
