package integration

import (
	"fmt"
	"math"
	"math/rand"
	"net"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/ninowalker/jmemcache-daemon-sub000/testutil"
)

// LoadConfig describes generated load. Probabilities not taken by set, delete
// and append are gets.
type LoadConfig struct {
	Items        int
	MeanItemSize int
	Clients      int
	Requests     int64
	SetP         float64
	DeleteP      float64
	AppendP      float64
	// CheckItems compares got values with last set. Valid only for
	// read only loads.
	CheckItems bool
}

func DefaultLoadConfig() LoadConfig {
	const items = 16 << 10
	return LoadConfig{
		Items:        items,
		MeanItemSize: 16 << 10,
		Clients:      10,
		Requests:     16 * items,
		SetP:         0.1,
	}
}

func IsTemporary(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Temporary()
}

func IsTimeout(err error) bool {
	switch e := err.(type) {
	case *memcache.ConnectTimeoutError:
		return true
	case net.Error:
		return e.Timeout()
	}
	return false
}

// IsOutOfMemory is true when fragmented arena can't fit item until something is evicted.
func IsOutOfMemory(err error) bool {
	return strings.Contains(err.Error(), "out of memory")
}

type loadStats struct {
	registry metrics.Registry
	get      metrics.Timer
	set      metrics.Timer
	del      metrics.Timer
	append   metrics.Timer
	miss     metrics.Counter
	notStore metrics.Counter
	timeout  metrics.Counter
	temp     metrics.Counter
	noSpace  metrics.Counter
}

func newLoadStats() *loadStats {
	r := metrics.NewRegistry()
	return &loadStats{
		registry: r,
		get:      metrics.NewRegisteredTimer("get", r),
		set:      metrics.NewRegisteredTimer("set", r),
		del:      metrics.NewRegisteredTimer("del", r),
		append:   metrics.NewRegisteredTimer("append", r),
		miss:     metrics.NewRegisteredCounter("cache.miss", r),
		notStore: metrics.NewRegisteredCounter("not.stored", r),
		timeout:  metrics.NewRegisteredCounter("err.timeout", r),
		temp:     metrics.NewRegisteredCounter("err.temporary", r),
		noSpace:  metrics.NewRegisteredCounter("err.nospace", r),
	}
}

// tolerate counts expected under load errors. Returns false for real failures.
func (s *loadStats) tolerate(err error) bool {
	switch {
	case err == memcache.ErrCacheMiss:
		s.miss.Inc(1)
	case err == memcache.ErrNotStored:
		s.notStore.Inc(1)
	case IsTimeout(err):
		s.timeout.Inc(1)
	case IsOutOfMemory(err):
		s.noSpace.Inc(1)
	case IsTemporary(err):
		s.temp.Inc(1)
	default:
		return false
	}
	return true
}

func (s *loadStats) report(conf LoadConfig) {
	By("Load stats. Time units is nanos.")
	metrics.WriteOnce(s.registry, GinkgoWriter)
	reads := s.get.Count() + s.del.Count() + s.append.Count()
	if reads > 0 {
		fmt.Fprintf(GinkgoWriter, "%.2f%% cache miss.\n", float64(s.miss.Count()*100)/float64(reads))
	}
	fmt.Fprintf(GinkgoWriter, "%.2f%% sets, %.2f%% deletes, %.2f%% appends.\n",
		float64(s.set.Count()*100)/float64(conf.Requests),
		float64(s.del.Count()*100)/float64(conf.Requests),
		float64(s.append.Count()*100)/float64(conf.Requests))
	fmt.Fprintf(GinkgoWriter, "%.0f get RPS.\n", s.get.RateMean())
}

// warmup fills cache with items. Items that don't fit are still used by load.
func warmup(addr string, conf LoadConfig) []*memcache.Item {
	By("Warmup cache.")
	c := memcache.New(addr)
	items := make([]*memcache.Item, conf.Items)
	for i := len(items) - 1; i >= 0; i-- {
		it := NewItem(testutil.Rand.Intn(2 * conf.MeanItemSize))
		items[i] = it
		err := c.Set(it)
		for err != nil && IsTemporary(err) {
			testutil.Byf("Warmup set item %v temporary err: %v", i, err)
			time.Sleep(100 * time.Millisecond)
			err = c.Set(it)
		}
		if err != nil && IsOutOfMemory(err) {
			testutil.Byf("Warmup set item %v skipped: %v", i, err)
			continue
		}
		Expect(err).To(BeNil())
	}
	By("Warmup done.")
	return items
}

// LoadTest runs conf.Clients concurrent clients doing conf.Requests requests in total.
// Item indexes are normally distributed, so there are hot and cold keys.
func LoadTest(addr string, conf LoadConfig) {
	prevMaxProcs := runtime.GOMAXPROCS(runtime.NumCPU())
	defer runtime.GOMAXPROCS(prevMaxProcs)

	ResetTestKeys()
	items := warmup(addr, conf)
	stddev := float64(conf.Items) / 2
	itemIndex := func(r *rand.Rand) int {
		const maxTry = 5
		for try := 0; try < maxTry; try++ {
			if i := int(math.Abs(r.NormFloat64() * stddev)); i < conf.Items {
				return i
			}
		}
		Fail("Item index too many tries. Make stddev smaller.")
		return 0
	}

	var requests int64
	next := func() bool { return atomic.AddInt64(&requests, 1) <= conf.Requests }
	stats := newLoadStats()
	start := make(chan struct{})
	var g errgroup.Group
	for i := 0; i < conf.Clients; i++ {
		client := i
		r := rand.New(rand.NewSource(testutil.Rand.Int63()))
		c := memcache.New(addr)
		_, err := c.Get("no_such_key")
		Expect(err).To(Equal(memcache.ErrCacheMiss), "connection check")
		g.Go(func() (err error) {
			defer GinkgoRecover()
			<-start
			defer testutil.Byf("Client %v done.", client)
			for next() {
				it := items[itemIndex(r)]
				switch p := r.Float64(); {
				case p < conf.SetP:
					stats.set.Time(func() { err = c.Set(it) })
				case p < conf.SetP+conf.DeleteP:
					stats.del.Time(func() { err = c.Delete(it.Key) })
				case p < conf.SetP+conf.DeleteP+conf.AppendP:
					suffix := &memcache.Item{Key: it.Key, Value: []byte("a")}
					stats.append.Time(func() { err = c.Append(suffix) })
				default:
					var got *memcache.Item
					stats.get.Time(func() { got, err = c.Get(it.Key) })
					if err == nil && conf.CheckItems {
						ExpectItemsEqual(got, it)
					}
				}
				if err != nil && !stats.tolerate(err) {
					return fmt.Errorf("client %v: %v", client, err)
				}
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		defer GinkgoRecover()
		tick := time.NewTicker(time.Second / 2)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				req := atomic.LoadInt64(&requests)
				if req > conf.Requests {
					req = conf.Requests
				}
				fmt.Fprintf(GinkgoWriter, "%v%% requests done.\n", req*100/conf.Requests)
			}
		}
	}()
	close(start)
	err := g.Wait()
	close(done)
	Expect(err).NotTo(HaveOccurred())
	stats.report(conf)
}
