package integration

import (
	"bufio"
	"io/ioutil"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gexec"

	"github.com/ninowalker/jmemcache-daemon-sub000"
	"github.com/ninowalker/jmemcache-daemon-sub000/cmd/memcached/config"
	"github.com/ninowalker/jmemcache-daemon-sub000/internal/tag"
	"github.com/ninowalker/jmemcache-daemon-sub000/internal/util"
	"github.com/ninowalker/jmemcache-daemon-sub000/testutil"
)

// RawConn is text protocol connection for commands, which client library doesn't support.
type RawConn struct {
	net.Conn
	r *bufio.Reader
}

func Dial(addr string) *RawConn {
	c, err := net.Dial("tcp", addr)
	Expect(err).NotTo(HaveOccurred())
	return &RawConn{c, bufio.NewReader(c)}
}

func (c *RawConn) Send(lines ...string) {
	for _, l := range lines {
		_, err := c.Write([]byte(l + memcached.Separator))
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
	}
}

func (c *RawConn) ReadLine() string {
	c.SetReadDeadline(time.Now().Add(time.Second))
	line, err := c.r.ReadString('\n')
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return strings.TrimSuffix(line, memcached.Separator)
}

func (c *RawConn) ExpectLines(lines ...string) {
	for _, l := range lines {
		ExpectWithOffset(1, c.ReadLine()).To(Equal(l))
	}
}

func (c *RawConn) Stats(arg string) map[string]string {
	cmd := memcached.StatsCommand
	if arg != "" {
		cmd += " " + arg
	}
	c.Send(cmd)
	res := map[string]string{}
	for {
		line := c.ReadLine()
		if line == memcached.EndResponse {
			return res
		}
		fields := strings.SplitN(line, " ", 3)
		ExpectWithOffset(1, fields).To(HaveLen(3))
		ExpectWithOffset(1, fields[0]).To(Equal(memcached.StatResponse))
		res[fields[1]] = fields[2]
	}
}

var _ = Describe("Integration", func() {
	BeforeEach(func() {
		if tag.Race {
			Skip("Integration is not running under race detector.")
		}
	})
	const SessionWaitTime = 3 * time.Second
	var (
		confFile   string
		inConf     config.Config    // App config to run.
		serverConf memcached.Config // Parsed config. Read only.

		session *Session
	)
	BeforeEach(func() {
		ResetTestKeys()
		confFile = testutil.TmpFileName()
		inConf = *config.Default() // Sometimes we want to know defaults.
		inConf.LogLevel = "debug"
		serverConf = memcached.Config{} // Will be filled in JBE.
	})

	StartMemcached := func() {
		var err error
		command := exec.Command(MemcachedCLI, "-config", confFile)
		session, err = Start(command, GinkgoWriter, GinkgoWriter)
		Expect(err).ToNot(HaveOccurred(), "%v", err)
		WaitListening(serverConf.Addr)
	}
	JustBeforeEach(func() {
		if !util.IsZero(serverConf) {
			Fail("Test should configure inConf, not serverConfig.")
		}
		var err error
		serverConf, err = config.Parse(inConf)
		Expect(err).NotTo(HaveOccurred())
		err = ioutil.WriteFile(confFile, config.Marshal(&inConf), 0600)
		Expect(err).NotTo(HaveOccurred())
		StartMemcached()
	})
	AfterEach(func() {
		session.Terminate().Wait(SessionWaitTime)
		os.Remove(confFile)
	})

	It("handle terminate", func() {
		session.Terminate().Wait(SessionWaitTime)
		Expect(session).To(Exit(0))
	})
	It("handle interrupt", func() {
		session.Interrupt().Wait(SessionWaitTime)
		Expect(session).To(Exit(0))
	})

	Context("simple requests", func() {
		var (
			c   *memcache.Client
			err error
		)
		JustBeforeEach(func() {
			c = memcache.New(serverConf.Addr)
		})
		It("get what set", func() {
			set := RandSizeItem()
			err = c.Set(set)
			Expect(err).To(BeNil())
			get, err := c.Get(set.Key)
			Expect(err).To(BeNil())
			ExpectItemsEqual(get, set)
		})

		It("overwrite", func() {
			set := RandSizeItem()
			overwrite := RandSizeItem()
			overwrite.Key = set.Key
			err = c.Set(set)
			Expect(err).To(BeNil())
			err = c.Set(overwrite)
			Expect(err).To(BeNil())

			get, err := c.Get(set.Key)
			Expect(err).To(BeNil())
			ExpectItemsEqual(get, overwrite)
		})

		It("delete", func() {
			set := RandSizeItem()
			err = c.Set(set)
			Expect(err).To(BeNil())

			err = c.Delete(set.Key)
			Expect(err).To(BeNil())
			_, err = c.Get(set.Key)
			Expect(err).To(Equal(memcache.ErrCacheMiss))
			err = c.Delete(set.Key)
			Expect(err).To(Equal(memcache.ErrCacheMiss))
		})

		It("multi get", func() {
			var keys []string
			items := map[string]*memcache.Item{}
			for i := 0; i < 10; i++ {
				i := RandSizeItem()
				keys = append(keys, i.Key)
				items[i.Key] = i
				err = c.Set(i)
				Expect(err).To(BeNil())
			}
			gotItems, err := c.GetMulti(keys)
			Expect(err).To(BeNil())
			Expect(len(gotItems)).To(Equal(len(items)))
			for k, v := range gotItems {
				ExpectItemsEqual(v, items[k])
			}
		})

		It("add and replace", func() {
			it := RandSizeItem()
			Expect(c.Replace(it)).To(Equal(memcache.ErrNotStored))
			Expect(c.Add(it)).To(Succeed())
			Expect(c.Add(it)).To(Equal(memcache.ErrNotStored))
			replace := RandSizeItem()
			replace.Key = it.Key
			Expect(c.Replace(replace)).To(Succeed())
			get, err := c.Get(it.Key)
			Expect(err).To(BeNil())
			ExpectItemsEqual(get, replace)
		})

		It("compare and swap", func() {
			it := RandSizeItem()
			Expect(c.Set(it)).To(Succeed())
			first, err := c.Get(it.Key)
			Expect(err).To(BeNil())
			second, err := c.Get(it.Key)
			Expect(err).To(BeNil())

			first.Value = []byte("first")
			Expect(c.CompareAndSwap(first)).To(Succeed())
			second.Value = []byte("second")
			Expect(c.CompareAndSwap(second)).To(Equal(memcache.ErrCASConflict))

			get, err := c.Get(it.Key)
			Expect(err).To(BeNil())
			Expect(string(get.Value)).To(Equal("first"))
		})

		It("increment and decrement", func() {
			Expect(c.Set(&memcache.Item{Key: "num", Value: []byte("42")})).To(Succeed())
			n, err := c.Increment("num", 8)
			Expect(err).To(BeNil())
			Expect(n).To(BeEquivalentTo(50))
			n, err = c.Decrement("num", 49)
			Expect(err).To(BeNil())
			Expect(n).To(BeEquivalentTo(1))
			n, err = c.Decrement("num", 10)
			Expect(err).To(BeNil())
			Expect(n).To(BeZero())

			_, err = c.Increment("missing", 1)
			Expect(err).To(Equal(memcache.ErrCacheMiss))

			Expect(c.Set(&memcache.Item{Key: "nonnum", Value: []byte("abc")})).To(Succeed())
			_, err = c.Increment("nonnum", 1)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("client error"))
		})

		It("flush all", func() {
			it := RandSizeItem()
			Expect(c.Set(it)).To(Succeed())
			Expect(c.DeleteAll()).To(Succeed())
			_, err = c.Get(it.Key)
			Expect(err).To(Equal(memcache.ErrCacheMiss))
		})
	})

	Context("raw protocol", func() {
		var c *RawConn
		JustBeforeEach(func() {
			c = Dial(serverConf.Addr)
		})
		AfterEach(func() {
			c.Close()
		})

		It("append and prepend", func() {
			c.Send("append key 0 0 1", "x")
			c.ExpectLines(memcached.NotStoredResponse)
			c.Send("set key 5 0 3", "bbb")
			c.ExpectLines(memcached.StoredResponse)
			c.Send("append key 0 0 1", "c")
			c.ExpectLines(memcached.StoredResponse)
			c.Send("prepend key 0 0 1", "a")
			c.ExpectLines(memcached.StoredResponse)
			c.Send("get key")
			c.ExpectLines("VALUE key 5 5", "abbbc", memcached.EndResponse)
		})

		It("delayed delete blocks key", func() {
			c.Send("set key 0 0 1", "x")
			c.ExpectLines(memcached.StoredResponse)
			c.Send("delete key 100")
			c.ExpectLines(memcached.DeletedResponse)
			c.Send("get key")
			c.ExpectLines(memcached.EndResponse)
			c.Send("add key 0 0 1", "y")
			c.ExpectLines(memcached.NotStoredResponse)
			c.Send("set key 0 0 1", "z")
			c.ExpectLines(memcached.StoredResponse)
			c.Send("get key")
			c.ExpectLines("VALUE key 0 1", "z", memcached.EndResponse)
		})

		It("version", func() {
			c.Send("version")
			c.ExpectLines(memcached.VersionResponse + " 1.0.0")
		})

		It("noreply", func() {
			c.Send("set key 0 0 1 noreply", "x", "get key")
			c.ExpectLines("VALUE key 0 1", "x", memcached.EndResponse)
		})

		It("stats", func() {
			c.Send("set key 0 0 1", "x")
			c.ExpectLines(memcached.StoredResponse)
			stats := c.Stats("")
			Expect(stats).To(HaveKeyWithValue("curr_items", "1"))
			Expect(stats).To(HaveKeyWithValue("cmd_set", "1"))
			Expect(stats).To(HaveKeyWithValue("curr_connections", "1"))
			Expect(stats).To(HaveKey("uptime"))
			Expect(stats).To(HaveKeyWithValue("limit_maxbytes", strconv.FormatInt(serverConf.Engine.Arena.Capacity, 10)))

			settings := c.Stats("settings")
			Expect(settings).To(HaveKeyWithValue("item_size_max", strconv.FormatInt(serverConf.MaxItemSize, 10)))

			keys := c.Stats("keys")
			Expect(keys).To(HaveKey("item"))
			Expect(keys["item"]).To(HavePrefix("key 0 "))

			Expect(c.Stats("no_such_group")).To(BeEmpty())
		})

		It("verbosity", func() {
			c.Send("verbosity 1")
			c.ExpectLines(memcached.OKResponse)
		})

		It("too large item", func() {
			size := serverConf.MaxItemSize + 1
			c.Send("set key 0 0 "+strconv.FormatInt(size, 10), strings.Repeat("x", int(size)))
			Expect(c.ReadLine()).To(HavePrefix(memcached.ClientErrorResponse))
			c.Send("get key")
			c.ExpectLines(memcached.EndResponse)
		})

		It("unknown command", func() {
			c.Send("unknown")
			c.ExpectLines(memcached.ErrorResponse)
		})
	})

	Context("connection limit", func() {
		BeforeEach(func() { inConf.MaxConnections = 1 })
		It("rejects extra connection", func() {
			var first *RawConn
			// Readiness probe connection may be not released yet.
			Eventually(func() (string, error) {
				if first != nil {
					first.Close()
				}
				first = Dial(serverConf.Addr)
				first.SetDeadline(time.Now().Add(time.Second))
				if _, err := first.Write([]byte(memcached.VersionCommand + memcached.Separator)); err != nil {
					return "", err
				}
				return first.r.ReadString('\n')
			}).Should(HavePrefix(memcached.VersionResponse))
			defer first.Close()

			second := Dial(serverConf.Addr)
			defer second.Close()
			Expect(second.ReadLine()).To(Equal(memcached.ServerErrorResponse + " too many open connections"))
		})
	})

	Context("file arena", func() {
		BeforeEach(func() {
			inConf.Arena = "file"
			inConf.ArenaFile = testutil.TmpFileName()
			inConf.CacheSize = "4m"
		})
		AfterEach(func() {
			os.Remove(inConf.ArenaFile)
		})
		It("get what set", func() {
			c := memcache.New(serverConf.Addr)
			set := RandSizeItem()
			Expect(c.Set(set)).To(Succeed())
			get, err := c.Get(set.Key)
			Expect(err).To(BeNil())
			ExpectItemsEqual(get, set)

			stat, err := os.Stat(inConf.ArenaFile)
			Expect(err).NotTo(HaveOccurred())
			Expect(stat.Size()).To(BeEquivalentTo(4 << 20))
		})
	})

	Context("input much larger than cache size", func() {
		var (
			c      *memcache.Client
			its    []*memcache.Item
			inSize int
		)
		BeforeEach(func() {
			inConf.CacheSize = "64k"
			inConf.CeilingSize = "16k"
			inConf.MaxItemSize = "4k"
			inConf.LogLevel = "info"
			its = nil
			inSize = 0
		})
		JustBeforeEach(func() {
			c = memcache.New(serverConf.Addr)
			Expect(serverConf.Engine.Arena.Capacity).To(BeEquivalentTo(64 << 10))
			for inSize < int(5*serverConf.Engine.Arena.Capacity) {
				set := RandSizeItem()
				inSize += len(set.Value)
				err := c.Set(set)
				if err != nil && IsOutOfMemory(err) {
					continue
				}
				Expect(err).ToNot(HaveOccurred())
				its = append(its, set)
			}
		})

		It("evicts old items, keeps what fits", func() {
			var hits int
			for _, it := range its {
				got, err := c.Get(it.Key)
				if err == memcache.ErrCacheMiss {
					continue
				}
				Expect(err).To(BeNil())
				ExpectItemsEqual(got, it)
				hits++
			}
			Expect(hits).To(BeNumerically(">", 0))
			Expect(hits).To(BeNumerically("<", len(its)))

			_, err := c.Get(its[len(its)-1].Key)
			Expect(err).To(BeNil(), "last written item should be present")

			rc := Dial(serverConf.Addr)
			defer rc.Close()
			stats := rc.Stats("")
			evictions, err := strconv.Atoi(stats["evictions"])
			Expect(err).NotTo(HaveOccurred())
			Expect(evictions).To(BeNumerically(">", 0))
		})
	})

	Context("load", func() {
		BeforeEach(func() {
			inConf.LogLevel = "info" // Too large debug output.
		})

		It("mostly gets", func() {
			LoadTest(serverConf.Addr, DefaultLoadConfig())
		})

		It("mixed updates", func() {
			conf := DefaultLoadConfig()
			conf.Items = 4 << 10
			conf.Requests = 8 * int64(conf.Items)
			conf.SetP = 0.3
			conf.DeleteP = 0.1
			conf.AppendP = 0.1
			LoadTest(serverConf.Addr, conf)
		})

		It("read only items are consistent", func() {
			conf := DefaultLoadConfig()
			conf.Items = 1 << 10
			conf.MeanItemSize = 1 << 10
			conf.Requests = 16 * int64(conf.Items)
			conf.SetP = 0
			conf.CheckItems = true
			LoadTest(serverConf.Addr, conf)
		})
	})
})
