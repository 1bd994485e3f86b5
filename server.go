package memcached

import (
	"net"
	"os"
	"time"

	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/semaphore"

	"github.com/ninowalker/jmemcache-daemon-sub000/engine"
	"github.com/ninowalker/jmemcache-daemon-sub000/log"
	"github.com/ninowalker/jmemcache-daemon-sub000/recycle"
)

const tooManyConnectionsResponse = ServerErrorResponse + " too many open connections" + Separator

type Server struct {
	Addr string
	ConnMeta
	// MaxConnections is limit of concurrently served connections. Zero means no limit.
	MaxConnections int
	Log            log.Logger
	connCounter    int64
	sem            *semaphore.Weighted
	stats          serverStats
}

// ConnMeta is data shared between connections.
type ConnMeta struct {
	Cache       engine.Cache
	Pool        *recycle.Pool
	MaxItemSize int
	// Metrics is server statistics registry. Its counters are reported by stats command.
	Metrics metrics.Registry
}

type serverStats struct {
	currConns    metrics.Counter
	totalConns   metrics.Counter
	rejected     metrics.Counter
	bytesRead    metrics.Counter
	bytesWritten metrics.Counter
}

func (s *Server) ListenAndServe() error {
	if s.Addr == "" {
		s.Addr = ":11211"
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Serve(l net.Listener) error {
	s.init()
	var tempDelay time.Duration // How long to sleep on accept failure.
	for {
		c, err := l.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); !(ok && ne.Temporary()) {
				return err
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if max := 1 * time.Second; tempDelay > max {
				tempDelay = max
			}
			s.Log.Errorf("memcached: Accept error: %v; retrying in %v", err, tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0
		if s.sem != nil && !s.sem.TryAcquire(1) {
			s.reject(c)
			continue
		}
		conn := s.newConn(c)
		go func() {
			defer s.release()
			conn.serve()
		}()
	}
}

func (s *Server) newConn(c net.Conn) *conn {
	s.stats.totalConns.Inc(1)
	s.stats.currConns.Inc(1)
	l := s.Log.With("conn", s.connCounter)
	s.connCounter++
	return newConn(l, &s.ConnMeta, countingConn{c, s.stats.bytesRead, s.stats.bytesWritten})
}

func (s *Server) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
	s.stats.currConns.Dec(1)
}

func (s *Server) reject(c net.Conn) {
	s.stats.rejected.Inc(1)
	s.Log.Warnf("Too many connections. Rejecting %s.", c.RemoteAddr())
	c.SetWriteDeadline(time.Now().Add(time.Second))
	c.Write([]byte(tooManyConnectionsResponse))
	c.Close()
}

func (s *Server) init() {
	if s.Log == nil {
		s.Log = log.NewLogger(log.ErrorLevel, os.Stderr)
	}
	s.ConnMeta.init()
	if s.MaxConnections > 0 {
		s.sem = semaphore.NewWeighted(int64(s.MaxConnections))
	}
	c := func(name string) metrics.Counter {
		return metrics.GetOrRegisterCounter(name, s.Metrics)
	}
	s.stats = serverStats{
		currConns:    c("curr_connections"),
		totalConns:   c("total_connections"),
		rejected:     c("rejected_connections"),
		bytesRead:    c("bytes_read"),
		bytesWritten: c("bytes_written"),
	}
}

func (m *ConnMeta) init() {
	if m.Pool == nil {
		m.Pool = recycle.NewPool()
	}
	if m.MaxItemSize == 0 {
		m.MaxItemSize = DefaultMaxItemSize
	}
	if m.Metrics == nil {
		m.Metrics = metrics.NewRegistry()
	}
}

// countingConn counts transferred bytes.
type countingConn struct {
	net.Conn
	read    metrics.Counter
	written metrics.Counter
}

func (c countingConn) Read(p []byte) (n int, err error) {
	n, err = c.Conn.Read(p)
	c.read.Inc(int64(n))
	return
}

func (c countingConn) Write(p []byte) (n int, err error) {
	n, err = c.Conn.Write(p)
	c.written.Inc(int64(n))
	return
}
