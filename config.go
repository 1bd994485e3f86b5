package memcached

import (
	"io"

	"github.com/ninowalker/jmemcache-daemon-sub000/engine"
	"github.com/ninowalker/jmemcache-daemon-sub000/log"
)

// Config is parsed server configuration.
type Config struct {
	Addr           string
	LogDestination io.Writer
	LogLevel       log.Level
	Engine         engine.Config
	MaxItemSize    int64
	// MaxConnections is limit of concurrently served connections. Zero means no limit.
	MaxConnections int
}
