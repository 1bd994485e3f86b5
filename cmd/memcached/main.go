package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ninowalker/jmemcache-daemon-sub000"
	"github.com/ninowalker/jmemcache-daemon-sub000/cmd/memcached/config"
	"github.com/ninowalker/jmemcache-daemon-sub000/engine"
	"github.com/ninowalker/jmemcache-daemon-sub000/internal/tag"
	"github.com/ninowalker/jmemcache-daemon-sub000/log"
	"github.com/ninowalker/jmemcache-daemon-sub000/recycle"
)

const usage = `
Config values merge rules:
1) config file value overrides default
2) command line value overrides any
Options:
`

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "%s", usage)
		flag.PrintDefaults()
	}
}

func main() {
	conf := readConfig()
	l := log.NewLogger(conf.LogLevel, conf.LogDestination)
	l.Debugf("Config: %#v", conf)
	if tag.Debug {
		l.Warn("Using debug build. It has more runtime checks and large performance overhead.")
	}

	e, err := engine.New(l, conf.Engine)
	if err != nil {
		l.Fatal("Engine init error: ", err)
	}
	pool := recycle.NewPoolMax(int(conf.MaxItemSize))
	if tag.Debug {
		pool.SetLeakCallback(recycle.PanicOnLeak)
	}
	s := &memcached.Server{
		Addr: conf.Addr,
		Log:  l,
		ConnMeta: memcached.ConnMeta{
			Cache:       e,
			Pool:        pool,
			MaxItemSize: int(conf.MaxItemSize),
		},
		MaxConnections: conf.MaxConnections,
	}
	go closeOnSignal(l, e)

	l.Infof("Serve on %s.", s.Addr)
	err = s.ListenAndServe()
	e.Close()
	l.Fatal("Serve error: ", err)
}

// closeOnSignal releases engine arena on termination. File backed arena is unmapped here.
func closeOnSignal(l log.Logger, e *engine.Engine) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	l.Infof("Got %s. Shutting down.", s)
	err := e.Close()
	if err != nil {
		l.Error("Engine close error: ", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// readConfig parses command flags, reads config file if any, returns merged and parsed config.
func readConfig() memcached.Config {
	l := log.NewLogger(log.DebugLevel, os.Stderr)
	flg := parseFlags()
	conf := config.Default()
	if flg.ConfigPath != "" {
		var err error
		conf, err = config.Load(flg.ConfigPath)
		if err != nil {
			l.Fatal("Config read error: ", err)
		}
	}
	config.Merge(conf, &flg.Config)
	mconf, err := config.Parse(*conf)
	if err != nil {
		l.Fatal("Config parse error: ", err)
	}
	return mconf
}

type Flags struct {
	ConfigPath string
	config.Config
}

func parseFlags() Flags {
	var f Flags
	flag.StringVar(&f.ConfigPath, "config", "", "path to yaml or json config")

	def := config.Default()
	usage := func(usage string, defVal interface{}) string {
		if _, ok := defVal.(string); ok {
			usage += fmt.Sprintf(" (default %q)", defVal)
		} else {
			usage += fmt.Sprintf(" (default %v)", defVal)
		}
		return usage
	}
	flag.StringVar(&f.Host, "host", "", usage("host address to bind", def.Host))
	flag.IntVar(&f.Port, "port", 0, usage("port num", def.Port))
	flag.StringVar(&f.LogDestination, "log-destination", "", usage("log destination: stderr, stdout or file path", def.LogDestination))
	flag.StringVar(&f.LogLevel, "log-level", "", usage("log level: debug, info, warn, error, fatal", def.LogLevel))
	flag.StringVar(&f.CacheSize, "cache-size", "", usage("cache size: 2g, 64m", def.CacheSize))
	flag.StringVar(&f.BlockSize, "block-size", "", usage("arena block size: 64b, 1k", def.BlockSize))
	flag.StringVar(&f.CeilingSize, "ceiling-size", "", usage("free arena space kept by eviction: 1m", def.CeilingSize))
	flag.IntVar(&f.MaxItems, "max-items", 0, usage("max number of items, 0 is unlimited", def.MaxItems))
	flag.StringVar(&f.Eviction, "eviction", "", usage("eviction policy: lru, fifo", def.Eviction))
	flag.StringVar(&f.Arena, "arena", "", usage("arena backing: heap, anonymous, file", def.Arena))
	flag.StringVar(&f.ArenaFile, "arena-file", "", usage("memory mapped arena file path", def.ArenaFile))
	flag.StringVar(&f.MaxItemSize, "max-item-size", "", usage("max item size: 10m, 1024k", def.MaxItemSize))
	flag.IntVar(&f.MaxConnections, "max-connections", 0, usage("max concurrent connections, 0 is unlimited", def.MaxConnections))
	flag.Parse()
	return f
}
