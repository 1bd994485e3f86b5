// Package config contains memcached input configuration, which is read from file and
// command line, and its parsing into memcached.Config.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/facebookgo/stackerr"
	"gopkg.in/yaml.v2"

	"github.com/ninowalker/jmemcache-daemon-sub000"
	"github.com/ninowalker/jmemcache-daemon-sub000/arena"
	"github.com/ninowalker/jmemcache-daemon-sub000/cache"
	"github.com/ninowalker/jmemcache-daemon-sub000/internal/util"
	"github.com/ninowalker/jmemcache-daemon-sub000/log"
)

// Config is input configuration. Size values are like 10g, 128m, 1024k, 1000000b.
// JSON config is valid YAML, so json tags are kept for readers of JSON files.
type Config struct {
	Port           int    `yaml:"port,omitempty" json:"port,omitempty"`
	Host           string `yaml:"host,omitempty" json:"host,omitempty"`
	LogDestination string `yaml:"log-destination,omitempty" json:"log-destination,omitempty"` // Stdout, stderr, or filepath.
	LogLevel       string `yaml:"log-level,omitempty" json:"log-level,omitempty"`
	CacheSize      string `yaml:"cache-size,omitempty" json:"cache-size,omitempty"`
	BlockSize      string `yaml:"block-size,omitempty" json:"block-size,omitempty"`
	// CeilingSize is free arena space, which eviction tries to keep.
	CeilingSize string `yaml:"ceiling-size,omitempty" json:"ceiling-size,omitempty"`
	MaxItems    int    `yaml:"max-items,omitempty" json:"max-items,omitempty"`
	// Eviction is lru or fifo.
	Eviction string `yaml:"eviction,omitempty" json:"eviction,omitempty"`
	// Arena is heap, anonymous or file.
	Arena          string `yaml:"arena,omitempty" json:"arena,omitempty"`
	ArenaFile      string `yaml:"arena-file,omitempty" json:"arena-file,omitempty"`
	MaxItemSize    string `yaml:"max-item-size,omitempty" json:"max-item-size,omitempty"`
	MaxConnections int    `yaml:"max-connections,omitempty" json:"max-connections,omitempty"`
}

func Default() *Config {
	return &Config{
		Port:           11211,
		Host:           "",
		LogDestination: "stderr",
		LogLevel:       "info",
		CacheSize:      "64m",
		BlockSize:      "64b",
		CeilingSize:    "1m",
		Eviction:       "lru",
		Arena:          "heap",
		MaxItemSize:    "1m",
	}
}

func Parse(conf Config) (mconf memcached.Config, err error) {
	mconf.LogDestination, err = logDestination(conf.LogDestination)
	if err != nil {
		err = stackerr.Newf("Log destination open error: %v", err)
		return
	}
	mconf.LogLevel, err = log.LevelFromString(conf.LogLevel)
	if err != nil {
		err = stackerr.Newf("Log level parse error: %v", err)
		return
	}

	ac := &mconf.Engine.Arena
	ac.Capacity, err = parseSize(conf.CacheSize)
	if err != nil {
		err = stackerr.Newf("Cache size parse error: %v", err)
		return
	}
	var blockSize int64
	blockSize, err = parseSize(conf.BlockSize)
	if err != nil {
		err = stackerr.Newf("Block size parse error: %v", err)
		return
	}
	ac.BlockSize = int(blockSize)
	ac.Backing, err = arena.ParseBacking(conf.Arena)
	if err != nil {
		err = stackerr.Newf("Arena parse error: %v", err)
		return
	}
	ac.File = conf.ArenaFile
	if ac.Backing == arena.FileBacking && ac.File == "" {
		err = stackerr.Wrap(arena.ErrFileNameRequired)
		return
	}

	ic := &mconf.Engine.Index
	if conf.CeilingSize != "" {
		ic.CeilingBytes, err = parseSize(conf.CeilingSize)
		if err != nil {
			err = stackerr.Newf("Ceiling size parse error: %v", err)
			return
		}
		if ic.CeilingBytes >= ac.Capacity {
			err = stackerr.Newf("Ceiling size should be less than cache size.")
			return
		}
	}
	if conf.MaxItems < 0 {
		err = stackerr.Newf("Negative max items.")
		return
	}
	ic.MaxItems = conf.MaxItems
	ic.Policy, err = cache.ParsePolicy(conf.Eviction)
	if err != nil {
		err = stackerr.Newf("Eviction parse error: %v", err)
		return
	}

	mconf.MaxItemSize, err = parseSize(conf.MaxItemSize)
	if err != nil {
		err = stackerr.Newf("Max item size parse error: %v", err)
		return
	}
	if mconf.MaxItemSize > memcached.MaxItemSize {
		err = stackerr.Newf("Too large max item size.")
		return
	}
	if mconf.MaxItemSize > ac.Capacity {
		err = stackerr.Newf("Max item size is larger than cache size.")
		return
	}
	if conf.MaxConnections < 0 {
		err = stackerr.Newf("Negative max connections.")
		return
	}
	mconf.MaxConnections = conf.MaxConnections
	mconf.Addr = net.JoinHostPort(conf.Host, strconv.Itoa(conf.Port))
	return
}

// Merge overwrites def values with non zero override values.
func Merge(def, override *Config) {
	defVal := reflect.ValueOf(def).Elem()
	overrideVal := reflect.ValueOf(override).Elem()
	for i, end := 0, defVal.NumField(); i < end; i++ {
		overrideVal := overrideVal.Field(i)
		if !util.IsZeroVal(overrideVal) {
			defVal.Field(i).Set(overrideVal)
		}
	}
}

// Load reads config file and merges it over defaults.
func Load(filename string) (*Config, error) {
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	fileConf := &Config{}
	err = yaml.UnmarshalStrict(data, fileConf)
	if err != nil {
		return nil, stackerr.Newf("Config parse error: %v", err)
	}
	conf := Default()
	Merge(conf, fileConf)
	return conf, nil
}

func Marshal(conf *Config) []byte {
	data, err := yaml.Marshal(conf)
	if err != nil {
		panic(err)
	}
	return data
}

func parseSize(s string) (size int64, err error) {
	if len(s) < 2 {
		err = errors.New("Invalid size format.")
		return
	}
	sep := len(s) - 1
	sizeStr := s[:sep]
	exponentStr := s[sep:]
	var exponent uint32
	switch strings.ToLower(exponentStr) {
	case "b":
		exponent = 0
	case "k":
		exponent = 10
	case "m":
		exponent = 20
	case "g":
		exponent = 30
	default:
		err = errors.New("Invalid exponent. Only 'b', 'k', 'm', 'g' allowed.")
		return
	}
	size, err = strconv.ParseInt(sizeStr, 10, 31)
	if err != nil {
		err = fmt.Errorf("Size parse error: %s", err)
		return
	}
	if size < 0 {
		err = errors.New("Negative size.")
		return
	}
	size <<= exponent
	return
}

func logDestination(dest string) (w io.Writer, err error) {
	switch strings.ToLower(dest) {
	case "stderr", "":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		w, err = os.OpenFile(dest, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	}
	return
}
