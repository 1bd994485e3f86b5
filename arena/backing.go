package arena

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Backing describes where arena memory lives.
type Backing uint8

const (
	// HeapBacking keeps arena in single Go heap allocated slice.
	HeapBacking Backing = iota
	// AnonymousBacking keeps arena in anonymous memory mapping, out of Go heap.
	AnonymousBacking
	// FileBacking keeps arena in shared memory mapping of Config.File.
	FileBacking
)

var backingNames = [...]string{
	HeapBacking:      "heap",
	AnonymousBacking: "anonymous",
	FileBacking:      "file",
}

func (b Backing) String() string {
	if int(b) < len(backingNames) {
		return backingNames[b]
	}
	return fmt.Sprintf("backing(%d)", b)
}

func ParseBacking(s string) (Backing, error) {
	for b, name := range backingNames {
		if strings.EqualFold(s, name) {
			return Backing(b), nil
		}
	}
	return 0, errors.Wrapf(ErrUnexpectedBacking, "%q", s)
}

type backing interface {
	bytes() []byte
	close() error
}

func newBacking(conf Config, size int) (backing, error) {
	switch conf.Backing {
	case HeapBacking:
		return heapBacking(make([]byte, size)), nil
	case AnonymousBacking:
		return mapAnonymous(size)
	case FileBacking:
		if conf.File == "" {
			return nil, ErrFileNameRequired
		}
		return mapFile(conf.File, size)
	}
	return nil, ErrUnexpectedBacking
}

type heapBacking []byte

func (h heapBacking) bytes() []byte { return h }
func (h heapBacking) close() error  { return nil }
