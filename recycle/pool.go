// Package recycle contains pool of size classed byte buffers, which connections use
// to read value data blocks before they are copied into cache arena.
package recycle

import (
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync"
	"time"
)

const (
	minClassSize = 1 << 7
	// DefaultMaxSize is default max item size.
	DefaultMaxSize = 1 << 20
)

// DefaultSizes are power of two classes from 128 bytes to 1 MB.
var DefaultSizes = ClassSizes(DefaultMaxSize)

// ClassSizes returns power of two size classes enough to hold buffer of max size.
func ClassSizes(max int) (sizes []int) {
	for s := minClassSize; ; s <<= 1 {
		sizes = append(sizes, s)
		if s >= max {
			return
		}
	}
}

// Pool hands out buffers from smallest fitting size class.
// Buffers smaller than half of min class and larger than max class are not pooled.
type Pool struct {
	leakCallback LeakCallback
	sizes        []int
	classes      []sync.Pool
}

func NewPool() *Pool {
	return NewPoolSizes(DefaultSizes)
}

// NewPoolMax creates pool with classes enough for items of maxItemSize.
func NewPoolMax(maxItemSize int) *Pool {
	return NewPoolSizes(ClassSizes(maxItemSize))
}

// NewPoolSizes creates pool with given class sizes. Sizes should be sorted and positive.
func NewPoolSizes(sizes []int) *Pool {
	if sizes == nil {
		sizes = DefaultSizes
	}
	for i, size := range sizes {
		if size <= 0 {
			panic(fmt.Sprintf("non positive size class %v", size))
		}
		if i > 0 && sizes[i-1] >= size {
			panic("size classes are unsorted or have duplicates")
		}
	}
	p := &Pool{
		sizes:   sizes,
		classes: make([]sync.Pool, len(sizes)),
	}
	for i, size := range sizes {
		size := size
		p.classes[i].New = func() interface{} { return make([]byte, size) }
	}
	return p
}

func (p *Pool) MinSize() int { return p.sizes[0] }
func (p *Pool) MaxSize() int { return p.sizes[len(p.sizes)-1] }

// ReadData reads exactly size bytes from r into pooled buffer.
// On error buffer is returned to pool and error is as io.ReadFull returns.
func (p *Pool) ReadData(r io.Reader, size int) (*Data, error) {
	buf := p.buffer(size)
	if _, err := io.ReadFull(r, buf); err != nil {
		p.recycleBuffer(buf)
		return nil, err
	}
	d := newData(p, buf)
	if cb := p.leakCallback; cb != nil {
		runtime.SetFinalizer(d, func(d *Data) {
			if !d.isRecycled() {
				cb(d)
			}
		})
	}
	return d, nil
}

// class returns index of smallest class fitting size, or -1 if size should not be pooled.
func (p *Pool) class(size int) int {
	if size <= p.MinSize()/2 {
		return -1
	}
	i := sort.SearchInts(p.sizes, size)
	if i == len(p.sizes) {
		return -1
	}
	return i
}

// buffer returns slice of len size.
func (p *Pool) buffer(size int) []byte {
	i := p.class(size)
	if i < 0 {
		return make([]byte, size)
	}
	return p.classes[i].Get().([]byte)[:size]
}

func (p *Pool) recycleBuffer(buf []byte) {
	size := cap(buf)
	i := p.class(size)
	if i < 0 || p.sizes[i] != size {
		// Allocated by make. Leave it for GC.
		return
	}
	p.classes[i].Put(buf[:size])
}

type LeakCallback func(*Data)

// SetLeakCallback sets callback, which is called before GC of not recycled data.
// Debug builds and tests only: finalizers slow down reads.
func (p *Pool) SetLeakCallback(cb LeakCallback) {
	p.leakCallback = cb
}

func NotifyOnLeak(leak chan<- *Data) LeakCallback {
	return func(d *Data) {
		select {
		case leak <- d:
		case <-time.After(5 * time.Second):
			panic("Nobody is listening for leak notification")
		}
	}
}

var PanicOnLeak LeakCallback = func(d *Data) {
	panic(fmt.Sprintf("recycle.Data leaked: %#v.", d))
}
