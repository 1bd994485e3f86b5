// Package arena contains block allocator over fixed capacity byte arena.
// Arena is divided into blocks of equal size. Allocation reserves contiguous run of blocks,
// which is called Region. Used blocks are tracked by bitmap, free run is searched first-fit,
// from left to right. There is no compaction: fragmented arena stays fragmented, until
// adjacent regions are freed.
package arena

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/bits-and-blooms/bitset"
)

const (
	DefaultBlockSize = 1 << 6
	DefaultCapacity  = 64 << 20
)

var (
	ErrNoSpace           = errors.New("no contiguous free space in arena")
	ErrMmapNotSupported  = errors.New("memory mapped arena is not supported on this platform")
	ErrInvalidBlockSize  = errors.New("block size should be positive")
	ErrCapacityTooSmall  = errors.New("capacity should be at least one block")
	ErrFileNameRequired  = errors.New("file backing requires file name")
	ErrUnexpectedBacking = errors.New("unexpected backing")
)

type Config struct {
	// Capacity is rounded down to whole blocks number.
	Capacity  int64
	BlockSize int
	Backing   Backing
	// File is path to memory mapped file. Used only with FileBacking.
	File string
}

// Stats is point in time allocator state.
type Stats struct {
	Capacity        int64
	Free            int64
	BlockSize       int
	TotalBlocks     int
	UsedBlocks      int
	LargestFreeRun  int // In blocks.
	Allocations     int64
	Frees           int64
	FailedAllocs    int64
	ActiveRegions   int64
	BackingKind     Backing
	LastResetUnixNs int64
}

// Arena is NOT safe for concurrent mutation. Alloc, Free and Reset calls should be
// serialized by caller. Bytes can be called concurrently with other Bytes calls.
//
// Invariant: free == capacity - sum(active region blocks * blockSize).
type Arena struct {
	conf      Config
	blockSize int
	blocks    int
	used      *bitset.BitSet
	memory    []byte
	backing   backing
	// gen is incremented on Reset, so regions of previous generation become invalid.
	gen uint64

	free          int64
	allocations   int64
	frees         int64
	failedAllocs  int64
	activeRegions int64
	lastReset     int64

	leakCallback LeakCallback
}

func New(conf Config) (*Arena, error) {
	if conf.BlockSize == 0 {
		conf.BlockSize = DefaultBlockSize
	}
	if conf.Capacity == 0 {
		conf.Capacity = DefaultCapacity
	}
	if conf.BlockSize < 0 {
		return nil, ErrInvalidBlockSize
	}
	blocks := int(conf.Capacity / int64(conf.BlockSize))
	if blocks == 0 {
		return nil, ErrCapacityTooSmall
	}
	size := blocks * conf.BlockSize
	b, err := newBacking(conf, size)
	if err != nil {
		return nil, err
	}
	return &Arena{
		conf:      conf,
		blockSize: conf.BlockSize,
		blocks:    blocks,
		used:      bitset.New(uint(blocks)),
		memory:    b.bytes(),
		backing:   b,
		free:      int64(size),
	}, nil
}

// Alloc reserves first contiguous run of free blocks which can hold size bytes.
// Returned region bytes are not zeroed.
func (a *Arena) Alloc(size int) (*Region, error) {
	if size < 0 {
		panic(fmt.Sprintf("negative alloc size %v", size))
	}
	a.assertOpen()
	num := a.blocksFor(size)
	if num == 0 {
		return a.newRegion(size, 0, 0), nil
	}
	start, ok := a.findRun(num)
	if !ok {
		a.failedAllocs++
		return nil, ErrNoSpace
	}
	for i := start; i < start+num; i++ {
		a.used.Set(uint(i))
	}
	a.free -= int64(num * a.blockSize)
	return a.newRegion(size, num, start), nil
}

// Free releases region blocks. Free of already freed or not owned region panics:
// that means that region owner broke contract.
func (a *Arena) Free(r *Region) {
	if r.arena != a {
		panic(fmt.Sprintf("free of foreign region %v", r))
	}
	if !r.Valid() {
		panic(fmt.Sprintf("free of invalid region %v", r))
	}
	end := r.Start + r.Blocks
	if end > a.blocks {
		panic(fmt.Sprintf("region %v out of arena range", r))
	}
	for i := r.Start; i < end; i++ {
		if !a.used.Test(uint(i)) {
			panic(fmt.Sprintf("region %v block %v is not used: aliased or double free", r, i))
		}
		a.used.Clear(uint(i))
	}
	a.free += int64(r.Blocks * a.blockSize)
	a.frees++
	a.activeRegions--
	r.valid = false
}

// Bytes returns zero copy view of region data.
// It is valid until region free.
func (a *Arena) Bytes(r *Region) []byte {
	if !r.Valid() {
		panic(fmt.Sprintf("access to invalid region %v", r))
	}
	off := r.Start * a.blockSize
	return a.memory[off : off+r.Size : off+r.Blocks*a.blockSize]
}

// Write copies parts one after another into region. Parts total length should be equal
// to region size.
func (a *Arena) Write(r *Region, parts ...[]byte) {
	dst := a.Bytes(r)
	var n int
	for _, p := range parts {
		n += copy(dst[n:], p)
	}
	if n != r.Size {
		panic(fmt.Sprintf("written %v bytes into region %v", n, r))
	}
}

// Reset frees all blocks. All regions allocated before become invalid.
func (a *Arena) Reset() {
	a.assertOpen()
	a.gen++
	a.used.ClearAll()
	a.free = a.Capacity()
	a.frees += a.activeRegions
	a.activeRegions = 0
	a.lastReset = time.Now().UnixNano()
}

// Close releases arena memory. Arena can't be used after Close.
func (a *Arena) Close() error {
	if a.backing == nil {
		return nil
	}
	err := a.backing.close()
	a.backing = nil
	a.memory = nil
	return err
}

func (a *Arena) Capacity() int64 { return int64(a.blocks * a.blockSize) }
func (a *Arena) FreeBytes() int64 { return a.free }
func (a *Arena) BlockSize() int   { return a.blockSize }

func (a *Arena) Stats() Stats {
	return Stats{
		Capacity:        a.Capacity(),
		Free:            a.free,
		BlockSize:       a.blockSize,
		TotalBlocks:     a.blocks,
		UsedBlocks:      int(a.used.Count()),
		LargestFreeRun:  a.largestFreeRun(),
		Allocations:     a.allocations,
		Frees:           a.frees,
		FailedAllocs:    a.failedAllocs,
		ActiveRegions:   a.activeRegions,
		BackingKind:     a.conf.Backing,
		LastResetUnixNs: a.lastReset,
	}
}

func (a *Arena) blocksFor(size int) int {
	return (size + a.blockSize - 1) / a.blockSize
}

// findRun returns start of first run of num clear bits. O(blocks) in worst case.
func (a *Arena) findRun(num int) (start int, ok bool) {
	from := uint(0)
	for {
		clear, found := a.used.NextClear(from)
		if !found || int(clear)+num > a.blocks {
			return 0, false
		}
		set, found := a.used.NextSet(clear)
		if !found || set >= uint(a.blocks) {
			set = uint(a.blocks)
		}
		if int(set-clear) >= num {
			return int(clear), true
		}
		from = set
	}
}

func (a *Arena) largestFreeRun() (largest int) {
	from := uint(0)
	for {
		clear, found := a.used.NextClear(from)
		if !found || int(clear) >= a.blocks {
			return
		}
		set, found := a.used.NextSet(clear)
		if !found || set >= uint(a.blocks) {
			set = uint(a.blocks)
		}
		if run := int(set - clear); run > largest {
			largest = run
		}
		from = set
	}
}

func (a *Arena) newRegion(size, blocks, start int) *Region {
	r := &Region{
		Size:   size,
		Blocks: blocks,
		Start:  start,
		valid:  true,
		gen:    a.gen,
		arena:  a,
	}
	a.allocations++
	a.activeRegions++
	if a.leakCallback != nil {
		runtime.SetFinalizer(r, checkLeakFinalizer(a.leakCallback))
	}
	return r
}

func (a *Arena) assertOpen() {
	if a.backing == nil {
		panic("arena is closed")
	}
}

type LeakCallback func(*Region)

// SetLeakCallback sets callback, which is called before GC of not freed region.
// Note: this is for test and debug purpose only.
func (a *Arena) SetLeakCallback(cb LeakCallback) {
	a.leakCallback = cb
}

func NotifyOnLeak(leak chan<- *Region) LeakCallback {
	return func(r *Region) {
		select {
		case leak <- r:
		case <-time.After(5 * time.Second):
			panic("Nobody is listening for leak notification")
		}
	}
}

var PanicOnLeak LeakCallback = func(r *Region) {
	panic(fmt.Sprintf("arena.Region leaked: %#v.", r))
}

func checkLeakFinalizer(cb LeakCallback) func(*Region) {
	return func(r *Region) {
		if r.Valid() && r.Blocks != 0 {
			cb(r)
		}
	}
}
