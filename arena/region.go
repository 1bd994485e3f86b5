package arena

import "fmt"

// Region describes contiguous run of blocks allocated in arena.
// Region is owned by one holder, which is responsible to Free it exactly once.
type Region struct {
	Size   int // Requested size in bytes.
	Blocks int
	Start  int // Index of first block.

	valid bool
	gen   uint64
	arena *Arena
}

// Valid returns false after region free or arena reset.
func (r *Region) Valid() bool {
	return r != nil && r.valid && r.arena != nil && r.gen == r.arena.gen
}

// Footprint returns bytes actually reserved by region.
func (r *Region) Footprint() int64 {
	return int64(r.Blocks * r.arena.blockSize)
}

func (r *Region) String() string {
	return fmt.Sprintf("{size:%v, blocks:%v, start:%v, valid:%v}", r.Size, r.Blocks, r.Start, r.Valid())
}

func (r *Region) GoString() string { return r.String() }
