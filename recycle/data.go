package recycle

import (
	"fmt"
	"sync/atomic"
)

// Data is pooled buffer owned by one reader. Bytes should not be used after Recycle.
type Data struct {
	pool     *Pool
	recycled int32 // Atomic.
	buf      []byte
}

func newData(p *Pool, buf []byte) *Data {
	return &Data{pool: p, buf: buf}
}

func (d *Data) Bytes() []byte {
	if d.isRecycled() {
		panic("read access after recycle call")
	}
	return d.buf
}

func (d *Data) Len() int { return len(d.buf) }

func (d *Data) Recycle() {
	if !atomic.CompareAndSwapInt32(&d.recycled, 0, 1) {
		panic("second recycle call")
	}
	d.pool.recycleBuffer(d.buf)
	d.buf = nil
}

func (d *Data) isRecycled() bool {
	return atomic.LoadInt32(&d.recycled) == 1
}

func (d *Data) GoString() string {
	return fmt.Sprintf("{recycled:%v, len:%v}", d.isRecycled(), len(d.buf))
}
