package cache

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// invariantsError checks list, table and arena accounting consistency.
// All found violations are returned.
func (x *Index) invariantsError() error {
	var result *multierror.Error
	fail := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}
	l := x.list
	if l.root.next.prev != &l.root || l.root.prev.next != &l.root {
		fail("list root links are broken")
	}
	var (
		items int
		bytes int64
	)
	for n := l.front(); n != nil; n = l.after(n) {
		items++
		if items > l.len {
			fail("list is longer than len %v", l.len)
			break
		}
		bytes += n.size()
		if n.next.prev != n {
			fail("node %s: broken back link", n.key)
		}
		if !n.region.Valid() {
			fail("node %s: region is freed", n.key)
		}
		if x.lookup(n.key) != n {
			fail("node %s: table refs to another node", n.key)
		}
	}
	if items < l.len {
		fail("list has %v nodes, len is %v", items, l.len)
	}
	if bytes != l.bytes {
		fail("list nodes size is %v, accounted %v", bytes, l.bytes)
	}
	var chained int
	for _, n := range x.table {
		for ; n != nil; n = n.chain {
			chained++
		}
	}
	if chained != l.len {
		fail("table has %v nodes, list has %v", chained, l.len)
	}
	if used := x.arena.Capacity() - x.arena.FreeBytes(); used != l.bytes {
		fail("arena has %v bytes used, list accounts %v", used, l.bytes)
	}
	return result.ErrorOrNil()
}
