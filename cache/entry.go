package cache

import (
	"bytes"
	"fmt"
)

// Entry is cache entry value. Index never retains Payload slice passed by caller,
// and returns copies of stored payload.
type Entry struct {
	Key   Key
	Flags uint32
	// Expiry is absolute unix time in seconds. Zero means never.
	Expiry  int64
	Payload []byte
	CAS     uint64
	// BlockedUntil is non zero for placeholder left by delayed delete.
	// Blocked entry is invisible for reads until removal.
	BlockedUntil int64
}

// Size returns payload length. Size is used for all size accounting.
func (e Entry) Size() int { return len(e.Payload) }

func (e Entry) Expired(now int64) bool {
	return e.Expiry != 0 && e.Expiry < now
}

func (e Entry) Blocked() bool { return e.BlockedUntil != 0 }

// Live returns true if entry can be seen by reads.
func (e Entry) Live(now int64) bool {
	return !e.Expired(now) && !e.Blocked()
}

func (e Entry) Equal(other Entry) bool {
	return e.Key.Equal(other.Key) &&
		e.meta() == other.meta() &&
		bytes.Equal(e.Payload, other.Payload)
}

// meta is comparable part of entry.
type meta struct {
	flags        uint32
	expiry       int64
	cas          uint64
	blockedUntil int64
}

func (e Entry) meta() meta {
	return meta{e.Flags, e.Expiry, e.CAS, e.BlockedUntil}
}

func (m meta) expired(now int64) bool {
	return m.expiry != 0 && m.expiry < now
}

func (e Entry) GoString() string {
	return fmt.Sprintf("{Key:%q, Flags:%v, Expiry:%v, CAS:%v, BlockedUntil:%v, Payload:%q}",
		e.Key.data, e.Flags, e.Expiry, e.CAS, e.BlockedUntil, e.Payload)
}
