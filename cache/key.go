package cache

import (
	"github.com/cespare/xxhash/v2"
)

// Key is immutable byte sequence with precomputed hash.
// Zero Key is empty key.
type Key struct {
	data string
	hash uint64
}

// NewKey copies p, so p can be reused after call.
func NewKey(p []byte) Key {
	return KeyString(string(p))
}

func KeyString(s string) Key {
	return Key{s, xxhash.Sum64String(s)}
}

func (k Key) Hash() uint64     { return k.hash }
func (k Key) Len() int         { return len(k.data) }
func (k Key) String() string   { return k.data }
func (k Key) GoString() string { return "cache.Key(" + k.data + ")" }

// Bytes returns copy of key data.
func (k Key) Bytes() []byte { return []byte(k.data) }

func (k Key) Equal(other Key) bool {
	return k.hash == other.hash && k.data == other.data
}
