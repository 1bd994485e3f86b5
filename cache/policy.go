package cache

import (
	"fmt"
	"strings"
)

// Policy chooses eviction order.
type Policy uint8

const (
	// LRU evicts least recently read or written entries first.
	LRU Policy = iota
	// FIFO evicts least recently written entries first. Reads don't change order.
	FIFO
)

func (p Policy) String() string {
	switch p {
	case LRU:
		return "lru"
	case FIFO:
		return "fifo"
	}
	return fmt.Sprintf("policy(%d)", uint8(p))
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "lru", "":
		return LRU, nil
	case "fifo":
		return FIFO, nil
	}
	return 0, fmt.Errorf("unexpected eviction policy %q", s)
}
