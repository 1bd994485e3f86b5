//go:build debug
// +build debug

package tag

// Debug is true when built with "debug" tag. Debug builds check cache invariants
// after every mutation and are much slower.
const Debug = true
