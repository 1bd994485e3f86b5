// Package cache contains cache entry model and Index: key to arena region mapping,
// bounded by items number and by arena free space ceiling.
//
// Index keeps entries in eviction list. New and overwritten entries are pushed to list back.
// With LRU policy reads move entry to back too, with FIFO reads don't change order.
// Eviction takes entries from list front, while arena free space is less than ceiling
// or there are more items than allowed. Evicted entry region is freed before entry
// leaves the table, so table never refers freed region.
//
// Index is not synchronized. Mutations require exclusive access. Get, Peek, Range and Len
// can be called concurrently with each other: list order changes made by reads are
// guarded by internal lock.
package cache
