// Package cache holds decoded segments resident in memory.
//
// ResidentSet is an LRU bounded by segment count and by bytes. Entries carry
// the resource.Reservation taken for them, released exactly when the entry
// leaves the set.
package cache
