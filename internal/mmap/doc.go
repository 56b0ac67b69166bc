// Package mmap maps segment files read-only into memory.
//
// Segments are decoded front to back exactly once after a cache miss, so a
// Region is advised for sequential access when mapped and its pages are
// dropped on Release. Platforms without mmap(2) read the file into the heap.
package mmap
