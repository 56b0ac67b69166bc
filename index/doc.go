// Package index implements the memory-bounded, segmented vector index of one
// embedding model version.
//
// # Write Path
//
// Insert appends to an in-memory write buffer under an exclusive write lock.
// When the buffer reaches the segment size it is flushed as a new immutable
// segment and the manifest is committed. Buffered records are visible to
// queries before they are flushed.
//
// # Read Path
//
// QuerySegments yields segment views without taking the write lock. Segments
// are loaded on demand into a resident LRU; the least recently used segment is
// evicted before a new one is loaded, so at most MaxResidentSegments decoded
// segments are held at any time, independent of the index size on storage.
//
// # Deletes and Compaction
//
// Delete tombstones the rows of a source document using per-segment document
// postings kept in the manifest, so no segment body is read. Compaction
// rewrites segments with many tombstones and merges small ones. It performs
// I/O without the write lock and publishes the result only once no query is
// in flight.
//
// # Layout
//
//	v-<version>/CURRENT
//	v-<version>/MANIFEST-000003.bin
//	v-<version>/segment-000001.seg
package index
