// Package search ranks records of a vector index against a query vector.
//
// Search scans every live, filter-matching record of the segments yielded by
// a Source, scores it with the configured metric (cosine over normalized
// vectors by default) and keeps the best K in a bounded min-heap, so a scan
// over n records costs O(n log K) time and O(K) memory.
//
// Records embedded by a different model version are never scored; they are
// counted in Diagnostics instead. Segments the Source cannot load are skipped
// and the result is marked Partial.
package search
