// Package manifest persists the per-model-version index manifest.
//
// The manifest lists every segment with its record count, tombstones and
// per-document row postings, so an index can open, answer deletes and plan
// compaction without reading any segment body.
//
// # Atomic Commit
//
// Save writes a new immutable MANIFEST-NNNNNN.bin and then swaps the CURRENT
// pointer to it. A crash between the two steps leaves the previous manifest
// current. Older manifest files are removed after the pointer swap, keeping
// the immediate predecessor.
//
// # Copy-on-Write
//
// Readers hold *Manifest snapshots without locks. Writers Clone the manifest
// and replace (never mutate) the bitmaps of the segments they touch.
package manifest
