// Package model defines the plain data types shared across pocketrag.
//
// # Identity Types
//
//   - Record.ID: stable unique key of an embedded chunk ("<doc>#<chunk>")
//   - SegmentID: identifier of an immutable segment within one model version
//   - RowID: segment-local row position
//
// # Data Types
//
//   - Record: an embedded chunk with its retained text and provenance
//   - Filter: optional scoping for queries (category, source documents)
//   - Hit: one scored search result
//
// Types in this package carry no persistence concerns; encoding lives in
// internal/segment and internal/manifest.
package model
