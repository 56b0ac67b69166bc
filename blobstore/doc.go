// Package blobstore is the storage adapter behind the vector index.
//
// Segments and manifests are immutable blobs addressed by slash-separated
// names ("v-minilm/segment-000003.seg"). The index never touches the
// filesystem directly; everything goes through a BlobStore.
//
// # Built-in Implementations
//
//   - LocalStore: local directory, atomic rename on write, mmap reads
//   - MemoryStore: in-process map, for tests
//   - minio.Store / s3.Store: S3-compatible object storage
//
// Sub scopes a store to a prefix; the index uses one prefix per model version.
//
// Implementations must be safe for concurrent use.
package blobstore
