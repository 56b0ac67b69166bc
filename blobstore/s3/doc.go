// Package s3 stores pocketrag segments and manifests in Amazon S3.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket", s3.WithPrefix("pocketrag/"), s3.WithRegion("eu-central-1"))
//	eng, err := pocketrag.Open(ctx, pocketrag.Remote(store))
//
// Segment loads issue a single ranged GET per segment; writes go through the
// multipart upload manager so large compaction outputs stream.
package s3
