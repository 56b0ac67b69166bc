// Package minio stores pocketrag segments on MinIO or any S3-compatible
// server (Ceph, Garage, SeaweedFS) without pulling in the AWS SDK.
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds: credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	})
//	store := minioblob.NewStore(client, "rag", "device-42/")
//	eng, err := pocketrag.Open(ctx, pocketrag.Remote(store))
package minio
