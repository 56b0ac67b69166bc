package index

import (
	"context"
	"strings"

	"github.com/hupe1980/pocketrag/blobstore"
)

const versionPrefix = "v-"

// Prefix returns the blob prefix holding the index of modelVersion.
func Prefix(modelVersion string) string {
	return versionPrefix + sanitize(modelVersion) + "/"
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		}
		return '_'
	}, s)
}

// ListVersions returns the blob prefixes of every stored model version.
func ListVersions(ctx context.Context, store blobstore.BlobStore) ([]string, error) {
	names, err := store.List(ctx, versionPrefix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, top := range blobstore.TopLevel(names) {
		out = append(out, top+"/")
	}
	return out, nil
}

// PruneVersions deletes every stored version except keep. Records are never
// compared across embedding spaces, so stale versions are dead weight.
func PruneVersions(ctx context.Context, store blobstore.BlobStore, keep string) ([]string, error) {
	prefixes, err := ListVersions(ctx, store)
	if err != nil {
		return nil, err
	}
	keepPrefix := Prefix(keep)
	var pruned []string
	for _, p := range prefixes {
		if p == keepPrefix {
			continue
		}
		if err := blobstore.DeletePrefix(ctx, store, p); err != nil {
			return pruned, err
		}
		pruned = append(pruned, p)
	}
	return pruned, nil
}
