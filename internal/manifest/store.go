package manifest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/pocketrag/blobstore"
)

const (
	ManifestFilePrefix = "MANIFEST-"
	ManifestFileSuffix = ".bin"
	CurrentFileName    = "CURRENT"
)

// FileName returns the blob name of manifest id.
func FileName(id uint64) string {
	return fmt.Sprintf("%s%06d%s", ManifestFilePrefix, id, ManifestFileSuffix)
}

func parseFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, ManifestFilePrefix) || !strings.HasSuffix(name, ManifestFileSuffix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, ManifestFilePrefix), ManifestFileSuffix), 10, 64)
	return id, err == nil
}

// Store loads and commits manifests within one blob prefix.
type Store struct {
	store blobstore.BlobStore
	mu    sync.Mutex
}

// NewStore creates a manifest store over a (prefixed) blob store.
func NewStore(store blobstore.BlobStore) *Store {
	return &Store{store: store}
}

// Load returns the current manifest, or ErrNotFound if none was committed.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ptr, err := blobstore.ReadFile(ctx, s.store, CurrentFileName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	name := strings.TrimSpace(string(ptr))
	if _, ok := parseFileName(name); !ok {
		return nil, corrupt("CURRENT points to %q", name)
	}

	data, err := blobstore.ReadFile(ctx, s.store, name)
	if err != nil {
		return nil, fmt.Errorf("open manifest %s: %w", name, err)
	}
	return Unmarshal(data)
}

// Save commits m as the next manifest. It sets m.ID and m.CreatedAt.
func (s *Store) Save(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.ID++
	m.CreatedAt = time.Now()

	data, err := m.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	name := FileName(m.ID)
	if err := s.store.Put(ctx, name, data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := s.store.Put(ctx, CurrentFileName, []byte(name)); err != nil {
		return fmt.Errorf("update %s: %w", CurrentFileName, err)
	}

	return s.cleanup(ctx, m.ID)
}

// cleanup removes manifests older than current's predecessor.
func (s *Store) cleanup(ctx context.Context, current uint64) error {
	names, err := s.store.List(ctx, ManifestFilePrefix)
	if err != nil {
		return err
	}
	for _, name := range names {
		id, ok := parseFileName(name)
		if !ok || id+1 >= current {
			continue
		}
		if err := s.store.Delete(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
