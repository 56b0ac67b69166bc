package embedding

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

var (
	// ErrModelNotLoaded is returned by Embed when no model was loaded and no
	// fallback policy is configured.
	ErrModelNotLoaded = errors.New("embedding model not loaded")
	// ErrModelUnavailable is returned by a Model whose backing resources are
	// gone (unreachable endpoint, missing asset). The Provider degrades to the
	// fallback embedder when one is configured.
	ErrModelUnavailable = errors.New("embedding model unavailable")
	// ErrUnknownBackend is returned when no Loader is registered for a variant.
	ErrUnknownBackend = errors.New("unknown embedding backend")
	// ErrInvalidEmbedding is returned for vectors of the wrong dimension or
	// with zero norm.
	ErrInvalidEmbedding = errors.New("invalid embedding")
)

// Model produces raw embedding vectors. Vectors need not be normalized;
// the Provider normalizes them.
type Model interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dim returns the vector dimension.
	Dim() int
	// Version tags the embedding space. Vectors of different versions are
	// never compared.
	Version() string
	Close() error
}

// BatchModel is a Model that embeds several texts in one call.
type BatchModel interface {
	Model
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Variant selects a model: the backend registered in a Registry plus
// backend-specific settings.
type Variant struct {
	// Backend is the Registry key, e.g. "hash" or "openai".
	Backend string `yaml:"backend"`
	// Model names the backend model, e.g. "nomic-embed-text".
	Model string `yaml:"model"`
	// Dim requests a vector dimension from backends that support it.
	Dim    int               `yaml:"dim"`
	Params map[string]string `yaml:"params"`
}

// String returns "backend:model".
func (v Variant) String() string {
	if v.Model == "" {
		return v.Backend
	}
	return v.Backend + ":" + v.Model
}

// Equal reports whether v and o select the same model.
func (v Variant) Equal(o Variant) bool {
	return v.key() == o.key()
}

func (v Variant) key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\x00%s\x00%d", v.Backend, v.Model, v.Dim)
	for _, k := range slices.Sorted(maps.Keys(v.Params)) {
		fmt.Fprintf(&b, "\x00%s=%s", k, v.Params[k])
	}
	return b.String()
}

// Embedding is a normalized vector and the space it belongs to.
type Embedding struct {
	Vector       []float32
	ModelVersion string
	// Fallback is set when the vector came from the fallback embedder.
	Fallback bool
}
