// Package openai provides an embedding backend for OpenAI-compatible
// embedding endpoints, including local servers that speak the same API.
//
// # Usage
//
//	reg := embedding.NewRegistry()
//	openai.Register(reg)
//	provider := embedding.NewProvider(embedding.WithRegistry(reg))
//	err := provider.Load(ctx, embedding.Variant{
//		Backend: openai.Backend,
//		Model:   "nomic-embed-text",
//		Params:  map[string]string{"base_url": "http://localhost:11434/v1"},
//	})
//
// Transport failures and server-side errors are reported as
// embedding.ErrModelUnavailable so a Provider with a fallback policy keeps
// working while the endpoint is down.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hupe1980/pocketrag/embedding"
)

// Backend is the registry name of this backend.
const Backend = "openai"

// DefaultModel is used when a variant names no model.
const DefaultModel = "text-embedding-3-small"

// Config configures a Model.
type Config struct {
	// APIKey defaults to the OPENAI_API_KEY environment variable. Local
	// servers usually accept any value.
	APIKey string
	// BaseURL overrides the API endpoint, e.g. "http://localhost:11434/v1".
	BaseURL string
	Model   string
	// Dim requests truncated embeddings from models that support it. Zero
	// keeps the model's native dimension, learned by a probe request.
	Dim     int
	Timeout time.Duration
}

// Model embeds text through the embeddings endpoint.
type Model struct {
	client *openai.Client
	model  string
	dim    int
	reqDim int
}

// New connects to the endpoint and determines the embedding dimension.
func New(ctx context.Context, cfg Config) (*Model, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	m := &Model{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
		dim:    cfg.Dim,
		reqDim: cfg.Dim,
	}

	if m.dim == 0 {
		vecs, err := m.create(ctx, []string{"dimension probe"})
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", cfg.Model, err)
		}
		m.dim = len(vecs[0])
	}
	return m, nil
}

// Register adds the backend to r. Variant params "base_url", "api_key" and
// "timeout" (a time.Duration string) map onto Config.
func Register(r *embedding.Registry) {
	r.Register(Backend, embedding.LoaderFunc(Load))
}

// Load creates a Model from a variant.
func Load(ctx context.Context, v embedding.Variant) (embedding.Model, error) {
	cfg := Config{
		APIKey:  v.Params["api_key"],
		BaseURL: v.Params["base_url"],
		Model:   v.Model,
		Dim:     v.Dim,
	}
	if s := v.Params["timeout"]; s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", s, err)
		}
		cfg.Timeout = d
	}
	return New(ctx, cfg)
}

// Embed implements embedding.Model.
func (m *Model) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := m.create(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embedding.BatchModel.
func (m *Model) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return m.create(ctx, texts)
}

// Dim implements embedding.Model.
func (m *Model) Dim() int { return m.dim }

// Version implements embedding.Model.
func (m *Model) Version() string {
	return fmt.Sprintf("openai-%s-d%d", m.model, m.dim)
}

// Close implements embedding.Model.
func (m *Model) Close() error { return nil }

func (m *Model) create(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := m.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model:      openai.EmbeddingModel(m.model),
		Input:      texts,
		Dimensions: m.reqDim,
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: %d embeddings for %d inputs", embedding.ErrInvalidEmbedding, len(resp.Data), len(texts))
	}

	data := slices.Clone(resp.Data)
	slices.SortFunc(data, func(a, b openai.Embedding) int { return a.Index - b.Index })

	out := make([][]float32, len(data))
	for i, d := range data {
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at index %d", embedding.ErrInvalidEmbedding, d.Index)
		}
		out[i] = slices.Clone(d.Embedding)
	}
	return out, nil
}

// classify marks errors the caller cannot fix by changing the request as
// embedding.ErrModelUnavailable.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status >= 500 || status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", embedding.ErrModelUnavailable, err)
	}

	var netErr net.Error
	var urlErr *url.Error
	if status == 0 && (errors.As(err, &netErr) || errors.As(err, &urlErr)) {
		return fmt.Errorf("%w: %w", embedding.ErrModelUnavailable, err)
	}
	return err
}
