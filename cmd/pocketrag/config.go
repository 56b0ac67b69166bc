package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/pocketrag"
	"github.com/hupe1980/pocketrag/assemble"
	miniostore "github.com/hupe1980/pocketrag/blobstore/minio"
	s3store "github.com/hupe1980/pocketrag/blobstore/s3"
	"github.com/hupe1980/pocketrag/distance"
	"github.com/hupe1980/pocketrag/embedding"
	"github.com/hupe1980/pocketrag/embedding/openai"
)

// DefaultConfigFile is read from the working directory when -config is not given.
const DefaultConfigFile = "pocketrag.yaml"

// Config is the YAML configuration of the CLI.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Index     IndexConfig     `yaml:"index"`
	Context   ContextConfig   `yaml:"context"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Log       LogConfig       `yaml:"log"`

	// RetainStaleVersions keeps indexes of previous models on switch.
	RetainStaleVersions bool `yaml:"retain_stale_versions"`
}

// StorageConfig selects where segments live.
type StorageConfig struct {
	// Type is one of "local", "s3", "minio" or "memory".
	Type string `yaml:"type"`
	Dir  string `yaml:"dir"`

	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`

	// Registry is the document registry file for remote storage.
	Registry string `yaml:"registry"`
}

// EmbeddingConfig selects the embedding model.
type EmbeddingConfig struct {
	embedding.Variant `yaml:",inline"`

	// FallbackDim enables the hash fallback with this dimension.
	FallbackDim int `yaml:"fallback_dim"`
	BatchSize   int `yaml:"batch_size"`
}

// ChunkingConfig controls how documents are split.
type ChunkingConfig struct {
	MaxSize int `yaml:"max_size"`
	Overlap int `yaml:"overlap"`
}

// IndexConfig tunes the segment index.
type IndexConfig struct {
	SegmentSize         int           `yaml:"segment_size"`
	MaxResidentSegments int           `yaml:"max_resident_segments"`
	MaxResidentBytes    int64         `yaml:"max_resident_bytes"`
	MemoryLimit         int64         `yaml:"memory_limit"`
	Compression         string        `yaml:"compression"`
	Metric              string        `yaml:"metric"`
	CompactionInterval  time.Duration `yaml:"compaction_interval"`
	CompactionThreshold float64       `yaml:"compaction_threshold"`
	CompactionIOLimit   int64         `yaml:"compaction_io_limit"`
}

// ContextConfig controls context assembly.
type ContextConfig struct {
	TokenBudget     int     `yaml:"token_budget"`
	Order           string  `yaml:"order"`
	MaxOverlapRatio float64 `yaml:"max_overlap_ratio"`
}

// IngestConfig selects files when a directory is ingested.
type IngestConfig struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
	// StreamThreshold is the file size above which files are streamed
	// instead of read into memory.
	StreamThreshold int64 `yaml:"stream_threshold"`
}

// LogConfig configures the engine logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{Type: "local", Dir: ".pocketrag"},
		Embedding: EmbeddingConfig{FallbackDim: 256},
		Ingest: IngestConfig{
			Include:         []string{"**/*.md", "**/*.txt", "**/*.pdf"},
			Exclude:         []string{"**/.git/**", "**/node_modules/**"},
			StreamThreshold: 8 << 20,
		},
		Log: LogConfig{Level: "warn", Format: "text"},
	}
}

// LoadConfig reads path over the defaults. A missing default file is not an
// error; a missing explicit file is. Environment variables in the file are
// expanded.
func LoadConfig(path string, explicit bool) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks enum-like fields.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "", "local", "memory":
	case "s3", "minio":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for %s", c.Storage.Type)
		}
		if c.Storage.Type == "minio" && c.Storage.Endpoint == "" {
			return errors.New("storage.endpoint is required for minio")
		}
	default:
		return fmt.Errorf("unknown storage.type %q", c.Storage.Type)
	}
	if _, err := pocketrag.ParseCompression(c.Index.Compression); err != nil {
		return err
	}
	if c.Index.Metric != "" {
		if _, err := distance.ParseMetric(c.Index.Metric); err != nil {
			return err
		}
	}
	if _, err := assemble.ParseOrder(c.Context.Order); err != nil {
		return err
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelWarn, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// Backend builds the storage backend.
func (c *Config) Backend(ctx context.Context) (pocketrag.Backend, error) {
	s := c.Storage
	switch s.Type {
	case "", "local":
		return pocketrag.Local(s.Dir), nil
	case "memory":
		return pocketrag.Memory(), nil
	case "s3":
		opts := []s3store.Option{s3store.WithPrefix(s.Prefix)}
		if s.Region != "" {
			opts = append(opts, s3store.WithRegion(s.Region))
		}
		store, err := s3store.New(ctx, s.Bucket, opts...)
		if err != nil {
			return nil, err
		}
		return pocketrag.Remote(store), nil
	case "minio":
		client, err := minio.New(s.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(s.AccessKey, s.SecretKey, ""),
			Secure: s.UseSSL,
			Region: s.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		return pocketrag.Remote(miniostore.NewStore(client, s.Bucket, s.Prefix)), nil
	}
	return nil, fmt.Errorf("unknown storage.type %q", s.Type)
}

// registryPath returns the document registry location for remote storage.
func (c *Config) registryPath() string {
	switch c.Storage.Type {
	case "s3", "minio":
		if c.Storage.Registry != "" {
			return c.Storage.Registry
		}
		return filepath.Join(c.Storage.Dir, pocketrag.RegistryFileName)
	}
	return ""
}

// Options maps the configuration onto engine options. The embedding variant
// is loaded at open unless loadModel is false.
func (c *Config) Options(loadModel bool) ([]pocketrag.Option, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	var logger *pocketrag.Logger
	if strings.EqualFold(c.Log.Format, "json") {
		logger = pocketrag.NewJSONLogger(level)
	} else {
		logger = pocketrag.NewTextLogger(level)
	}

	reg := embedding.NewRegistry()
	openai.Register(reg)

	opts := []pocketrag.Option{
		pocketrag.WithLogger(logger),
		pocketrag.WithEmbeddingRegistry(reg),
	}
	if loadModel {
		opts = append(opts, pocketrag.WithModel(c.Variant()))
	}
	if c.Embedding.FallbackDim > 0 {
		opts = append(opts, pocketrag.WithFallback(c.Embedding.FallbackDim))
	}
	if c.Embedding.BatchSize > 0 {
		opts = append(opts, pocketrag.WithEmbedBatchSize(c.Embedding.BatchSize))
	}
	if c.Chunking.MaxSize > 0 {
		opts = append(opts, pocketrag.WithChunking(c.Chunking.MaxSize, c.Chunking.Overlap))
	}

	ix := c.Index
	if ix.SegmentSize > 0 {
		opts = append(opts, pocketrag.WithSegmentSize(ix.SegmentSize))
	}
	if ix.MaxResidentSegments > 0 {
		opts = append(opts, pocketrag.WithMaxResidentSegments(ix.MaxResidentSegments))
	}
	if ix.MaxResidentBytes > 0 {
		opts = append(opts, pocketrag.WithMaxResidentBytes(ix.MaxResidentBytes))
	}
	if ix.MemoryLimit > 0 {
		opts = append(opts, pocketrag.WithMemoryLimit(ix.MemoryLimit))
	}
	if ix.CompactionIOLimit > 0 {
		opts = append(opts, pocketrag.WithCompactionIOLimit(ix.CompactionIOLimit))
	}
	if ix.CompactionInterval > 0 || ix.CompactionThreshold > 0 {
		opts = append(opts, pocketrag.WithCompaction(ix.CompactionInterval, ix.CompactionThreshold))
	}
	comp, err := pocketrag.ParseCompression(ix.Compression)
	if err != nil {
		return nil, err
	}
	opts = append(opts, pocketrag.WithCompression(comp))
	if ix.Metric != "" {
		m, err := distance.ParseMetric(ix.Metric)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pocketrag.WithMetric(m))
	}

	if c.Context.TokenBudget > 0 {
		opts = append(opts, pocketrag.WithTokenBudget(c.Context.TokenBudget))
	}
	order, err := assemble.ParseOrder(c.Context.Order)
	if err != nil {
		return nil, err
	}
	opts = append(opts, pocketrag.WithContextOrder(order))
	if c.Context.MaxOverlapRatio > 0 {
		opts = append(opts, pocketrag.WithMaxOverlapRatio(c.Context.MaxOverlapRatio))
	}

	if p := c.registryPath(); p != "" {
		opts = append(opts, pocketrag.WithRegistryPath(p))
	}
	if c.RetainStaleVersions {
		opts = append(opts, pocketrag.WithRetainStaleVersions())
	}
	return opts, nil
}

// Variant returns the configured model. Without a backend the hash model
// is used, sized like the fallback so both share one index.
func (c *Config) Variant() embedding.Variant {
	v := c.Embedding.Variant
	if v.Backend == "" {
		v.Backend = embedding.HashBackend
		if v.Dim <= 0 {
			v.Dim = c.Embedding.FallbackDim
		}
		if v.Dim <= 0 {
			v.Dim = embedding.DefaultHashDim
		}
	}
	return v
}

// OpenEngine opens the engine described by the configuration.
func (c *Config) OpenEngine(ctx context.Context, loadModel bool, extra ...pocketrag.Option) (*pocketrag.Engine, error) {
	backend, err := c.Backend(ctx)
	if err != nil {
		return nil, err
	}
	opts, err := c.Options(loadModel)
	if err != nil {
		return nil, err
	}
	return pocketrag.Open(ctx, backend, append(opts, extra...)...)
}
