package registry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/railzwaylabs/dirsync/internal/adapter/connector/memory"
	"github.com/railzwaylabs/dirsync/internal/adapter/connector/rest"
	"github.com/railzwaylabs/dirsync/internal/adapter/connector/sqltarget"
	"github.com/railzwaylabs/dirsync/internal/cryptoutils"
	"github.com/railzwaylabs/dirsync/internal/domain/connector"
)

// File is the connectors YAML document.
type File struct {
	Connectors []Spec `yaml:"connectors" validate:"dive"`
}

// Spec declares one connector.
type Spec struct {
	ID          string        `yaml:"id" validate:"required"`
	Concurrency int           `yaml:"concurrency" validate:"gte=0"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	Source      Endpoint      `yaml:"source"`
	Target      Endpoint      `yaml:"target"`
}

// Endpoint declares how to reach one side of a connector.
type Endpoint struct {
	Kind           string `yaml:"kind" validate:"required,oneof=memory rest sql"`
	BaseURL        string `yaml:"base_url" validate:"required_if=Kind rest"`
	APIKeyEnv      string `yaml:"api_key_env"`
	APIKeySealed   string `yaml:"api_key_sealed"`
	RateLimit      int    `yaml:"rate_limit" validate:"gte=0"`
	RateBurst      int    `yaml:"rate_burst" validate:"gte=0"`
	CircuitBreaker *bool  `yaml:"circuit_breaker"`
	DSNEnv         string `yaml:"dsn_env" validate:"required_if=Kind sql"`
	Table          string `yaml:"table"`
}

// Options control how endpoints are opened.
type Options struct {
	DefaultConcurrency int
	// SecretKey opens api_key_sealed values. Base64 of 32 bytes.
	SecretKey          string
}

// Registry is an immutable set of connectors.
type Registry struct {
	byID    map[string]*connector.Connector
	closers []func()
}

// New builds a registry over already constructed connectors.
func New(conns ...*connector.Connector) *Registry {
	r := &Registry{byID: make(map[string]*connector.Connector, len(conns))}
	for _, c := range conns {
		r.byID[c.ID] = c
	}
	return r
}

func (r *Registry) Get(id string) (*connector.Connector, bool) {
	c, ok := r.byID[id]
	return c, ok
}

func (r *Registry) List() []*connector.Connector {
	out := make([]*connector.Connector, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close releases connection pools held by SQL endpoints.
func (r *Registry) Close() {
	for _, c := range r.closers {
		c()
	}
}

// Parse decodes and validates a connectors document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode connectors: %w", err)
	}
	if err := validator.New().Struct(&f); err != nil {
		return nil, fmt.Errorf("validate connectors: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Connectors))
	for _, s := range f.Connectors {
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("validate connectors: duplicate id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return &f, nil
}

// Load reads path and opens every endpoint it declares.
func Load(ctx context.Context, path string, opts Options, logger *zap.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connectors file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Build(ctx, f, opts, logger)
}

// Build opens the endpoints of f.
func Build(ctx context.Context, f *File, opts Options, logger *zap.Logger) (*Registry, error) {
	box, err := cryptoutils.NewBox(opts.SecretKey)
	if err != nil {
		return nil, err
	}

	r := New()
	for _, s := range f.Connectors {
		source, err := r.open(ctx, box, s.ID+".source", s.Source)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("connector %s source: %w", s.ID, err)
		}
		target, err := r.open(ctx, box, s.ID+".target", s.Target)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("connector %s target: %w", s.ID, err)
		}

		concurrency := s.Concurrency
		if concurrency == 0 {
			concurrency = opts.DefaultConcurrency
		}
		r.byID[s.ID] = &connector.Connector{
			ID:          s.ID,
			Concurrency: concurrency,
			CallTimeout: s.CallTimeout,
			Source:      source,
			Target:      target,
		}
		logger.Info("connector_registered",
			zap.String("connector_id", s.ID),
			zap.String("source", s.Source.Kind),
			zap.String("target", s.Target.Kind),
			zap.Int("concurrency", concurrency),
		)
	}
	return r, nil
}

func (r *Registry) open(ctx context.Context, box *cryptoutils.Box, name string, e Endpoint) (connector.Directory, error) {
	switch strings.ToLower(e.Kind) {
	case "memory":
		return memory.NewDirectory(), nil
	case "rest":
		cfg := rest.DefaultConfig(strings.TrimRight(e.BaseURL, "/"))
		switch {
		case e.APIKeySealed != "":
			key, err := box.Open(e.APIKeySealed)
			if err != nil {
				return nil, fmt.Errorf("api key: %w", err)
			}
			cfg.APIKey = key
		case e.APIKeyEnv != "":
			cfg.APIKey = os.Getenv(e.APIKeyEnv)
		}
		if e.RateLimit > 0 {
			cfg.RateLimit = e.RateLimit
		}
		if e.RateBurst > 0 {
			cfg.RateBurst = e.RateBurst
		}
		if e.CircuitBreaker != nil {
			cfg.CircuitBreakerEnabled = *e.CircuitBreaker
		}
		return rest.New(name, cfg), nil
	case "sql":
		dsn := os.Getenv(e.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("environment variable %s is empty", e.DSNEnv)
		}
		dir, err := sqltarget.Open(ctx, dsn, e.Table)
		if err != nil {
			return nil, err
		}
		if err := dir.EnsureSchema(ctx); err != nil {
			dir.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		r.closers = append(r.closers, dir.Close)
		return dir, nil
	default:
		return nil, fmt.Errorf("unknown endpoint kind %q", e.Kind)
	}
}
