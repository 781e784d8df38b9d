package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"streamchat/internal/config"
	"streamchat/internal/domain"
)

// ProviderConstructor creates a provider from a config entry.
type ProviderConstructor func(name string, pc config.ProviderConfig, client *http.Client, logger *slog.Logger) (domain.Provider, error)

// Factory creates and caches LLM providers from config.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	client       *http.Client
	constructors map[string]ProviderConstructor
	cache        map[string]domain.Provider
	mu           sync.RWMutex
}

// NewFactory creates a provider factory with the built-in constructors registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		client:       SharedHTTPClient(0),
		constructors: make(map[string]ProviderConstructor),
		cache:        make(map[string]domain.Provider),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a constructor for a provider kind.
func (f *Factory) RegisterConstructor(kind string, ctor ProviderConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
}

// registerDefaults registers all built-in provider constructors.
func (f *Factory) registerDefaults() {
	f.constructors["echo"] = func(name string, pc config.ProviderConfig, _ *http.Client, _ *slog.Logger) (domain.Provider, error) {
		return NewEcho(name, 0), nil
	}
	f.constructors["ollama"] = func(name string, pc config.ProviderConfig, client *http.Client, logger *slog.Logger) (domain.Provider, error) {
		return NewOllama(OllamaConfig{Name: name, APIBase: pc.APIBase, DefaultModel: pc.DefaultModel, Client: client, Logger: logger}), nil
	}
	f.constructors["openai"] = func(name string, pc config.ProviderConfig, client *http.Client, logger *slog.Logger) (domain.Provider, error) {
		return NewOpenAI(OpenAIConfig{Name: name, APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Client: client, Logger: logger}), nil
	}
	f.constructors["langchain"] = func(name string, pc config.ProviderConfig, client *http.Client, logger *slog.Logger) (domain.Provider, error) {
		return NewLangChain(LangChainConfig{Name: name, APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Client: client, Logger: logger})
	}
}

// Get returns the provider with the given name, or the default if name is empty.
// Created providers are cached so the same instance is reused across calls.
// Uses double-check locking to avoid TOCTOU races.
func (f *Factory) Get(name string) (domain.Provider, error) {
	if name == "" {
		name = f.cfg.DefaultProvider
	}

	// Fast path: read lock.
	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	// Slow path: write lock with double-check.
	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}
	ctor, found := f.constructors[pc.Kind]
	if !found {
		return nil, fmt.Errorf("provider %s: no constructor registered for kind %q", name, pc.Kind)
	}
	p, err := ctor(name, pc, f.client, f.logger)
	if err != nil {
		return nil, err
	}
	if pc.RateLimitPerMin > 0 {
		if sp, ok := p.(domain.StreamingProvider); ok {
			p = NewThrottled(sp, pc.RateLimitPerMin)
		}
	}

	f.cache[name] = p
	return p, nil
}

// Streaming resolves name (or the configured chain when name is empty) to a
// streaming provider. With a failover chain configured, the default
// provider is the chain.
func (f *Factory) Streaming(name string) (domain.StreamingProvider, error) {
	if name == "" && len(f.cfg.FailoverChain) > 0 {
		var chain []domain.Provider
		for _, n := range f.cfg.FailoverChain {
			p, err := f.Get(n)
			if err != nil {
				f.logger.Warn("failover chain: skipping provider", "provider", n, "err", err)
				continue
			}
			chain = append(chain, p)
		}
		if len(chain) == 0 {
			return nil, fmt.Errorf("no usable provider in failover chain")
		}
		return NewFailoverProvider(chain, f.logger), nil
	}

	p, err := f.Get(name)
	if err != nil {
		return nil, err
	}
	if sp, ok := p.(domain.StreamingProvider); ok {
		return sp, nil
	}
	return NewFailoverProvider([]domain.Provider{p}, f.logger), nil
}

// Check runs a health check on every enabled provider.
func (f *Factory) Check(ctx context.Context) map[string]error {
	out := make(map[string]error)
	for name, pc := range f.cfg.Providers {
		if !pc.Enabled {
			continue
		}
		p, err := f.Get(name)
		if err == nil {
			err = p.Healthy(ctx)
		}
		out[name] = err
	}
	return out
}
