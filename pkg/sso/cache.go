package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meridianlabs/ssobridge/pkg/observability"
)

const (
	configCacheSize   = 256
	providerCacheSize = 64
	defaultConfigTTL  = 5 * time.Minute
)

type cachedConfig struct {
	config   *ProviderConfig
	loadedAt time.Time
}

type cachedProvider struct {
	provider  Provider
	updatedAt time.Time
}

// Registry serves provider configurations and constructed providers
// with an in-process LRU in front of storage, plus an optional Redis
// tier shared across replicas. Constructed providers are memoized
// separately because OIDC construction runs issuer discovery over the
// network.
type Registry struct {
	storage *Storage
	redis   *redis.Client
	logger  *observability.Logger
	metrics *observability.Metrics
	ttl     time.Duration
	baseURL string

	configs   *lru.Cache[int, cachedConfig]
	providers *lru.Cache[int, cachedProvider]
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithRedis adds a shared Redis cache tier.
func WithRedis(client *redis.Client) RegistryOption {
	return func(r *Registry) { r.redis = client }
}

// WithConfigTTL overrides how long cached configs are trusted.
func WithConfigTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) { r.ttl = ttl }
}

// NewRegistry creates a provider registry backed by storage.
func NewRegistry(storage *Storage, baseURL string, logger *observability.Logger, metrics *observability.Metrics, opts ...RegistryOption) (*Registry, error) {
	configs, err := lru.New[int, cachedConfig](configCacheSize)
	if err != nil {
		return nil, err
	}
	providers, err := lru.New[int, cachedProvider](providerCacheSize)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		storage:   storage,
		logger:    logger,
		metrics:   metrics,
		ttl:       defaultConfigTTL,
		baseURL:   baseURL,
		configs:   configs,
		providers: providers,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// GetConfig returns a provider configuration, consulting the LRU, then
// Redis, then storage. Redis failures degrade to storage reads.
func (r *Registry) GetConfig(ctx context.Context, id int) (*ProviderConfig, error) {
	if entry, ok := r.configs.Get(id); ok && time.Since(entry.loadedAt) < r.ttl {
		r.metrics.ProviderCacheHitsTotal.WithLabelValues("lru").Inc()
		return entry.config, nil
	}

	if config := r.getFromRedis(ctx, id); config != nil {
		r.metrics.ProviderCacheHitsTotal.WithLabelValues("redis").Inc()
		r.configs.Add(id, cachedConfig{config: config, loadedAt: time.Now()})
		return config, nil
	}

	r.metrics.ProviderCacheMissesTotal.Inc()
	config, err := r.storage.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.configs.Add(id, cachedConfig{config: config, loadedAt: time.Now()})
	r.setInRedis(ctx, config)
	return config, nil
}

// GetProvider returns a constructed Provider for the id, reusing the
// memoized instance while the stored config is unchanged.
func (r *Registry) GetProvider(ctx context.Context, id int) (Provider, error) {
	config, err := r.GetConfig(ctx, id)
	if err != nil {
		return nil, err
	}

	if entry, ok := r.providers.Get(id); ok && entry.updatedAt.Equal(config.UpdatedAt) {
		return entry.provider, nil
	}

	provider, err := NewProvider(ctx, config, r.baseURL)
	if err != nil {
		return nil, err
	}

	r.providers.Add(id, cachedProvider{provider: provider, updatedAt: config.UpdatedAt})
	return provider, nil
}

// ListEnabled returns enabled provider configurations straight from
// storage. Listing happens on login-form renders, not per request, so
// it skips the cache and never serves a stale enablement flip.
func (r *Registry) ListEnabled(ctx context.Context) ([]*ProviderConfig, error) {
	return r.storage.List(ctx, true)
}

// MatchByDomain finds the enabled provider owning an email domain.
func (r *Registry) MatchByDomain(ctx context.Context, domain string) (*ProviderConfig, error) {
	providers, err := r.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range providers {
		if p.MatchesDomain(domain) {
			return p, nil
		}
	}
	return nil, ErrProviderNotFound
}

// Invalidate drops every cached form of a provider. Call after any
// configuration write.
func (r *Registry) Invalidate(ctx context.Context, id int) {
	r.configs.Remove(id)
	r.providers.Remove(id)
	if r.redis != nil {
		if err := r.redis.Del(ctx, redisKey(id)).Err(); err != nil {
			r.logger.WithError(err).WithField("provider_id", id).
				Warn("failed to invalidate provider in redis")
		}
	}
}

func redisKey(id int) string {
	return fmt.Sprintf("ssobridge:provider:%d", id)
}

func (r *Registry) getFromRedis(ctx context.Context, id int) *ProviderConfig {
	if r.redis == nil {
		return nil
	}

	data, err := r.redis.Get(ctx, redisKey(id)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		r.logger.WithError(err).WithField("provider_id", id).
			Warn("redis get failed, falling back to storage")
		return nil
	}

	var stored struct {
		Config     *ProviderConfig `json:"config"`
		SAMLKey    string          `json:"saml_key,omitempty"`
		OIDCSecret string          `json:"oidc_secret,omitempty"`
	}
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		r.redis.Del(ctx, redisKey(id))
		return nil
	}
	if stored.Config == nil {
		return nil
	}
	if stored.Config.SAMLConfig != nil {
		stored.Config.SAMLConfig.PrivateKey = stored.SAMLKey
	}
	if stored.Config.OIDCConfig != nil {
		stored.Config.OIDCConfig.ClientSecret = stored.OIDCSecret
	}
	return stored.Config
}

func (r *Registry) setInRedis(ctx context.Context, config *ProviderConfig) {
	if r.redis == nil {
		return
	}

	// Secret fields carry json:"-" tags, so they travel alongside the
	// config instead of inside it.
	stored := struct {
		Config     *ProviderConfig `json:"config"`
		SAMLKey    string          `json:"saml_key,omitempty"`
		OIDCSecret string          `json:"oidc_secret,omitempty"`
	}{Config: config}
	if config.SAMLConfig != nil {
		stored.SAMLKey = config.SAMLConfig.PrivateKey
	}
	if config.OIDCConfig != nil {
		stored.OIDCSecret = config.OIDCConfig.ClientSecret
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, redisKey(config.ID), data, r.ttl).Err(); err != nil {
		r.logger.WithError(err).WithField("provider_id", config.ID).
			Warn("redis set failed")
	}
}
