package sso

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/ssobridge/pkg/observability"
)

func newTestRegistry(t *testing.T, opts ...RegistryOption) (*Registry, sqlmock.Sqlmock, *observability.Metrics) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := observability.NewLogger(observability.ErrorLevel, nil)
	storage := NewStorage(db, metrics)

	registry, err := NewRegistry(storage, "https://sp.example.com", logger, metrics, opts...)
	require.NoError(t, err)
	return registry, mock, metrics
}

func expectProviderQuery(mock sqlmock.Sqlmock, t *testing.T, config *ProviderConfig) {
	mock.ExpectQuery(`(?s)SELECT .+ FROM sso_providers\s+WHERE id = \$1`).
		WithArgs(config.ID).
		WillReturnRows(sqlmock.NewRows(providerRowColumns).AddRow(providerRow(t, config)...))
}

func cacheableConfig() *ProviderConfig {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &ProviderConfig{
		ID:           5,
		Name:         "corp-adfs",
		ProviderType: ProviderTypeSAML,
		Enabled:      true,
		UserDomains:  []string{"example.com"},
		SAMLConfig: &SAMLConfig{
			EntityID:    "https://idp.example.com",
			SSOURL:      "https://idp.example.com/sso",
			Certificate: testCertificate,
			PrivateKey:  "SECRET-KEY",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRegistryGetConfigCachesInLRU(t *testing.T) {
	registry, mock, metrics := newTestRegistry(t)
	config := cacheableConfig()

	// Only one storage round-trip expected for two gets.
	expectProviderQuery(mock, t, config)

	first, err := registry.GetConfig(context.Background(), 5)
	require.NoError(t, err)
	second, err := registry.GetConfig(context.Background(), 5)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ProviderCacheMissesTotal))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.ProviderCacheHitsTotal.WithLabelValues("lru")))
}

func TestRegistryRedisTierSharesConfigs(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	// First registry populates Redis from storage.
	writer, writerMock, _ := newTestRegistry(t, WithRedis(client))
	config := cacheableConfig()
	expectProviderQuery(writerMock, t, config)

	_, err := writer.GetConfig(context.Background(), 5)
	require.NoError(t, err)

	// Second registry has a cold LRU and no storage expectation; the
	// config must come from Redis, secrets intact.
	reader, _, readerMetrics := newTestRegistry(t, WithRedis(client))
	got, err := reader.GetConfig(context.Background(), 5)
	require.NoError(t, err)

	assert.Equal(t, config.Name, got.Name)
	assert.Equal(t, "SECRET-KEY", got.SAMLConfig.PrivateKey)
	assert.Equal(t, float64(1),
		testutil.ToFloat64(readerMetrics.ProviderCacheHitsTotal.WithLabelValues("redis")))
}

func TestRegistryInvalidateDropsAllTiers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	registry, mock, _ := newTestRegistry(t, WithRedis(client))
	config := cacheableConfig()
	expectProviderQuery(mock, t, config)

	_, err := registry.GetConfig(context.Background(), 5)
	require.NoError(t, err)
	require.True(t, mr.Exists(redisKey(5)))

	registry.Invalidate(context.Background(), 5)
	assert.False(t, mr.Exists(redisKey(5)))

	// Next get goes back to storage.
	expectProviderQuery(mock, t, config)
	_, err = registry.GetConfig(context.Background(), 5)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistryGetProviderMemoizesUntilUpdate(t *testing.T) {
	registry, mock, _ := newTestRegistry(t)
	config := cacheableConfig()
	config.SAMLConfig.PrivateKey = ""
	expectProviderQuery(mock, t, config)

	first, err := registry.GetProvider(context.Background(), 5)
	require.NoError(t, err)
	second, err := registry.GetProvider(context.Background(), 5)
	require.NoError(t, err)
	assert.Same(t, first, second, "unchanged config reuses the constructed provider")

	// A config update bumps UpdatedAt and forces reconstruction.
	registry.Invalidate(context.Background(), 5)
	updated := cacheableConfig()
	updated.SAMLConfig.PrivateKey = ""
	updated.UpdatedAt = updated.UpdatedAt.Add(time.Hour)
	expectProviderQuery(mock, t, updated)

	third, err := registry.GetProvider(context.Background(), 5)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}

func TestRegistryMatchByDomain(t *testing.T) {
	registry, mock, _ := newTestRegistry(t)
	config := cacheableConfig()

	mock.ExpectQuery(`(?s)SELECT .+ FROM sso_providers WHERE enabled = true ORDER BY id`).
		WillReturnRows(sqlmock.NewRows(providerRowColumns).AddRow(providerRow(t, config)...))

	got, err := registry.MatchByDomain(context.Background(), "EXAMPLE.COM")
	require.NoError(t, err)
	assert.Equal(t, 5, got.ID)

	mock.ExpectQuery(`(?s)SELECT .+ FROM sso_providers WHERE enabled = true ORDER BY id`).
		WillReturnRows(sqlmock.NewRows(providerRowColumns))

	_, err = registry.MatchByDomain(context.Background(), "elsewhere.net")
	assert.ErrorIs(t, err, ErrProviderNotFound)
}
