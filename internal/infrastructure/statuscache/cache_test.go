package statuscache_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/carrelay/internal/infrastructure/config"
	"github.com/nerrad567/carrelay/internal/infrastructure/statuscache"
)

func testConfig() config.RedisConfig {
	return config.RedisConfig{
		Enabled:   true,
		URL:       "redis://localhost:6379/15",
		KeyPrefix: "carrelay-test:",
		StatusTTL: time.Minute,
	}
}

func connectOrSkip(t *testing.T) *statuscache.Cache {
	t.Helper()
	cache, err := statuscache.Connect(testConfig())
	if err != nil {
		t.Skip("Redis not available:", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestConnectDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	_, err := statuscache.Connect(cfg)
	assert.ErrorIs(t, err, statuscache.ErrDisabled)
}

func TestConnectInvalidURL(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "invalid://url"
	_, err := statuscache.Connect(cfg)
	assert.Error(t, err)
}

func TestConnectUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "redis://localhost:9999"
	_, err := statuscache.Connect(cfg)
	assert.Error(t, err)
}

func TestCloseNil(t *testing.T) {
	var cache *statuscache.Cache
	assert.NoError(t, cache.Close())
}

func TestPutGet(t *testing.T) {
	cache := connectOrSkip(t)
	ctx := context.Background()
	t.Cleanup(func() { _ = cache.Delete(ctx, 4242) })

	at := time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC)
	require.NoError(t, cache.Put(ctx, 4242, json.RawMessage(`{"battery":87}`), at))

	e, err := cache.Get(ctx, 4242)
	require.NoError(t, err)
	assert.Equal(t, int64(4242), e.DeviceID)
	assert.JSONEq(t, `{"battery":87}`, string(e.Status))
	assert.True(t, e.ReportedAt.Equal(at))
}

func TestGetMissing(t *testing.T) {
	cache := connectOrSkip(t)
	_, err := cache.Get(context.Background(), 987654)
	assert.True(t, errors.Is(err, statuscache.ErrNotFound))
}

func TestReporting(t *testing.T) {
	cache := connectOrSkip(t)
	ctx := context.Background()
	t.Cleanup(func() {
		_ = cache.Delete(ctx, 5001)
		_ = cache.Delete(ctx, 5002)
	})

	now := time.Now()
	require.NoError(t, cache.Put(ctx, 5001, json.RawMessage(`{}`), now.Add(-10*time.Second)))
	require.NoError(t, cache.Put(ctx, 5002, json.RawMessage(`{}`), now))

	ids, err := cache.Reporting(ctx, now.Add(-5*time.Second))
	require.NoError(t, err)
	assert.Contains(t, ids, int64(5002))
	assert.NotContains(t, ids, int64(5001))
}
