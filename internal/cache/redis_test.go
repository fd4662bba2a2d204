package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/config"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

func newTestCache(t *testing.T, prefix string) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	db, err := Connect(context.Background(), config.RedisConnection{AddressRedis: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, prefix), mr
}

func sampleCredentials() models.ClientCredentials {
	return models.ClientCredentials{
		UUID:        "5f0c1a52-8d0e-4d7e-9c55-0c7b7a61e0a1",
		IdentityKey: "42-obhod",
		InboundID:   2,
		ExpiresAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Link:        "vless://5f0c1a52@vpn.example.com:443?type=tcp#42-obhod",
	}
}

func TestCache_SetGetCredentials(t *testing.T) {
	c, _ := newTestCache(t, "panel:")
	ctx := context.Background()
	want := sampleCredentials()

	require.NoError(t, c.Set(ctx, "client:2:42-obhod", want, time.Minute))

	var got models.ClientCredentials
	found, err := c.Get(ctx, "client:2:42-obhod", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want, got)
}

func TestCache_Get(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantFound bool
		wantErr   bool
	}{
		{name: "missing key"},
		{name: "broken json", raw: "{not-json", wantErr: true},
		{name: "valid json", raw: `{"uuid":"u1","inbound_id":3}`, wantFound: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mr := newTestCache(t, "panel:")
			if tt.raw != "" {
				require.NoError(t, mr.Set("panel:k", tt.raw))
			}

			var got models.ClientCredentials
			found, err := c.Get(context.Background(), "k", &got)
			if tt.wantErr {
				assert.Error(t, err)
				assert.False(t, found)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFound, found)
		})
	}
}

func TestCache_InvalidateAfterWrite(t *testing.T) {
	c, _ := newTestCache(t, "panel:")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "client", sampleCredentials(), time.Minute))
	require.NoError(t, c.Invalidate(ctx, "client"))
	require.NoError(t, c.Invalidate(ctx, "client"), "deleting a missing key is not an error")

	var got models.ClientCredentials
	found, err := c.Get(ctx, "client", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_TTL(t *testing.T) {
	c, mr := newTestCache(t, "")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", sampleCredentials(), 5*time.Minute))
	assert.Equal(t, 5*time.Minute, mr.TTL("short"))

	mr.FastForward(6 * time.Minute)

	var got models.ClientCredentials
	found, err := c.Get(ctx, "short", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_PrefixIsolation(t *testing.T) {
	panelCache, mr := newTestCache(t, "panel:")
	other := New(panelCache.Db, "other:")
	ctx := context.Background()

	require.NoError(t, panelCache.Set(ctx, "client", "a", time.Minute))
	assert.True(t, mr.Exists("panel:client"))
	assert.False(t, mr.Exists("client"))

	var out string
	found, err := other.Get(ctx, "client", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInitServer(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := InitServer(context.Background(), config.RedisConnection{AddressRedis: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Db.Close() })
	assert.Empty(t, c.prefix)

	_, err = InitServer(context.Background(), config.RedisConnection{
		AddressRedis: "127.0.0.1:1",
		DialTimeout:  200 * time.Millisecond,
	})
	assert.ErrorContains(t, err, "cache.InitServer")
}
