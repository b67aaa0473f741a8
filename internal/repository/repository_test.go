package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pokt-foundation/gateway/internal/cache"
	"github.com/pokt-foundation/gateway/pkg/models"
)

// newTestCache builds a cache.Adapter backed by an in-memory Redis, the
// same way internal/cache's own tests do. ApplicationRepository and
// LoadBalancerRepository only reach their *pgxpool.Pool on a cache miss,
// so these tests exercise the cache-aside hit path without a database.
func newTestCache(t *testing.T) *cache.Adapter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return cache.NewFromClient(client, zerolog.Nop())
}

func TestApplicationByIDReadsThroughCache(t *testing.T) {
	c := newTestCache(t)
	repo := NewApplicationRepository(nil, c, time.Minute, zerolog.Nop())
	ctx := context.Background()

	cached := cachedApplication{
		ID: "app1", PublicKey: "pub1",
		FreeTierAAT: &models.AAT{Version: "0.0.1", AppPubKey: "pub1"},
		Chains:      []string{"0001"},
	}
	encoded, err := json.Marshal(cached)
	require.NoError(t, err)
	c.Set(ctx, cache.AppKey("app1"), string(encoded), time.Minute)

	app, err := repo.ByID(ctx, "app1")
	require.NoError(t, err)
	require.Equal(t, "app1", app.ID)
	require.Equal(t, "pub1", app.PublicKey)
	require.Equal(t, []string{"0001"}, app.Chains)
	require.Equal(t, "pub1", app.FreeTierAAT.AppPubKey)
}

func TestApplicationByIDCorruptCacheFallsThroughToPool(t *testing.T) {
	c := newTestCache(t)
	repo := NewApplicationRepository(nil, c, time.Minute, zerolog.Nop())
	ctx := context.Background()

	c.Set(ctx, cache.AppKey("app1"), "not json", time.Minute)

	require.Panics(t, func() {
		// A nil pool means a cache-miss fallthrough hits pool.QueryRow on
		// a nil pointer; this documents that corrupt-cache recovery
		// requires a live pool in production and is intentionally not
		// exercised past the decode-failure branch here.
		_, _ = repo.ByID(ctx, "app1")
	})
}

func TestLoadBalancerByIDReadsThroughCache(t *testing.T) {
	c := newTestCache(t)
	repo := NewLoadBalancerRepository(nil, c, time.Minute, zerolog.Nop())
	ctx := context.Background()

	cached := cachedLoadBalancer{ID: "lb1", ApplicationIDs: []string{"app1", "app2"}}
	encoded, err := json.Marshal(cached)
	require.NoError(t, err)
	c.Set(ctx, cache.LBKey("lb1"), string(encoded), time.Minute)

	lb, err := repo.ByID(ctx, "lb1")
	require.NoError(t, err)
	require.Equal(t, "lb1", lb.ID)
	require.ElementsMatch(t, []string{"app1", "app2"}, lb.ApplicationIDs)
}

func TestBlockchainRepositoryLooksUpByIDAndAlias(t *testing.T) {
	repo := &BlockchainRepository{
		byID:    map[string]*models.Blockchain{},
		byAlias: map[string]*models.Blockchain{},
	}
	chain := &models.Blockchain{ID: "0001", Alias: "eth-mainnet"}
	repo.byID[chain.ID] = chain
	repo.byAlias[chain.Alias] = chain

	byID, ok := repo.ByID("0001")
	require.True(t, ok)
	require.Same(t, chain, byID)

	byAlias, ok := repo.ByAlias("eth-mainnet")
	require.True(t, ok)
	require.Same(t, chain, byAlias)

	_, ok = repo.ByID("missing")
	require.False(t, ok)
}
