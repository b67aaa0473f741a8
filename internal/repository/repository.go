// Package repository loads applications, load balancers and blockchains
// from Postgres, cache-aside through internal/cache (spec §4.1, §4.2).
// It is adapted from the teacher's pkg/config loader — a flat
// JSON-file-backed lookup — generalized into a cached, database-backed
// lookup the way the teacher's cmd/consumer talks to Postgres via
// pgxpool.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/pokt-foundation/gateway/internal/cache"
	"github.com/pokt-foundation/gateway/pkg/models"
)

// ErrNotFound is returned when a lookup key has no matching row.
var ErrNotFound = fmt.Errorf("repository: not found")

// ApplicationRepository resolves applications by ID, cached for
// appconfig.AppCacheTTL (spec §4.2 "Application resolution").
type ApplicationRepository struct {
	pool   *pgxpool.Pool
	cache  *cache.Adapter
	ttl    time.Duration
	logger zerolog.Logger
}

// NewApplicationRepository builds an ApplicationRepository.
func NewApplicationRepository(pool *pgxpool.Pool, c *cache.Adapter, ttl time.Duration, logger zerolog.Logger) *ApplicationRepository {
	return &ApplicationRepository{pool: pool, cache: c, ttl: ttl, logger: logger.With().Str("component", "apprepo").Logger()}
}

type cachedApplication struct {
	ID          string                     `json:"id"`
	PublicKey   string                     `json:"public_key"`
	FreeTierAAT *models.AAT                `json:"free_tier_aat"`
	GatewayAAT  *models.AAT                `json:"gateway_aat"`
	Chains      []string                   `json:"chains"`
	Settings    models.ApplicationSettings `json:"settings"`
}

// ByID returns the application identified by id, reading through the
// cache first (spec §4.1 "cache-aside").
func (r *ApplicationRepository) ByID(ctx context.Context, id string) (*models.Application, error) {
	key := cache.AppKey(id)

	if raw, ok := r.cache.Get(ctx, key); ok && raw != "" {
		var cached cachedApplication
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			return toApplication(cached), nil
		}
		r.logger.Warn().Str("app_id", id).Msg("corrupt application cache entry, falling through to database")
	}

	row := r.pool.QueryRow(ctx, `
		SELECT id, public_key, free_tier_aat, gateway_aat, chains, settings
		FROM applications WHERE id = $1`, id)

	var cached cachedApplication
	var freeTierRaw, gatewayRaw, settingsRaw []byte
	if err := row.Scan(&cached.ID, &cached.PublicKey, &freeTierRaw, &gatewayRaw, &cached.Chains, &settingsRaw); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("apprepo: query: %w", err)
	}
	if err := unmarshalOptional(freeTierRaw, &cached.FreeTierAAT); err != nil {
		return nil, fmt.Errorf("apprepo: decode free tier aat: %w", err)
	}
	if err := unmarshalOptional(gatewayRaw, &cached.GatewayAAT); err != nil {
		return nil, fmt.Errorf("apprepo: decode gateway aat: %w", err)
	}
	if len(settingsRaw) > 0 {
		if err := json.Unmarshal(settingsRaw, &cached.Settings); err != nil {
			return nil, fmt.Errorf("apprepo: decode settings: %w", err)
		}
	}

	if encoded, err := json.Marshal(cached); err == nil {
		r.cache.Set(ctx, key, string(encoded), r.ttl)
	}

	return toApplication(cached), nil
}

func toApplication(c cachedApplication) *models.Application {
	return &models.Application{
		ID:          c.ID,
		PublicKey:   c.PublicKey,
		FreeTierAAT: c.FreeTierAAT,
		GatewayAAT:  c.GatewayAAT,
		Chains:      c.Chains,
		Settings:    c.Settings,
	}
}

func unmarshalOptional(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// LoadBalancerRepository resolves load balancers by ID, cached for
// appconfig.LBCacheTTL (spec §4.2 "Load balancer resolution").
type LoadBalancerRepository struct {
	pool   *pgxpool.Pool
	cache  *cache.Adapter
	ttl    time.Duration
	logger zerolog.Logger
}

// NewLoadBalancerRepository builds a LoadBalancerRepository.
func NewLoadBalancerRepository(pool *pgxpool.Pool, c *cache.Adapter, ttl time.Duration, logger zerolog.Logger) *LoadBalancerRepository {
	return &LoadBalancerRepository{pool: pool, cache: c, ttl: ttl, logger: logger.With().Str("component", "lbrepo").Logger()}
}

type cachedLoadBalancer struct {
	ID             string   `json:"id"`
	ApplicationIDs []string `json:"application_ids"`
}

// ByID returns the load balancer identified by id.
func (r *LoadBalancerRepository) ByID(ctx context.Context, id string) (*models.LoadBalancer, error) {
	key := cache.LBKey(id)

	if raw, ok := r.cache.Get(ctx, key); ok && raw != "" {
		var cached cachedLoadBalancer
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			return &models.LoadBalancer{ID: cached.ID, ApplicationIDs: cached.ApplicationIDs}, nil
		}
		r.logger.Warn().Str("lb_id", id).Msg("corrupt load balancer cache entry, falling through to database")
	}

	row := r.pool.QueryRow(ctx, `SELECT id, application_ids FROM load_balancers WHERE id = $1`, id)

	var cached cachedLoadBalancer
	if err := row.Scan(&cached.ID, &cached.ApplicationIDs); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lbrepo: query: %w", err)
	}

	if encoded, err := json.Marshal(cached); err == nil {
		r.cache.Set(ctx, key, string(encoded), r.ttl)
	}

	return &models.LoadBalancer{ID: cached.ID, ApplicationIDs: cached.ApplicationIDs}, nil
}

// BlockchainRepository holds the full blockchain descriptor table,
// loaded once at startup and indexed by ID and alias (spec §3: "loaded
// once at startup").
type BlockchainRepository struct {
	byID    map[string]*models.Blockchain
	byAlias map[string]*models.Blockchain
}

// LoadBlockchains reads every row from the blockchains table and builds
// an in-memory index.
func LoadBlockchains(ctx context.Context, pool *pgxpool.Pool) (*BlockchainRepository, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, ticker, network_id, alias, sync_check_payload, sync_allowance,
		       chain_id_check_payload, log_limit, alt_runtime_url
		FROM blockchains`)
	if err != nil {
		return nil, fmt.Errorf("blockchainrepo: query: %w", err)
	}
	defer rows.Close()

	repo := &BlockchainRepository{byID: map[string]*models.Blockchain{}, byAlias: map[string]*models.Blockchain{}}
	for rows.Next() {
		var b models.Blockchain
		if err := rows.Scan(&b.ID, &b.Ticker, &b.NetworkID, &b.Alias, &b.SyncCheckPayload, &b.SyncAllowance,
			&b.ChainIDCheckPayload, &b.LogLimit, &b.AltRuntimeURL); err != nil {
			return nil, fmt.Errorf("blockchainrepo: scan: %w", err)
		}
		cp := b
		repo.byID[cp.ID] = &cp
		if cp.Alias != "" {
			repo.byAlias[cp.Alias] = &cp
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("blockchainrepo: rows: %w", err)
	}
	return repo, nil
}

// ByID looks up a blockchain by its canonical ID.
func (r *BlockchainRepository) ByID(id string) (*models.Blockchain, bool) {
	b, ok := r.byID[id]
	return b, ok
}

// ByAlias looks up a blockchain by its HTTP path alias.
func (r *BlockchainRepository) ByAlias(alias string) (*models.Blockchain, bool) {
	b, ok := r.byAlias[alias]
	return b, ok
}
