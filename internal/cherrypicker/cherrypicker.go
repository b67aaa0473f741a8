// Package cherrypicker ranks the nodes in a session by rolling success
// rate and latency, and picks one via tiered weighted-random selection
// (spec §4.3).
package cherrypicker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/pokt-foundation/gateway/internal/cache"
	"github.com/pokt-foundation/gateway/pkg/models"
)

// ErrNoHealthyNodes is returned when the candidate set is empty after
// exclusions (spec §4.3 step 4).
var ErrNoHealthyNodes = errors.New("cherrypicker: no healthy nodes available")

// tier ordinals; lower is preferred. Tier A is tried first, then B, then C.
const (
	tierA = iota // successRate >= 0.95
	tierB        // 0.5 <= successRate < 0.95
	tierC        // successRate < 0.5, or unweighted (insufficient samples)
)

const (
	tierAThreshold   = 0.95
	tierBThreshold   = 0.5
	minLatencyMillis = 1.0 // the "max(avgLatency, 1ms)" floor from spec §4.3 step 3
	sentinelLatency  = 1 << 20
)

var (
	picksByTier = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cherrypicker_picks_total",
		Help: "Total nodes picked by cherry-picker, labeled by tier",
	}, []string{"tier"})

	noHealthyNodes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_cherrypicker_no_healthy_nodes_total",
		Help: "Total pick() calls that found zero candidate nodes",
	})
)

// CherryPicker picks the best-performing node for a relay.
type CherryPicker struct {
	cache      *cache.Adapter
	minSamples int
	logger     zerolog.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

// New constructs a CherryPicker. minSamples is the success+failure count
// below which a node is treated as unweighted/tier-C (spec §4.3 step 1:
// "success+failure >= 5").
func New(c *cache.Adapter, minSamples int, logger zerolog.Logger) *CherryPicker {
	return &CherryPicker{
		cache:      c,
		minSamples: minSamples,
		logger:     logger.With().Str("component", "cherrypicker").Logger(),
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type scoredNode struct {
	node        models.SessionNode
	tier        int
	avgLatency  float64
}

// Pick chooses a single node from candidates \ excluded, weighted by
// tier and inverse latency (spec §4.3).
func (cp *CherryPicker) Pick(ctx context.Context, chainID string, candidates models.NodeSet, excluded map[string]struct{}) (models.SessionNode, error) {
	pool := candidates.Without(excluded)
	if len(pool) == 0 {
		noHealthyNodes.Inc()
		return models.SessionNode{}, ErrNoHealthyNodes
	}

	scored := make([]scoredNode, 0, len(pool))
	for _, n := range pool {
		scored = append(scored, cp.score(ctx, chainID, n))
	}

	// Deterministic tie-breaking by sorted public key (spec §4.3 "Ties are
	// broken by sorted-publicKey order").
	sort.Slice(scored, func(i, j int) bool {
		return scored[i].node.PublicKey < scored[j].node.PublicKey
	})

	for tier := tierA; tier <= tierC; tier++ {
		tierNodes := filterTier(scored, tier)
		if len(tierNodes) == 0 {
			continue
		}
		picked := cp.weightedPick(tierNodes)
		picksByTier.WithLabelValues(tierLabel(tier)).Inc()
		return picked, nil
	}

	// Unreachable: every scored node falls into tier A, B or C.
	noHealthyNodes.Inc()
	return models.SessionNode{}, ErrNoHealthyNodes
}

func (cp *CherryPicker) score(ctx context.Context, chainID string, node models.SessionNode) scoredNode {
	entry, hasData := cp.readServiceLog(ctx, chainID, node.PublicKey)

	avgLatency := float64(sentinelLatency)
	if hasData {
		if ms, ok := entry.AvgLatencyMillis(); ok {
			avgLatency = ms
		}
	}

	tier := tierC
	if hasData && entry.Total() >= uint64(cp.minSamples) {
		if rate, ok := entry.SuccessRate(); ok {
			switch {
			case rate >= tierAThreshold:
				tier = tierA
			case rate >= tierBThreshold:
				tier = tierB
			default:
				tier = tierC
			}
		}
	}

	return scoredNode{node: node, tier: tier, avgLatency: float64(avgLatency)}
}

func (cp *CherryPicker) readServiceLog(ctx context.Context, chainID, pubKey string) (models.ServiceLogEntry, bool) {
	fields, ok := cp.cache.HGetAll(ctx, cache.ServiceLogKey(chainID, pubKey))
	if !ok || len(fields) == 0 {
		return models.ServiceLogEntry{}, false
	}

	return models.ServiceLogEntry{
		SuccessCount: parseUint(fields["success_count"]),
		FailureCount: parseUint(fields["failure_count"]),
		ElapsedSum:   parseFloat(fields["elapsed_sum"]),
		ElapsedCount: parseUint(fields["elapsed_count"]),
	}, true
}

func filterTier(scored []scoredNode, tier int) []scoredNode {
	out := make([]scoredNode, 0, len(scored))
	for _, s := range scored {
		if s.tier == tier {
			out = append(out, s)
		}
	}
	return out
}

// weightedPick draws from tierNodes weighted by 1/max(avgLatency, 1ms),
// normalized (spec §4.3 step 3).
func (cp *CherryPicker) weightedPick(tierNodes []scoredNode) models.SessionNode {
	if len(tierNodes) == 1 {
		return tierNodes[0].node
	}

	weights := make([]float64, len(tierNodes))
	var total float64
	for i, s := range tierNodes {
		w := 1.0 / math.Max(s.avgLatency, minLatencyMillis)
		weights[i] = w
		total += w
	}

	cp.mu.Lock()
	r := cp.rand.Float64() * total
	cp.mu.Unlock()

	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if r <= cumulative {
			return tierNodes[i].node
		}
	}
	// Floating point rounding can leave r fractionally past the last
	// cumulative boundary; fall back to the last candidate.
	return tierNodes[len(tierNodes)-1].node
}

func tierLabel(tier int) string {
	switch tier {
	case tierA:
		return "a"
	case tierB:
		return "b"
	default:
		return "c"
	}
}

func parseUint(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
