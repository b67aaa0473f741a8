// Package probe generalizes the lock-probe-validate-persist flow shared
// by the sync-checker and chain-checker (spec §4.4, §4.5: "identical
// structure"). It plays the role the teacher's internal/router event
// registry plays for log handlers — a single place that runs a pluggable
// per-node probe and a pluggable admission rule — adapted here to a
// request/response probe instead of a log-signature dispatch table.
package probe

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pokt-foundation/gateway/internal/cache"
	"github.com/pokt-foundation/gateway/pkg/appconfig"
	"github.com/pokt-foundation/gateway/pkg/models"
)

// Result is one node's probe outcome.
type Result struct {
	Node  models.SessionNode
	Value string // probe-specific parsed value (hex block height, chain ID, ...)
	Err   error
}

// Admit decides, from the set of successful probe results, which public
// keys are admitted. ok is false if the probe set should fail open
// (insufficient successes, or a consensus/outlier abandon) — in which
// case the caller returns the original, unfiltered node set.
type Admit func(results []Result) (admitted map[string]struct{}, ok bool)

// Keys names the cache keys and method label for one prober instance
// (sync vs. chain).
type Keys struct {
	DataKey      func(chainID, sessionFingerprint string) string
	LockKey      func(chainID, sessionFingerprint string) string
	MethodLabel  string // "synccheck" or "chaincheck"
	DataTTL      time.Duration
	LockTTL      time.Duration
	MinSuccesses int
}

// FailureRecorder records a probe failure metric tagged with the
// prober's method label. Only failed probes are reported; a successful
// probe produces no record, and a nil FailureRecorder (as the sync- and
// chain-checkers pass) reports nothing.
type FailureRecorder func(ctx context.Context, chainID string, node models.SessionNode, methodLabel string, err error)

// Prober runs the shared lock/probe/validate/admit/persist pipeline. The
// actual relay dispatch is supplied per call via ProbeFunc, which lets
// sync-checker and chain-checker each close over their own RelaySender
// and response-parsing logic while sharing this lock/fan-out/admit core.
type Prober struct {
	cache    *cache.Adapter
	keys     Keys
	recorder FailureRecorder
	logger   zerolog.Logger
}

// New builds a Prober.
func New(c *cache.Adapter, keys Keys, recorder FailureRecorder, logger zerolog.Logger) *Prober {
	return &Prober{cache: c, keys: keys, recorder: recorder, logger: logger}
}

// ProbeFunc issues one relay against node and parses its response into a
// probe value (spec §4.4 step 2: a hex-encoded block height; spec §4.5:
// a chain-ID string).
type ProbeFunc func(ctx context.Context, node models.SessionNode, cfg appconfig.PocketConfig, appPubKey string, aat *models.AAT) (string, error)

// Filter runs the full pipeline described in spec §4.4/§4.5 and returns
// the in-sync (or chain-matching) subset of nodes.
func (p *Prober) Filter(
	ctx context.Context,
	nodes models.NodeSet,
	chainID, sessionFingerprint, appID, appPubKey string,
	probeTimeout time.Duration,
	probeCfg appconfig.PocketConfig,
	aat *models.AAT,
	probe ProbeFunc,
	admit Admit,
) models.NodeSet {
	dataKey := p.keys.DataKey(chainID, sessionFingerprint)
	lockKey := p.keys.LockKey(chainID, sessionFingerprint)

	if cached, ok := p.cache.Get(ctx, dataKey); ok && cached != "" {
		keep := decodeKeySet(cached)
		if len(keep) > 0 {
			return nodes.Intersect(keep)
		}
	}

	if !p.cache.SetNX(ctx, lockKey, "1", p.keys.LockTTL) {
		// Another prober holds the lock: fail open (spec §4.4 step 1).
		p.logger.Debug().Str("chain", chainID).Str("session", sessionFingerprint).Msg("probe lock held elsewhere, returning unfiltered set")
		return nodes
	}

	results := p.probeAll(ctx, nodes, chainID, appID, appPubKey, probeTimeout, probeCfg, aat, probe)

	successes := successfulResults(results)
	if len(successes) < p.keys.MinSuccesses {
		p.logger.Error().
			Str("chain", chainID).
			Int("successes", len(successes)).
			Int("min", p.keys.MinSuccesses).
			Msg("insufficient probe successes, failing open")
		return nodes
	}

	admitted, ok := admit(successes)
	if !ok {
		p.logger.Warn().Str("chain", chainID).Msg("probe admission abandoned (consensus disagreement), failing open")
		return nodes
	}

	p.cache.Set(ctx, dataKey, encodeKeySet(admitted), p.keys.DataTTL)

	return nodes.Intersect(admitted)
}

func (p *Prober) probeAll(
	ctx context.Context,
	nodes models.NodeSet,
	chainID, appID, appPubKey string,
	probeTimeout time.Duration,
	probeCfg appconfig.PocketConfig,
	aat *models.AAT,
	probe ProbeFunc,
) []Result {
	results := make([]Result, len(nodes))
	var wg sync.WaitGroup

	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node models.SessionNode) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			value, err := probe(probeCtx, node, probeCfg, appPubKey, aat)
			results[i] = Result{Node: node, Value: value, Err: err}
			if err != nil && p.recorder != nil {
				p.recorder(ctx, chainID, node, p.keys.MethodLabel, err)
			}
		}(i, node)
	}

	wg.Wait()
	return results
}

func successfulResults(results []Result) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r)
		}
	}
	return out
}

func encodeKeySet(keys map[string]struct{}) string {
	out := ""
	for k := range keys {
		if out != "" {
			out += ","
		}
		out += k
	}
	return out
}

func decodeKeySet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out[s[start:i]] = struct{}{}
			}
			start = i + 1
		}
	}
	return out
}
