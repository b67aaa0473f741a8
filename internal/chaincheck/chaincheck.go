// Package chaincheck implements the Chain-Checker: it filters a
// session's node set down to nodes that actually serve the requested
// chain ID, guarding against misconfigured or relayed-to-wrong-network
// nodes (spec §4.5).
package chaincheck

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/pokt-foundation/gateway/internal/cache"
	"github.com/pokt-foundation/gateway/internal/probe"
	"github.com/pokt-foundation/gateway/internal/relaysender"
	"github.com/pokt-foundation/gateway/internal/tuner"
	"github.com/pokt-foundation/gateway/pkg/appconfig"
	"github.com/pokt-foundation/gateway/pkg/models"
)

// chainIDMethod is the relay method used to read a node's serving chain
// ID (spec §4.5 step 2).
const chainIDMethod = "eth_chainId"

// Checker is the Chain-Checker. It shares its lock/fan-out/admit core
// with the Sync-Checker via internal/probe (spec §4.5: "identical
// structure to the Sync-Checker, substituting the admission rule").
type Checker struct {
	prober   *probe.Prober
	sender   relaysender.RelaySender
	probeCfg appconfig.PocketConfig
	logger   zerolog.Logger
}

// Config holds the parameters a Checker needs beyond its collaborators.
type Config struct {
	ProbeTimeout   time.Duration
	ProbeLockTTL   time.Duration
	CheckedTTL     time.Duration
	MinSuccesses   int
}

// New constructs a chain-checker.
func New(c *cache.Adapter, sender relaysender.RelaySender, cfg Config, logger zerolog.Logger) *Checker {
	log := logger.With().Str("component", "chaincheck").Logger()
	keys := probe.Keys{
		DataKey:      cache.ChainCheckedNodesKey,
		LockKey:      cache.ChainCheckLockKey,
		MethodLabel:  "chaincheck",
		DataTTL:      cfg.CheckedTTL,
		LockTTL:      cfg.ProbeLockTTL,
		MinSuccesses: cfg.MinSuccesses,
	}
	return &Checker{
		prober:   probe.New(c, keys, nil, log),
		sender:   sender,
		probeCfg: appconfig.PocketConfig{RequestTimeout: cfg.ProbeTimeout},
		logger:   log,
	}
}

// Filter returns the subset of nodes whose reported chain ID exactly
// matches expectedChainID (spec §4.5 step 4). On any failure to reach a
// minimum number of successful probes, it fails open and returns nodes
// unmodified.
func (c *Checker) Filter(ctx context.Context, nodes models.NodeSet, chainID, expectedChainID, sessionFingerprint, appID, appPubKey string, aat *models.AAT) models.NodeSet {
	probeCfg := tuner.Shortened(c.probeCfg, c.probeCfg.RequestTimeout)

	admit := func(results []probe.Result) (map[string]struct{}, bool) {
		admitted := make(map[string]struct{}, len(results))
		for _, r := range results {
			if r.Value == expectedChainID {
				admitted[r.Node.PublicKey] = struct{}{}
			}
		}
		if len(admitted) == 0 {
			return nil, false
		}
		return admitted, true
	}

	probeFn := func(ctx context.Context, node models.SessionNode, cfg appconfig.PocketConfig, appPubKey string, aat *models.AAT) (string, error) {
		result := c.sender.Send(ctx, relaysender.RelayRequest{
			Method:  chainIDMethod,
			ChainID: chainID,
			Payload: []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":%q,"params":[]}`, chainIDMethod)),
			AAT:     aat,
			Config:  cfg,
			Node:    &node,
		})
		if !result.Success() {
			return "", result.Err
		}
		value := gjson.GetBytes(result.Response.Payload, "result").String()
		if value == "" {
			return "", fmt.Errorf("chaincheck: missing result field")
		}
		return value, nil
	}

	return c.prober.Filter(ctx, nodes, chainID, sessionFingerprint, appID, appPubKey, c.probeCfg.RequestTimeout, probeCfg, aat, probeFn, admit)
}
