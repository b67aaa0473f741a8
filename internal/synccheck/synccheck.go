// Package synccheck implements the Sync-Checker: it filters a session's
// node set down to the nodes in consensus about the chain's current
// height, and fires a fire-and-forget consensus challenge when too few
// nodes are in sync (spec §4.4).
package synccheck

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/pokt-foundation/gateway/internal/cache"
	"github.com/pokt-foundation/gateway/internal/challengequeue"
	"github.com/pokt-foundation/gateway/internal/probe"
	"github.com/pokt-foundation/gateway/internal/relaysender"
	"github.com/pokt-foundation/gateway/internal/tuner"
	"github.com/pokt-foundation/gateway/pkg/appconfig"
	"github.com/pokt-foundation/gateway/pkg/models"
)

// minInSyncToSkipChallenge is the threshold from spec §4.4 step 7: fewer
// than this many nodes in sync fires a consensus challenge.
const minInSyncToSkipChallenge = 5

// ErrConsensusDisagreement means the top two node heights disagree by
// more than one block, so the sync-checker could not establish which
// nodes are in sync this round (spec §4.4 step 4).
var ErrConsensusDisagreement = fmt.Errorf("synccheck: consensus disagreement among reporting nodes")

// Checker is the Sync-Checker.
type Checker struct {
	prober     *probe.Prober
	sender     relaysender.RelaySender
	challenges *challengequeue.Publisher
	probeCfg   appconfig.PocketConfig
	logger     zerolog.Logger
}

// Config holds the parameters a Checker needs beyond its collaborators.
type Config struct {
	ProbeTimeout     time.Duration
	ProbeLockTTL     time.Duration
	SyncedNodesTTL   time.Duration
	ChallengeNodes   int
	MinSuccesses     int
}

// New constructs a sync-checker backed by c for caching, sender for
// issuing probes, and challenges for dispatching out-of-sync
// consensus-challenge jobs. challenges may be nil to disable challenge
// dispatch (e.g. in tests).
func New(c *cache.Adapter, sender relaysender.RelaySender, challenges *challengequeue.Publisher, cfg Config, logger zerolog.Logger) *Checker {
	log := logger.With().Str("component", "synccheck").Logger()
	keys := probe.Keys{
		DataKey:      cache.SyncedNodesKey,
		LockKey:      cache.SyncLockKey,
		MethodLabel:  "synccheck",
		DataTTL:      cfg.SyncedNodesTTL,
		LockTTL:      cfg.ProbeLockTTL,
		MinSuccesses: cfg.MinSuccesses,
	}
	return &Checker{
		prober: probe.New(c, keys, nil, log),
		sender: sender,
		challenges: challenges,
		probeCfg: appconfig.PocketConfig{RequestTimeout: cfg.ProbeTimeout, ConsensusNodeCount: cfg.ChallengeNodes},
		logger: log,
	}
}

// syncMethod is the relay method used to read a chain's current block
// height (spec §4.4 step 2). Every chain is probed with this method; the
// blockchain descriptor's SyncCheckPayload is not consulted.
const syncMethod = "eth_blockNumber"

// Filter returns the subset of nodes whose reported height is within
// syncAllowance of the consensus height (spec §4.4 step 5). On any
// failure to reach consensus, it fails open and returns nodes
// unmodified.
func (c *Checker) Filter(ctx context.Context, nodes models.NodeSet, chainID, sessionFingerprint, appID, appPubKey string, aat *models.AAT, syncAllowance uint64) models.NodeSet {
	probeCfg := tuner.Shortened(c.probeCfg, c.probeCfg.RequestTimeout)

	admit := func(results []probe.Result) (map[string]struct{}, bool) {
		heights := make([]uint64, 0, len(results))
		byNode := make(map[string]uint64, len(results))
		for _, r := range results {
			h, err := hexutil.DecodeUint64(r.Value)
			if err != nil {
				continue
			}
			heights = append(heights, h)
			byNode[r.Node.PublicKey] = h
		}
		if len(heights) == 0 {
			return nil, false
		}

		sort.Sort(sort.Reverse(uintSlice(heights)))
		if len(heights) >= 2 && heights[0] > heights[1]+1 {
			// Top two reporters disagree by more than one block: abandon
			// filtering this round rather than guess which side is right.
			return nil, false
		}
		consensus := heights[0]

		admitted := make(map[string]struct{}, len(byNode))
		for pubKey, h := range byNode {
			if h+syncAllowance >= consensus {
				admitted[pubKey] = struct{}{}
			}
		}
		if len(admitted) == 0 {
			return nil, false
		}
		return admitted, true
	}

	probeFn := func(ctx context.Context, node models.SessionNode, cfg appconfig.PocketConfig, appPubKey string, aat *models.AAT) (string, error) {
		result := c.sender.Send(ctx, relaysender.RelayRequest{
			Method:  syncMethod,
			ChainID: chainID,
			Payload: []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":%q,"params":[]}`, syncMethod)),
			AAT:     aat,
			Config:  cfg,
			Node:    &node,
		})
		if !result.Success() {
			return "", result.Err
		}
		height := gjson.GetBytes(result.Response.Payload, "result").String()
		if height == "" {
			return "", fmt.Errorf("synccheck: missing result field")
		}
		return height, nil
	}

	filtered := c.prober.Filter(ctx, nodes, chainID, sessionFingerprint, appID, appPubKey, c.probeCfg.RequestTimeout, probeCfg, aat, probeFn, admit)

	if len(filtered) < minInSyncToSkipChallenge && c.challenges != nil {
		job := challengequeue.Job{
			ChainID:            chainID,
			SessionFingerprint: sessionFingerprint,
			AppPublicKey:       appPubKey,
			NodePublicKeys:     nodes.PublicKeys(),
			Method:             syncMethod,
			Payload:            []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":%q,"params":[]}`, syncMethod)),
		}
		if err := c.challenges.Publish(ctx, job); err != nil {
			c.logger.Warn().Err(err).Str("chain", chainID).Msg("failed to enqueue consensus challenge")
		}
	}

	return filtered
}

type uintSlice []uint64

func (s uintSlice) Len() int           { return len(s) }
func (s uintSlice) Less(i, j int) bool { return s[i] < s[j] }
func (s uintSlice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
