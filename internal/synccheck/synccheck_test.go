package synccheck

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pokt-foundation/gateway/internal/cache"
	"github.com/pokt-foundation/gateway/internal/relaysender"
	"github.com/pokt-foundation/gateway/pkg/models"
)

// fakeSender returns a fixed block height per node public key, keyed by
// node.PublicKey, simulating each service node's eth_blockNumber reply.
type fakeSender struct {
	heights map[string]uint64
	fail    map[string]bool
}

func (f *fakeSender) CurrentSession(ctx context.Context, appPubKey, chainID string) (models.NodeSet, error) {
	return nil, nil
}

func (f *fakeSender) RefreshSession(ctx context.Context, appPubKey, chainID string) error {
	return nil
}

func (f *fakeSender) Send(ctx context.Context, req relaysender.RelayRequest) models.RelayResult {
	if f.fail[req.Node.PublicKey] {
		return models.RelayResult{Err: &models.RelayError{Code: models.CodeNodeFailure, Message: "probe failed", ServiceNode: req.Node}}
	}
	height, ok := f.heights[req.Node.PublicKey]
	if !ok {
		return models.RelayResult{Err: &models.RelayError{Code: models.CodeNodeFailure, Message: "unknown node"}}
	}
	payload := []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"result":"0x%x"}`, height))
	return models.RelayResult{Response: &models.RelayResponse{Payload: payload}}
}

func newTestChecker(t *testing.T, sender relaysender.RelaySender) *Checker {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	c := cache.NewFromClient(client, zerolog.Nop())

	return New(c, sender, nil, Config{
		ProbeTimeout:   time.Second,
		ProbeLockTTL:   time.Minute,
		SyncedNodesTTL: time.Minute,
		ChallengeNodes: 5,
		MinSuccesses:   3,
	}, zerolog.Nop())
}

func TestFilterAdmitsNodesWithinAllowance(t *testing.T) {
	sender := &fakeSender{heights: map[string]uint64{
		"a": 100,
		"b": 99,
		"c": 50, // far behind, should be excluded
	}}
	checker := newTestChecker(t, sender)

	nodes := models.NodeSet{{PublicKey: "a"}, {PublicKey: "b"}, {PublicKey: "c"}}
	filtered := checker.Filter(context.Background(), nodes, "0001", "fp1", "app1", "pub1", nil, 1)

	keys := filtered.PublicKeys()
	require.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestFilterFailsOpenBelowMinSuccesses(t *testing.T) {
	sender := &fakeSender{fail: map[string]bool{"a": true, "b": true}}
	checker := newTestChecker(t, sender)

	nodes := models.NodeSet{{PublicKey: "a"}, {PublicKey: "b"}}
	filtered := checker.Filter(context.Background(), nodes, "0001", "fp2", "app1", "pub1", nil, 1)

	require.ElementsMatch(t, nodes.PublicKeys(), filtered.PublicKeys())
}

func TestFilterCachesResultAcrossCalls(t *testing.T) {
	sender := &fakeSender{heights: map[string]uint64{"a": 10, "b": 10, "c": 10}}
	checker := newTestChecker(t, sender)

	nodes := models.NodeSet{{PublicKey: "a"}, {PublicKey: "b"}, {PublicKey: "c"}}
	first := checker.Filter(context.Background(), nodes, "0001", "fp3", "app1", "pub1", nil, 0)
	require.Len(t, first, 3)

	// Second call should read from cache, not re-probe (fakeSender would
	// still answer correctly either way, so this asserts behavior not
	// call count, but exercises the cache-hit code path without panicking).
	second := checker.Filter(context.Background(), nodes, "0001", "fp3", "app1", "pub1", nil, 0)
	require.ElementsMatch(t, first.PublicKeys(), second.PublicKeys())
}

func TestFilterFailsOpenOnOutlierDisagreement(t *testing.T) {
	sender := &fakeSender{heights: map[string]uint64{
		"a": 200,
		"b": 100,
		"c": 100,
		"d": 90,
	}}
	checker := newTestChecker(t, sender)

	nodes := models.NodeSet{{PublicKey: "a"}, {PublicKey: "b"}, {PublicKey: "c"}, {PublicKey: "d"}}
	filtered := checker.Filter(context.Background(), nodes, "0001", "fp4", "app1", "pub1", nil, 1)

	// Top two heights (200, 100) disagree by more than one block: the
	// round is abandoned and every node is returned unfiltered.
	require.ElementsMatch(t, nodes.PublicKeys(), filtered.PublicKeys())
}

func TestFilterAdmitsExactlyOneBlockDisagreement(t *testing.T) {
	sender := &fakeSender{heights: map[string]uint64{
		"a": 101,
		"b": 100,
		"c": 100,
	}}
	checker := newTestChecker(t, sender)

	nodes := models.NodeSet{{PublicKey: "a"}, {PublicKey: "b"}, {PublicKey: "c"}}
	filtered := checker.Filter(context.Background(), nodes, "0001", "fp5", "app1", "pub1", nil, 1)

	// Top two heights disagree by exactly one block: this is not an
	// outlier, consensus is the top height and nodes within allowance
	// of it are admitted normally.
	require.ElementsMatch(t, []string{"a", "b", "c"}, filtered.PublicKeys())
}
