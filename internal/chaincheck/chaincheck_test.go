package chaincheck

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

type fakeSender struct {
	chainIDs map[string]string
	fail     map[string]bool
}

func (f *fakeSender) CurrentSession(ctx context.Context, appPubKey, chainID string) (models.NodeSet, error) {
	return nil, nil
}

func (f *fakeSender) RefreshSession(ctx context.Context, appPubKey, chainID string) error {
	return nil
}

func (f *fakeSender) Send(ctx context.Context, req relaysender.RelayRequest) models.RelayResult {
	if f.fail[req.Node.PublicKey] {
		return models.RelayResult{Err: &models.RelayError{Code: models.CodeNodeFailure, Message: "probe failed"}}
	}
	id, ok := f.chainIDs[req.Node.PublicKey]
	if !ok {
		return models.RelayResult{Err: &models.RelayError{Code: models.CodeNodeFailure, Message: "unknown node"}}
	}
	payload := []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"result":%q}`, id))
	return models.RelayResult{Response: &models.RelayResponse{Payload: payload}}
}

func newTestChecker(t *testing.T, sender relaysender.RelaySender) *Checker {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	c := cache.NewFromClient(client, zerolog.Nop())

	return New(c, sender, Config{
		ProbeTimeout: time.Second,
		ProbeLockTTL: time.Minute,
		CheckedTTL:   time.Minute,
		MinSuccesses: 3,
	}, zerolog.Nop())
}

func TestFilterAdmitsMatchingChainID(t *testing.T) {
	sender := &fakeSender{chainIDs: map[string]string{"a": "0x89", "b": "0x89", "c": "0x1"}}
	checker := newTestChecker(t, sender)

	nodes := models.NodeSet{{PublicKey: "a"}, {PublicKey: "b"}, {PublicKey: "c"}}
	filtered := checker.Filter(context.Background(), nodes, "0001", "0x89", "fp1", "app1", "pub1", nil)

	require.ElementsMatch(t, []string{"a", "b"}, filtered.PublicKeys())
}

func TestFilterFailsOpenBelowMinSuccesses(t *testing.T) {
	sender := &fakeSender{fail: map[string]bool{"a": true, "b": true}}
	checker := newTestChecker(t, sender)

	nodes := models.NodeSet{{PublicKey: "a"}, {PublicKey: "b"}}
	filtered := checker.Filter(context.Background(), nodes, "0001", "0x89", "fp2", "app1", "pub1", nil)

	require.ElementsMatch(t, nodes.PublicKeys(), filtered.PublicKeys())
}
