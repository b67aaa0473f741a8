package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplicationResolveAAT(t *testing.T) {
	freeTier := &AAT{AppPubKey: "free"}
	gateway := &AAT{AppPubKey: "gateway"}

	app := Application{FreeTierAAT: freeTier}
	require.Equal(t, freeTier, app.ResolveAAT())

	app.GatewayAAT = gateway
	require.Equal(t, gateway, app.ResolveAAT())
}

func TestApplicationSupportsChain(t *testing.T) {
	app := Application{Chains: []string{"0001", "0021"}}
	require.True(t, app.SupportsChain("0001"))
	require.False(t, app.SupportsChain("9999"))
}

func TestNodeSetWithoutFiltersExcluded(t *testing.T) {
	nodes := NodeSet{
		{PublicKey: "a"},
		{PublicKey: "b"},
		{PublicKey: "c"},
	}

	out := nodes.Without(map[string]struct{}{"b": {}})
	require.Len(t, out, 2)
	require.Equal(t, "a", out[0].PublicKey)
	require.Equal(t, "c", out[1].PublicKey)
}

func TestNodeSetWithoutEmptyExclusionReturnsInput(t *testing.T) {
	nodes := NodeSet{{PublicKey: "a"}}
	out := nodes.Without(nil)
	require.Equal(t, nodes, out)
}

func TestNodeSetIntersect(t *testing.T) {
	nodes := NodeSet{{PublicKey: "a"}, {PublicKey: "b"}}
	out := nodes.Intersect(map[string]struct{}{"b": {}})
	require.Len(t, out, 1)
	require.Equal(t, "b", out[0].PublicKey)
}

func TestServiceLogEntrySuccessRate(t *testing.T) {
	entry := ServiceLogEntry{SuccessCount: 9, FailureCount: 1}
	rate, ok := entry.SuccessRate()
	require.True(t, ok)
	require.InDelta(t, 0.9, rate, 0.0001)

	empty := ServiceLogEntry{}
	_, ok = empty.SuccessRate()
	require.False(t, ok)
}

func TestServiceLogEntryAvgLatency(t *testing.T) {
	entry := ServiceLogEntry{ElapsedSum: 300, ElapsedCount: 3}
	avg, ok := entry.AvgLatencyMillis()
	require.True(t, ok)
	require.Equal(t, 100.0, avg)
}

func TestRelayResultSuccess(t *testing.T) {
	ok := RelayResult{Response: &RelayResponse{Payload: []byte("{}")}}
	require.True(t, ok.Success())

	failed := RelayResult{Err: &RelayError{Code: CodeNodeFailure}}
	require.False(t, failed.Success())
}

func TestRelayErrorIsSessionExpired(t *testing.T) {
	err := &RelayError{Code: CodeSessionExpired}
	require.True(t, err.IsSessionExpired())

	other := &RelayError{Code: CodeTimeout}
	require.False(t, other.IsSessionExpired())
}
