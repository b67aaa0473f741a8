// Package tuner produces transient, call-scoped pocketConfiguration
// variants from the immutable process-wide template (spec §2
// "Configuration tuner", §9 design note on process-wide config vs
// per-request context). Every function here returns a copy; none mutate
// their input.
package tuner

import (
	"time"

	"github.com/pokt-foundation/gateway/pkg/appconfig"
)

// Default returns base unchanged, used for ordinary client relays.
func Default(base appconfig.PocketConfig) appconfig.PocketConfig {
	return base
}

// Shortened returns base with its request timeout lowered to timeout,
// used by the sync/chain checkers' probes (spec §4.4 step 2: "5000 ms
// dispatch timeout, other parameters inherited").
func Shortened(base appconfig.PocketConfig, timeout time.Duration) appconfig.PocketConfig {
	cfg := base
	cfg.RequestTimeout = timeout
	return cfg
}

// ConsensusMode returns base configured to dispatch a consensus relay to
// nodeCount nodes simultaneously, used for the sync-checker's
// fire-and-forget challenge relay (spec §4.4 step 7).
func ConsensusMode(base appconfig.PocketConfig, nodeCount int, acceptDisputed bool) appconfig.PocketConfig {
	cfg := base
	cfg.ConsensusNodeCount = nodeCount
	cfg.AcceptDisputedResponses = acceptDisputed
	return cfg
}
