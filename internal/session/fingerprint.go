// Package session computes the deterministic session fingerprint used to
// namespace sync/chain-check cache entries (spec §3).
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/pokt-foundation/gateway/pkg/models"
)

// canonicalNode is the elided shape hashed into the fingerprint: the
// public key is deliberately omitted per spec §3 ("publicKey field
// elided") so the fingerprint reflects the node *set*, not the specific
// identities, matching the original's canonicalization rule.
type canonicalNode struct {
	ServiceURL string   `json:"serviceUrl"`
	Chains     []string `json:"chains"`
}

// Fingerprint returns the 64-hex-character SHA-256 fingerprint of nodes:
// a deterministic hash of the canonical JSON of the node set, sorted by
// public key. Identical node sets produce identical fingerprints
// regardless of input order; adding or removing a node changes it.
func Fingerprint(nodes models.NodeSet) string {
	sorted := make(models.NodeSet, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PublicKey < sorted[j].PublicKey
	})

	canonical := make([]canonicalNode, len(sorted))
	for i, n := range sorted {
		canonical[i] = canonicalNode{ServiceURL: n.ServiceURL, Chains: n.Chains}
	}

	// json.Marshal of a slice of structs with fixed field order is stable,
	// giving byte-identical output for byte-identical canonical inputs.
	data, err := json.Marshal(canonical)
	if err != nil {
		// canonicalNode is always marshalable; this path is unreachable
		// in practice, but we still need a deterministic fallback.
		data = []byte("[]")
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
