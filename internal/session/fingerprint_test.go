package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pokt-foundation/gateway/pkg/models"
)

func TestFingerprintIsOrderIndependent(t *testing.T) {
	a := models.NodeSet{
		{PublicKey: "pub1", ServiceURL: "https://node1", Chains: []string{"0001"}},
		{PublicKey: "pub2", ServiceURL: "https://node2", Chains: []string{"0001"}},
	}
	b := models.NodeSet{
		{PublicKey: "pub2", ServiceURL: "https://node2", Chains: []string{"0001"}},
		{PublicKey: "pub1", ServiceURL: "https://node1", Chains: []string{"0001"}},
	}

	require.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintIgnoresPublicKeyIdentity(t *testing.T) {
	a := models.NodeSet{{PublicKey: "pub1", ServiceURL: "https://node1", Chains: []string{"0001"}}}
	b := models.NodeSet{{PublicKey: "different", ServiceURL: "https://node1", Chains: []string{"0001"}}}

	require.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintChangesWithNodeSet(t *testing.T) {
	a := models.NodeSet{{PublicKey: "pub1", ServiceURL: "https://node1"}}
	b := models.NodeSet{{PublicKey: "pub1", ServiceURL: "https://node1"}, {PublicKey: "pub2", ServiceURL: "https://node2"}}

	require.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintIsHex64(t *testing.T) {
	fp := Fingerprint(models.NodeSet{{PublicKey: "pub1", ServiceURL: "https://node1"}})
	require.Len(t, fp, 64)
}
