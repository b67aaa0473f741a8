package relaysender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/pokt-foundation/gateway/pkg/models"
)

// DispatchClient is a concrete SessionDispatcher that asks one of the
// configured pocketConfiguration dispatcher URLs for the current session
// of an (application, chain) pair. The dispatch protocol itself —
// cryptographic session proof, dispatcher selection strategy — belongs to
// the external service-node network client (spec §1); this is the thin
// HTTP shim a runnable gateway needs in front of it.
type DispatchClient struct {
	dispatchers []string
	httpClient  *http.Client
	logger      zerolog.Logger
}

// NewDispatchClient builds a DispatchClient over the given dispatcher
// URLs.
func NewDispatchClient(dispatchers []string, timeout time.Duration, logger zerolog.Logger) *DispatchClient {
	return &DispatchClient{
		dispatchers: dispatchers,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger.With().Str("component", "dispatchclient").Logger(),
	}
}

type dispatchRequest struct {
	AppPublicKey string `json:"app_public_key"`
	ChainID      string `json:"chain_id"`
}

type dispatchResponse struct {
	Nodes []struct {
		PublicKey  string   `json:"public_key"`
		ServiceURL string   `json:"service_url"`
		Chains     []string `json:"chains"`
	} `json:"nodes"`
}

// CurrentSession fetches the session node set from the first reachable
// dispatcher.
func (d *DispatchClient) CurrentSession(ctx context.Context, appPubKey, chainID string) (models.NodeSet, error) {
	var lastErr error
	for _, url := range d.dispatchers {
		nodes, err := d.fetch(ctx, url+"/v1/client/dispatch", appPubKey, chainID)
		if err == nil {
			return nodes, nil
		}
		lastErr = err
		d.logger.Warn().Err(err).Str("dispatcher", url).Msg("dispatcher unavailable, trying next")
	}
	return nil, fmt.Errorf("dispatchclient: all dispatchers failed: %w", lastErr)
}

// RefreshSession re-dispatches, discarding the result: the caller is
// expected to call CurrentSession again afterward.
func (d *DispatchClient) RefreshSession(ctx context.Context, appPubKey, chainID string) error {
	_, err := d.CurrentSession(ctx, appPubKey, chainID)
	return err
}

func (d *DispatchClient) fetch(ctx context.Context, url, appPubKey, chainID string) (models.NodeSet, error) {
	body, err := json.Marshal(dispatchRequest{AppPublicKey: appPubKey, ChainID: chainID})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dispatcher returned %d", resp.StatusCode)
	}

	var parsed dispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	nodes := make(models.NodeSet, len(parsed.Nodes))
	for i, n := range parsed.Nodes {
		nodes[i] = models.SessionNode{PublicKey: n.PublicKey, ServiceURL: n.ServiceURL, Chains: n.Chains}
	}
	return nodes, nil
}
