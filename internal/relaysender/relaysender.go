// Package relaysender defines the RelaySender contract the orchestrator
// dispatches through, and an HTTP-based implementation. The underlying
// service-node network client — session dispatch and cryptographic relay
// signing — is an external collaborator per spec §1; this package
// supplies the thin, swappable boundary the orchestrator programs
// against, plus a concrete transport for a runnable gateway.
package relaysender

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/pokt-foundation/gateway/pkg/appconfig"
	"github.com/pokt-foundation/gateway/pkg/models"
)

// RelayRequest carries everything a RelaySender needs for one attempt.
// Node is the target node. Consensus marks a consensus-mode relay;
// HTTPSender sends it to Node like any other relay, and fails any
// request whose Node is nil rather than picking nodes itself.
type RelayRequest struct {
	Method    string
	ChainID   string
	Payload   []byte
	AAT       *models.AAT
	Config    appconfig.PocketConfig
	Node      *models.SessionNode
	Consensus bool
}

// SessionDispatcher resolves and refreshes (application, chain) sessions.
// It is the piece of the external service-node network client the
// orchestrator's dispatch loop calls directly (spec §4.6 pseudocode).
type SessionDispatcher interface {
	CurrentSession(ctx context.Context, appPubKey, chainID string) (models.NodeSet, error)
	RefreshSession(ctx context.Context, appPubKey, chainID string) error
}

// RelaySender sends a single relay and returns a tagged Success/Error
// result (spec §9 "Dynamic dispatch over backends").
type RelaySender interface {
	SessionDispatcher
	Send(ctx context.Context, req RelayRequest) models.RelayResult
}

// ResponseValidator inspects a successful HTTP round trip's body and
// rejects it as an UpstreamError if it fails schema validation. Wired to
// pocketConfiguration.validateRelayResponses (SPEC_FULL.md "Supplemented
// Features").
type ResponseValidator func(payload []byte) error

// HTTPSender relays to a service node's HTTP service URL directly. It is
// a concrete stand-in for the real cryptographically-signed service-node
// client; the signing step itself is out of scope (spec §1).
type HTTPSender struct {
	dispatcher       SessionDispatcher
	logger           zerolog.Logger
	validate         ResponseValidator
	rejectSelfSigned bool
}

// NewHTTPSender constructs a sender backed by dispatcher for session
// resolution. rejectSelfSigned controls whether the HTTP transport
// verifies node TLS certificates.
func NewHTTPSender(dispatcher SessionDispatcher, rejectSelfSigned bool, validate ResponseValidator, logger zerolog.Logger) *HTTPSender {
	return &HTTPSender{
		dispatcher:       dispatcher,
		validate:         validate,
		rejectSelfSigned: rejectSelfSigned,
		logger:           logger.With().Str("component", "relaysender").Logger(),
	}
}

func newClient(timeout time.Duration, rejectSelfSigned bool) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 0 // the orchestrator owns retry/exclusion semantics
	client.Logger = nil
	client.HTTPClient.Timeout = timeout
	client.HTTPClient.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !rejectSelfSigned}, //nolint:gosec // operator-controlled per pocketConfiguration
	}
	return client
}

// CurrentSession delegates to the configured session dispatcher.
func (s *HTTPSender) CurrentSession(ctx context.Context, appPubKey, chainID string) (models.NodeSet, error) {
	return s.dispatcher.CurrentSession(ctx, appPubKey, chainID)
}

// RefreshSession delegates to the configured session dispatcher.
func (s *HTTPSender) RefreshSession(ctx context.Context, appPubKey, chainID string) error {
	return s.dispatcher.RefreshSession(ctx, appPubKey, chainID)
}

// Send posts req.Payload to req.Node's service URL and translates the
// HTTP round trip into a models.RelayResult.
func (s *HTTPSender) Send(ctx context.Context, req RelayRequest) models.RelayResult {
	if req.Node == nil {
		return errResult(models.CodeNodeFailure, "relaysender: no target node", nil)
	}

	client := newClient(req.Config.RequestTimeout, s.rejectSelfSigned || req.Config.RejectSelfSignedCerts)

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, req.Node.ServiceURL, bytes.NewReader(req.Payload))
	if err != nil {
		return errResult(models.CodeNodeFailure, fmt.Sprintf("relaysender: build request: %v", err), req.Node)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.AAT != nil {
		httpReq.Header.Set("X-Pocket-Application-Public-Key", req.AAT.AppPubKey)
		httpReq.Header.Set("X-Pocket-Application-Signature", req.AAT.Signature)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return errResult(models.CodeTimeout, fmt.Sprintf("relaysender: timeout: %v", err), req.Node)
		}
		return errResult(models.CodeNodeFailure, fmt.Sprintf("relaysender: send: %v", err), req.Node)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return errResult(models.CodeNodeFailure, fmt.Sprintf("relaysender: read body: %v", err), req.Node)
	}

	if resp.StatusCode == http.StatusGone {
		return errResult(models.CodeSessionExpired, "relaysender: session expired", req.Node)
	}
	if resp.StatusCode != http.StatusOK {
		return errResult(models.CodeNodeFailure, fmt.Sprintf("relaysender: node returned %d", resp.StatusCode), req.Node)
	}

	if s.validate != nil {
		if err := s.validate(body); err != nil {
			return errResult(models.CodeNodeFailure, fmt.Sprintf("relaysender: response validation: %v", err), req.Node)
		}
	}

	return models.RelayResult{Response: &models.RelayResponse{Payload: body}}
}

func errResult(code int, message string, node *models.SessionNode) models.RelayResult {
	return models.RelayResult{Err: &models.RelayError{Code: code, Message: message, ServiceNode: node}}
}

// DefaultResponseValidator checks that a payload is syntactically valid
// JSON-RPC (either a single object with a jsonrpc field, or an array of
// such objects). It is a minimal stand-in for schema validation; used
// only when pocketConfiguration.validateRelayResponses is enabled.
func DefaultResponseValidator(payload []byte) error {
	trimmed := bytesTrimSpace(payload)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty response body")
	}
	if trimmed[0] == '[' {
		var batch []map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return err
		}
		for _, obj := range batch {
			if _, ok := obj["jsonrpc"]; !ok {
				return fmt.Errorf("batch element missing jsonrpc field")
			}
		}
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return err
	}
	if _, ok := obj["jsonrpc"]; !ok {
		return fmt.Errorf("missing jsonrpc field")
	}
	return nil
}

func bytesTrimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && isJSONSpace(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isJSONSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
