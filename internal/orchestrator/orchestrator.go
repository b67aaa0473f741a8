// Package orchestrator implements the Relay Orchestrator: the core
// engine that resolves an incoming relay request to an application,
// filters its session's nodes through the sync-checker, chain-checker
// and cherry-picker, dispatches the relay with retry-and-exclusion, and
// records the outcome (spec §4.6). It plays the role the teacher's
// internal/processor plays for block ingestion — the central engine
// wiring every other component together — generalized from a polling
// loop to a per-request pipeline.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/pokt-foundation/gateway/internal/relaysender"
	"github.com/pokt-foundation/gateway/internal/repository"
	"github.com/pokt-foundation/gateway/internal/session"
	"github.com/pokt-foundation/gateway/internal/tuner"
	"github.com/pokt-foundation/gateway/pkg/appconfig"
	"github.com/pokt-foundation/gateway/pkg/models"
	"github.com/pokt-foundation/gateway/pkg/relayerr"
)

var (
	relayAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_orchestrator_relay_attempts_total",
		Help: "Total dispatch attempts, labeled by blockchain and outcome",
	}, []string{"blockchain", "outcome"})

	fallbackUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_orchestrator_fallback_total",
		Help: "Total relays served from a blockchain's fallback backend",
	}, []string{"blockchain"})

	exhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_orchestrator_exhausted_total",
		Help: "Total relays that exhausted all node attempts without a fallback",
	}, []string{"blockchain"})
)

// Request is an inbound relay request, already separated from its HTTP
// transport (spec §4.6 "Request parsing").
type Request struct {
	AppID        string
	LoadBalancer bool
	ChainAlias   string
	Payload      []byte
}

// AppResolver resolves applications by ID. Satisfied by
// *repository.ApplicationRepository; narrowed to an interface so the
// orchestrator's dispatch logic can be tested without a database.
type AppResolver interface {
	ByID(ctx context.Context, id string) (*models.Application, error)
}

// LBResolver resolves load balancers by ID. Satisfied by
// *repository.LoadBalancerRepository.
type LBResolver interface {
	ByID(ctx context.Context, id string) (*models.LoadBalancer, error)
}

// ChainLookup resolves blockchains by canonical ID or path alias.
// Satisfied by *repository.BlockchainRepository.
type ChainLookup interface {
	ByID(id string) (*models.Blockchain, bool)
	ByAlias(alias string) (*models.Blockchain, bool)
}

// SyncFilter narrows a node set to those in height consensus. Satisfied
// by *synccheck.Checker.
type SyncFilter interface {
	Filter(ctx context.Context, nodes models.NodeSet, chainID, sessionFingerprint, appID, appPubKey string, aat *models.AAT, syncAllowance uint64) models.NodeSet
}

// ChainFilter narrows a node set to those serving the expected chain
// ID. Satisfied by *chaincheck.Checker.
type ChainFilter interface {
	Filter(ctx context.Context, nodes models.NodeSet, chainID, expectedChainID, sessionFingerprint, appID, appPubKey string, aat *models.AAT) models.NodeSet
}

// Picker selects one node from a candidate set. Satisfied by
// *cherrypicker.CherryPicker.
type Picker interface {
	Pick(ctx context.Context, chainID string, candidates models.NodeSet, excluded map[string]struct{}) (models.SessionNode, error)
}

// Recorder records a relay attempt's outcome. Satisfied by
// *metrics.Recorder.
type Recorder interface {
	Record(ctx context.Context, rec models.MetricsRecord)
}

// Orchestrator wires together repositories, health filters, the
// cherry-picker, the relay sender and the metrics recorder.
type Orchestrator struct {
	apps        AppResolver
	lbs         LBResolver
	blockchains ChainLookup
	syncCheck   SyncFilter
	chainCheck  ChainFilter
	picker      Picker
	sender      relaysender.RelaySender
	recorder    Recorder
	cfg         appconfig.Config
	pocketCfg   appconfig.PocketConfig
	logger      zerolog.Logger
	randomPick  func(n int) int
}

// New constructs an Orchestrator.
func New(
	apps AppResolver,
	lbs LBResolver,
	blockchains ChainLookup,
	syncCheck SyncFilter,
	chainCheck ChainFilter,
	picker Picker,
	sender relaysender.RelaySender,
	recorder Recorder,
	cfg appconfig.Config,
	pocketCfg appconfig.PocketConfig,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		apps: apps, lbs: lbs, blockchains: blockchains,
		syncCheck: syncCheck, chainCheck: chainCheck, picker: picker,
		sender: sender, recorder: recorder,
		cfg: cfg, pocketCfg: pocketCfg,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		randomPick: uniformPick,
	}
}

// Relay runs the full pipeline from spec §4.6 and returns the
// successful response payload, or a relayerr.* error suitable for
// direct HTTP translation.
func (o *Orchestrator) Relay(ctx context.Context, req Request) ([]byte, error) {
	requestID := uuid.NewString()
	start := time.Now()
	log := o.logger.With().Str("request_id", requestID).Logger()

	if len(req.Payload) == 0 || len(req.Payload) > o.cfg.MaxPayloadBytes {
		return nil, relayerr.NewClientError(400, "payload missing or exceeds size limit", nil)
	}

	appID, err := o.resolveAppID(ctx, req)
	if err != nil {
		return nil, err
	}

	app, err := o.apps.ByID(ctx, appID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, relayerr.NewClientError(404, "application not found", err)
		}
		return nil, &relayerr.InternalError{Message: "failed to resolve application", Cause: err}
	}

	blockchain, ok := o.blockchains.ByAlias(req.ChainAlias)
	if !ok {
		blockchain, ok = o.blockchains.ByID(req.ChainAlias)
	}
	if !ok {
		return nil, relayerr.NewClientError(400, "unrecognized blockchain", nil)
	}
	if !app.SupportsChain(blockchain.ID) {
		return nil, relayerr.NewClientError(403, "application not provisioned for this blockchain", nil)
	}

	aat := app.ResolveAAT()
	if aat == nil {
		return nil, relayerr.NewClientError(403, "application has no usable AAT", nil)
	}

	method := gjson.GetBytes(req.Payload, "method").String()

	nodes, err := o.sender.CurrentSession(ctx, app.PublicKey, blockchain.ID)
	if err != nil {
		return nil, &relayerr.UpstreamError{Message: "failed to resolve session", Cause: err}
	}
	if len(nodes) == 0 {
		return nil, &relayerr.UpstreamError{Message: "empty session node set"}
	}

	fingerprint := session.Fingerprint(nodes)

	filtered := o.syncCheck.Filter(ctx, nodes, blockchain.ID, fingerprint, app.ID, app.PublicKey, aat, blockchain.SyncAllowance)
	filtered = o.chainCheck.Filter(ctx, filtered, blockchain.ID, blockchain.ID, fingerprint, app.ID, app.PublicKey, aat)
	if len(filtered) == 0 {
		filtered = nodes // both checkers failed open internally; this only triggers if intersection emptied the set
	}

	payload, delivered, usedNode, attemptErr := o.dispatchWithRetry(ctx, log, requestID, app, blockchain, aat, method, req.Payload, filtered, app.PublicKey)

	elapsed := time.Since(start)

	if delivered {
		o.record(ctx, requestID, app, blockchain, usedNode, method, elapsed, true, false, len(payload), "")
		return payload, nil
	}

	if blockchain.HasAltBackend() {
		fbStart := time.Now()
		fbPayload, fbErr := o.relayFallback(ctx, blockchain, req.Payload)
		if fbErr == nil {
			fallbackUsed.WithLabelValues(blockchain.ID).Inc()
			o.record(ctx, requestID, app, blockchain, "", method, time.Since(fbStart), true, true, len(fbPayload), "")
			return fbPayload, nil
		}
		o.record(ctx, requestID, app, blockchain, "", method, time.Since(fbStart), false, true, 0, errString(fbErr))
		attemptErr = fbErr
	}

	// Every dispatch attempt (and the fallback attempt, if any) already
	// produced its own metrics record above; this path only surfaces the
	// terminal error, per-attempt records already cover it (spec §3).
	exhausted.WithLabelValues(blockchain.ID).Inc()
	return nil, &relayerr.ExhaustedError{Attempts: o.cfg.MaxRelayAttempts, LastErr: attemptErr}
}

// resolveAppID resolves req to a concrete application ID, picking
// uniformly at random among a load balancer's member applications when
// req.LoadBalancer is set (spec §4.6 "Load balancer resolution").
func (o *Orchestrator) resolveAppID(ctx context.Context, req Request) (string, error) {
	if !req.LoadBalancer {
		return req.AppID, nil
	}

	lb, err := o.lbs.ByID(ctx, req.AppID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", relayerr.NewClientError(404, "load balancer not found", err)
		}
		return "", &relayerr.InternalError{Message: "failed to resolve load balancer", Cause: err}
	}

	verified := make([]string, 0, len(lb.ApplicationIDs))
	for _, id := range lb.ApplicationIDs {
		if _, err := o.apps.ByID(ctx, id); err == nil {
			verified = append(verified, id)
		}
	}
	if len(verified) == 0 {
		return "", relayerr.NewClientError(404, "load balancer has no resolvable applications", nil)
	}

	return verified[o.randomPick(len(verified))], nil
}

// dispatchWithRetry tries filtered nodes in cherry-picker order up to
// MaxRelayAttempts, excluding each failed node and refreshing the
// session on a session-expired error (spec §4.6 "Dispatch loop").
func (o *Orchestrator) dispatchWithRetry(
	ctx context.Context,
	log zerolog.Logger,
	requestID string,
	app *models.Application,
	blockchain *models.Blockchain,
	aat *models.AAT,
	method string,
	payload []byte,
	candidates models.NodeSet,
	appPubKey string,
) ([]byte, bool, string, error) {
	excluded := map[string]struct{}{}
	var lastErr error

	for attempt := 0; attempt < o.cfg.MaxRelayAttempts; attempt++ {
		node, err := o.picker.Pick(ctx, blockchain.ID, candidates, excluded)
		if err != nil {
			return nil, false, "", fmt.Errorf("dispatch: %w", err)
		}

		attemptStart := time.Now()
		result := o.sender.Send(ctx, relaysender.RelayRequest{
			Method:  method,
			ChainID: blockchain.ID,
			Payload: payload,
			AAT:     aat,
			Config:  tuner.Default(o.pocketCfg),
			Node:    &node,
		})

		if result.Success() {
			relayAttempts.WithLabelValues(blockchain.ID, "success").Inc()
			return result.Response.Payload, true, node.PublicKey, nil
		}

		relayAttempts.WithLabelValues(blockchain.ID, "failure").Inc()
		lastErr = result.Err
		excluded[node.PublicKey] = struct{}{}

		o.record(ctx, requestID, app, blockchain, node.PublicKey, method, time.Since(attemptStart), false, false, 0, errString(result.Err))

		if result.Err.IsSessionExpired() {
			log.Warn().Str("node", node.PublicKey).Msg("session expired mid-dispatch, refreshing")
			if refreshErr := o.sender.RefreshSession(ctx, appPubKey, blockchain.ID); refreshErr != nil {
				log.Error().Err(refreshErr).Msg("session refresh failed")
			}
		}

		log.Debug().Str("node", node.PublicKey).Err(result.Err).Int("attempt", attempt+1).Msg("relay attempt failed, excluding node")
	}

	return nil, false, "", lastErr
}

func (o *Orchestrator) relayFallback(ctx context.Context, blockchain *models.Blockchain, payload []byte) ([]byte, error) {
	fallbackCfg := tuner.Default(o.pocketCfg)
	fallbackCfg.RequestTimeout = o.cfg.FallbackTimeout

	result := o.sender.Send(ctx, relaysender.RelayRequest{
		ChainID: blockchain.ID,
		Payload: payload,
		Config:  fallbackCfg,
		Node:    &models.SessionNode{ServiceURL: blockchain.AltRuntimeURL},
	})
	if !result.Success() {
		return nil, result.Err
	}
	return result.Response.Payload, nil
}

func (o *Orchestrator) record(ctx context.Context, requestID string, app *models.Application, blockchain *models.Blockchain, node, method string, elapsed time.Duration, delivered, fallback bool, bytes int, errMsg string) {
	resultCode := 200
	if !delivered {
		resultCode = 500
	}
	o.recorder.Record(ctx, models.MetricsRecord{
		RequestID:     requestID,
		ApplicationID: app.ID,
		AppPubKey:     app.PublicKey,
		Blockchain:    blockchain.ID,
		ServiceNode:   node,
		RelayStart:    time.Now().Add(-elapsed),
		ElapsedMillis: float64(elapsed.Milliseconds()),
		Result:        resultCode,
		Bytes:         bytes,
		Delivered:     delivered,
		Fallback:      fallback,
		Method:        method,
		Error:         errMsg,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func uniformPick(n int) int {
	if n <= 1 {
		return 0
	}
	return int(time.Now().UnixNano() % int64(n))
}
