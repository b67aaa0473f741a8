// Challenge worker. Consumes fire-and-forget consensus-challenge jobs
// enqueued by the sync-checker and dispatches a multi-node consensus
// relay against each (spec §4.4 step 7, §9 design note on decoupling
// the orchestrator's return path). Structured the way the teacher's
// cmd/consumer drains its NATS JetStream durable consumer.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pokt-foundation/gateway/internal/challengequeue"
	"github.com/pokt-foundation/gateway/internal/obs"
	"github.com/pokt-foundation/gateway/internal/relaysender"
	"github.com/pokt-foundation/gateway/internal/tuner"
	"github.com/pokt-foundation/gateway/pkg/appconfig"
)

const serviceName = "pocket-gateway-challengeworker"

var jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gateway_challengeworker_jobs_total",
	Help: "Total challenge jobs processed, labeled by outcome",
}, []string{"outcome"})

func main() {
	logger := obs.InitLogger(serviceName)
	logger.Info().Msg("starting challenge worker")

	cfg, ko, err := appconfig.Load(logger, "config.toml")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	appconfig.UpdateLogLevel(ko, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer, err := challengequeue.NewConsumer(ctx, cfg.NATSURL, cfg.ChallengeStream, cfg.ChallengeConsumer, cfg.ChallengeStream+".>", *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create challenge consumer")
	}
	defer consumer.Close()

	dispatchClient := relaysender.NewDispatchClient(cfg.Pocket.Dispatchers, cfg.Pocket.RequestTimeout, *logger)
	sender := relaysender.NewHTTPSender(dispatchClient, cfg.Pocket.RejectSelfSignedCerts, nil, *logger)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- consumer.Run(ctx, handleJob(sender, cfg.Pocket, *logger))
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errChan:
		if err != nil {
			logger.Error().Err(err).Msg("consumer error")
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

// handleJob re-resolves the job's session (the worker has no shared
// cache of service URLs with the orchestrator that enqueued the job)
// and relays the challenge payload to every node named in the job,
// counting it a success if any one of them answers (spec §4.4 step 7:
// the challenge's purpose is to refresh consensus, not to itself
// satisfy a client).
func handleJob(sender relaysender.RelaySender, base appconfig.PocketConfig, logger zerolog.Logger) challengequeue.Handler {
	consensusCfg := tuner.ConsensusMode(base, 0, base.AcceptDisputedResponses)

	return func(ctx context.Context, job challengequeue.Job) error {
		nodes, err := sender.CurrentSession(ctx, job.AppPublicKey, job.ChainID)
		if err != nil {
			jobsProcessed.WithLabelValues("failure").Inc()
			return fmt.Errorf("challengeworker: resolve session: %w", err)
		}

		targets := map[string]struct{}{}
		for _, pk := range job.NodePublicKeys {
			targets[pk] = struct{}{}
		}

		cfg := consensusCfg
		cfg.ConsensusNodeCount = len(targets)

		var lastErr error
		successes := 0
		attempted := 0
		for i := range nodes {
			node := nodes[i]
			if _, want := targets[node.PublicKey]; !want {
				continue
			}
			attempted++
			result := sender.Send(ctx, relaysender.RelayRequest{
				Method:    job.Method,
				ChainID:   job.ChainID,
				Payload:   job.Payload,
				Config:    cfg,
				Node:      &node,
				Consensus: true,
			})
			if result.Success() {
				successes++
			} else {
				lastErr = result.Err
			}
		}

		if attempted == 0 {
			jobsProcessed.WithLabelValues("failure").Inc()
			return fmt.Errorf("challengeworker: no session node matched job's target set")
		}
		if successes == 0 {
			jobsProcessed.WithLabelValues("failure").Inc()
			return fmt.Errorf("challengeworker: all %d challenge relays failed: %w", attempted, lastErr)
		}

		logger.Debug().Str("chain", job.ChainID).Int("successes", successes).Int("attempted", attempted).Msg("consensus challenge relayed")
		jobsProcessed.WithLabelValues("success").Inc()
		return nil
	}
}
