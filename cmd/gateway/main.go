// Gateway relay service. Wires the cache, database, NATS challenge
// queue, repositories, health filters, cherry-picker and orchestrator
// into a runnable HTTP server. Structured the way the teacher's
// cmd/indexer wires its chain client, checkpoint store, NATS publisher
// and syncer together.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pokt-foundation/gateway/internal/cache"
	"github.com/pokt-foundation/gateway/internal/chaincheck"
	"github.com/pokt-foundation/gateway/internal/challengequeue"
	"github.com/pokt-foundation/gateway/internal/cherrypicker"
	"github.com/pokt-foundation/gateway/internal/httpapi"
	"github.com/pokt-foundation/gateway/internal/metrics"
	"github.com/pokt-foundation/gateway/internal/obs"
	"github.com/pokt-foundation/gateway/internal/orchestrator"
	"github.com/pokt-foundation/gateway/internal/relaysender"
	"github.com/pokt-foundation/gateway/internal/repository"
	"github.com/pokt-foundation/gateway/internal/synccheck"
	"github.com/pokt-foundation/gateway/pkg/appconfig"
)

const serviceName = "pocket-gateway"

func main() {
	logger := obs.InitLogger(serviceName)
	logger.Info().Msg("starting pocket gateway")

	cfg, ko, err := appconfig.Load(logger, "config.toml")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	appconfig.UpdateLogLevel(ko, logger)

	cacheAdapter, err := cache.New(cfg.RedisAddr, cfg.RedisDB, *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer cacheAdapter.Close()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()
	if err := pool.Ping(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping postgres")
	}
	logger.Info().Msg("connected to postgres")

	var challengePub *challengequeue.Publisher
	if cfg.NATSURL != "" {
		challengePub, err = challengequeue.NewPublisher(cfg.NATSURL, cfg.ChallengeStream, cfg.ChallengeStream+".challenge", 24*time.Hour, *logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create challenge publisher")
		}
		defer challengePub.Close()
		logger.Info().Str("url", cfg.NATSURL).Msg("connected to nats")
	}

	blockchains, err := repository.LoadBlockchains(context.Background(), pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load blockchains")
	}

	apps := repository.NewApplicationRepository(pool, cacheAdapter, cfg.AppCacheTTL, *logger)
	lbs := repository.NewLoadBalancerRepository(pool, cacheAdapter, cfg.LBCacheTTL, *logger)

	dispatchClient := relaysender.NewDispatchClient(cfg.Pocket.Dispatchers, cfg.Pocket.RequestTimeout, *logger)
	sender := relaysender.NewHTTPSender(dispatchClient, cfg.Pocket.RejectSelfSignedCerts, validatorFor(cfg), *logger)

	syncChecker := synccheck.New(cacheAdapter, sender, challengePub, synccheck.Config{
		ProbeTimeout:   cfg.ProbeTimeout,
		ProbeLockTTL:   cfg.ProbeLockTTL,
		SyncedNodesTTL: cfg.SyncedNodesTTL,
		ChallengeNodes: cfg.ChallengeNodeCount,
		MinSuccesses:   3,
	}, *logger)

	chainChecker := chaincheck.New(cacheAdapter, sender, chaincheck.Config{
		ProbeTimeout: cfg.ProbeTimeout,
		ProbeLockTTL: cfg.ProbeLockTTL,
		CheckedTTL:   cfg.SyncedNodesTTL,
		MinSuccesses: 3,
	}, *logger)

	picker := cherrypicker.New(cacheAdapter, cfg.CherryPickerMinSamples, *logger)

	recorder := metrics.New(cacheAdapter, pool, cfg.ServiceLogTTL, *logger)
	defer recorder.Close()

	orch := orchestrator.New(apps, lbs, blockchains, syncChecker, chainChecker, picker, sender, recorder, *cfg, cfg.Pocket, *logger)
	server := httpapi.New(orch, *logger)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: server}
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	healthServer := &http.Server{Addr: cfg.HealthAddr, Handler: http.HandlerFunc(healthCheckHandler(cacheAdapter, challengePub))}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("starting relay ingress")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("relay ingress server error")
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.HealthAddr).Msg("starting health server")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("relay ingress shutdown error")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("health server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

func validatorFor(cfg *appconfig.Config) relaysender.ResponseValidator {
	if !cfg.Pocket.ValidateRelayResponses {
		return nil
	}
	return relaysender.DefaultResponseValidator
}

func healthCheckHandler(c *cache.Adapter, pub *challengequeue.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.Healthy() || (pub != nil && !pub.Healthy()) {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy\n")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "healthy\n")
	}
}
