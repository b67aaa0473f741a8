// Package metrics records per-relay outcomes into the short-TTL service
// log cache the cherry-picker reads, exposes Prometheus counters, and
// durably persists each record to Postgres through a bounded background
// writer. The durable sink is adapted from the teacher's
// cmd/consumer batch-insert pattern; the in-process queue/overflow
// policy is new, grounded in the same "never block the hot path on a
// slow sink" principle the teacher's NATS decoupling embodies.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/pokt-foundation/gateway/internal/cache"
	"github.com/pokt-foundation/gateway/pkg/models"
)

var (
	relaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_relays_total",
		Help: "Total relay attempts, labeled by blockchain and outcome",
	}, []string{"blockchain", "outcome"})

	relayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_relay_latency_milliseconds",
		Help:    "Relay round-trip latency in milliseconds",
		Buckets: prometheus.ExponentialBuckets(5, 2, 12),
	}, []string{"blockchain"})

	writeQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_metrics_writes_dropped_total",
		Help: "Total durable metrics records dropped because the write queue was full",
	})
)

// queueCapacity bounds the in-memory durable-write buffer. Overflow
// drops the oldest buffered record to make room for the new one; the
// record's outcome is not considered, so successful-relay records are
// dropped as readily as failures.
const queueCapacity = 4096

// Recorder is the Metrics Recorder (spec §4.6 step 8, §3 invariant "one
// metrics record per relay attempt").
type Recorder struct {
	cache    *cache.Adapter
	pool     *pgxpool.Pool
	serviceTTL time.Duration
	queue    chan models.MetricsRecord
	logger   zerolog.Logger
}

// New constructs a Recorder and starts its background durable-write
// worker. Call Close to drain and stop it.
func New(c *cache.Adapter, pool *pgxpool.Pool, serviceTTL time.Duration, logger zerolog.Logger) *Recorder {
	r := &Recorder{
		cache:      c,
		pool:       pool,
		serviceTTL: serviceTTL,
		queue:      make(chan models.MetricsRecord, queueCapacity),
		logger:     logger.With().Str("component", "metrics").Logger(),
	}
	go r.writeLoop()
	return r
}

// Record updates the service-log cache hash (read by the cherry-picker),
// increments Prometheus counters, and enqueues rec for durable
// persistence. It never blocks the caller on the database.
func (r *Recorder) Record(ctx context.Context, rec models.MetricsRecord) {
	outcome := "success"
	if !rec.Delivered {
		outcome = "failure"
	}
	relaysTotal.WithLabelValues(rec.Blockchain, outcome).Inc()
	relayLatency.WithLabelValues(rec.Blockchain).Observe(rec.ElapsedMillis)

	r.updateServiceLog(ctx, rec)
	r.enqueue(rec)
}

func (r *Recorder) updateServiceLog(ctx context.Context, rec models.MetricsRecord) {
	if rec.ServiceNode == "" {
		return
	}
	key := cache.ServiceLogKey(rec.Blockchain, rec.ServiceNode)

	if rec.Delivered {
		r.cache.HIncrBy(ctx, key, "success_count", 1)
	} else {
		r.cache.HIncrBy(ctx, key, "failure_count", 1)
	}
	r.cache.HIncrByFloat(ctx, key, "elapsed_sum", rec.ElapsedMillis)
	r.cache.HIncrBy(ctx, key, "elapsed_count", 1)
	r.cache.Expire(ctx, key, r.serviceTTL)
}

func (r *Recorder) enqueue(rec models.MetricsRecord) {
	select {
	case r.queue <- rec:
	default:
		// Queue full: drop the oldest buffered record to make room,
		// preferring to keep the newest arrival over a stale one.
		select {
		case <-r.queue:
			writeQueueDropped.Inc()
		default:
		}
		select {
		case r.queue <- rec:
		default:
			writeQueueDropped.Inc()
		}
	}
}

func (r *Recorder) writeLoop() {
	const batchSize = 50
	const flushInterval = 2 * time.Second

	batch := make([]models.MetricsRecord, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.writeBatch(context.Background(), batch); err != nil {
			r.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("failed to persist metrics batch")
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-r.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Recorder) writeBatch(ctx context.Context, batch []models.MetricsRecord) error {
	if r.pool == nil {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("metrics: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, rec := range batch {
		_, err := tx.Exec(ctx, `
			INSERT INTO relay_metrics
				(request_id, application_id, app_pub_key, blockchain, service_node,
				 relay_start, elapsed_millis, result, bytes, delivered, fallback, method, error)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			rec.RequestID, rec.ApplicationID, rec.AppPubKey, rec.Blockchain, rec.ServiceNode,
			rec.RelayStart, rec.ElapsedMillis, rec.Result, rec.Bytes, rec.Delivered, rec.Fallback, rec.Method, rec.Error)
		if err != nil {
			return fmt.Errorf("metrics: insert: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// Close closes the write queue; the background worker then flushes what
// is buffered and exits. Close returns without waiting for that flush.
func (r *Recorder) Close() {
	close(r.queue)
}
