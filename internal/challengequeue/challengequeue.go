// Package challengequeue decouples the sync-checker's consensus-challenge
// relay from the orchestrator's request/response path (spec §9 design
// note: "the orchestrator must not block a client response on a
// fire-and-forget consensus challenge"). It is adapted from the
// teacher's internal/nats Publisher/consumer split, replacing blockchain
// events with challenge jobs.
package challengequeue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const streamCreateTimeout = 10 * time.Second

// Job describes one consensus-challenge relay to run against the nodes
// of a session that has too few in-sync nodes (spec §4.4 step 7).
// NodePublicKeys lists every node of that session, in sync or not.
type Job struct {
	ChainID            string   `json:"chain_id"`
	SessionFingerprint string   `json:"session_fingerprint"`
	AppPublicKey       string   `json:"app_public_key"`
	NodePublicKeys     []string `json:"node_public_keys"`
	Method             string   `json:"method"`
	Payload            []byte   `json:"payload"`
}

// Publisher enqueues challenge jobs onto a durable JetStream stream.
type Publisher struct {
	js      jetstream.JetStream
	nc      *nats.Conn
	logger  zerolog.Logger
	stream  string
	subject string
}

// NewPublisher connects to natsURL and ensures the challenge stream
// exists.
func NewPublisher(natsURL, stream, subject string, retain time.Duration, logger zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("gateway-challengequeue"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("nats disconnected")
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("challengequeue: connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("challengequeue: jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamCreateTimeout)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       stream,
		Subjects:   []string{subject},
		MaxAge:     retain,
		Storage:    jetstream.FileStorage,
		Duplicates: 2 * time.Minute,
		Retention:  jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("challengequeue: create stream: %w", err)
	}

	return &Publisher{js: js, nc: nc, logger: logger.With().Str("component", "challengequeue").Logger(), stream: stream, subject: subject}, nil
}

// Publish enqueues job, deduplicated by (chainID, sessionFingerprint)
// within NATS's duplicate window: multiple orchestrator goroutines
// observing the same out-of-sync session only trigger one challenge.
func (p *Publisher) Publish(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("challengequeue: marshal job: %w", err)
	}

	msgID := job.ChainID + "-" + job.SessionFingerprint
	_, err = p.js.Publish(ctx, p.subject, data, jetstream.WithMsgID(msgID))
	if err != nil {
		p.logger.Error().Err(err).Str("chain", job.ChainID).Msg("failed to publish challenge job")
		return fmt.Errorf("challengequeue: publish: %w", err)
	}
	return nil
}

// Healthy reports whether the underlying NATS connection is up.
func (p *Publisher) Healthy() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// Close releases the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// Handler processes one dequeued challenge Job.
type Handler func(ctx context.Context, job Job) error

// Consumer pulls challenge jobs off the durable stream and invokes a
// Handler for each, matching the teacher's consumer's Nak-on-error retry
// behavior.
type Consumer struct {
	nc       *nats.Conn
	consumer jetstream.Consumer
	logger   zerolog.Logger
}

// NewConsumer connects to natsURL and binds (or creates) a durable pull
// consumer on stream.
func NewConsumer(ctx context.Context, natsURL, stream, consumerName, filterSubject string, logger zerolog.Logger) (*Consumer, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("challengequeue: connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("challengequeue: jetstream context: %w", err)
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    3,
		AckWait:       30 * time.Second,
		FilterSubject: filterSubject,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("challengequeue: create consumer: %w", err)
	}

	return &Consumer{nc: nc, consumer: consumer, logger: logger.With().Str("component", "challengequeue-consumer").Logger()}, nil
}

// Run consumes jobs until ctx is canceled, invoking handle for each.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	consCtx, err := c.consumer.Consume(func(msg jetstream.Msg) {
		var job Job
		if err := json.Unmarshal(msg.Data(), &job); err != nil {
			c.logger.Error().Err(err).Msg("malformed challenge job, dropping")
			_ = msg.Term()
			return
		}
		if err := handle(ctx, job); err != nil {
			c.logger.Error().Err(err).Str("chain", job.ChainID).Msg("challenge job failed")
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("challengequeue: consume: %w", err)
	}

	<-ctx.Done()
	consCtx.Stop()
	return nil
}

// Close releases the NATS connection.
func (c *Consumer) Close() {
	if c.nc != nil {
		c.nc.Close()
	}
}
