// Package appconfig loads the gateway's process-wide, read-only
// configuration. It is built once at startup (see cmd/gateway) and passed
// by reference to every request-scoped component; nothing in this package
// is mutated after Load returns (spec §9 "Global/injected
// singletons").
package appconfig

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// PocketConfig mirrors the "pocketConfiguration" environment block from
// spec §6. It is the base template the Configuration Tuner (internal/tuner)
// specializes per call site; nothing in the gateway mutates it in place.
type PocketConfig struct {
	Dispatchers              []string
	SessionBlockFrequency    uint64
	BlockTime                time.Duration
	ConsensusNodeCount       int
	RequestTimeout           time.Duration
	AcceptDisputedResponses  bool
	MaxSessionRefreshRetries int
	ValidateRelayResponses   bool
	RejectSelfSignedCerts    bool
}

// Config is the full set of process-wide settings read once at startup.
type Config struct {
	SecretKey              string
	DatabaseEncryptionKey  string
	ProcessUID             string
	Pocket                 PocketConfig

	HTTPAddr    string
	MetricsAddr string
	HealthAddr  string

	RedisAddr string
	RedisDB   int

	PostgresDSN string

	NATSURL           string
	ChallengeStream   string
	ChallengeConsumer string

	MaxRelayAttempts   int
	MaxPayloadBytes    int
	FallbackTimeout    time.Duration
	ProbeTimeout       time.Duration
	ChallengeNodeCount int

	AppCacheTTL       time.Duration
	LBCacheTTL        time.Duration
	ServiceLogTTL     time.Duration
	SyncedNodesTTL    time.Duration
	ProbeLockTTL      time.Duration
	CherryPickerMinSamples int
}

// Load reads config.toml and layers environment-variable overrides on top,
// the same two-step process as the teacher's internal/util.InitConfig.
// Environment variables such as POCKET_REQUESTTIMEOUT override
// pocket.requesttimeout in the TOML tree.
func Load(logger *zerolog.Logger, configPath string) (*Config, *koanf.Koanf, error) {
	ko := koanf.New(".")

	if err := ko.Load(file.Provider(configPath), toml.Parser()); err != nil {
		return nil, nil, err
	}

	if err := ko.Load(env.Provider("", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(s), "_", ".")
	}), nil); err != nil {
		logger.Warn().Err(err).Msg("failed to load environment overrides")
	}

	cfg := &Config{
		SecretKey:             ko.String("secretkey"),
		DatabaseEncryptionKey: ko.String("databaseencryptionkey"),
		ProcessUID:            ko.String("processuid"),
		Pocket: PocketConfig{
			Dispatchers:              ko.Strings("pocket.dispatchers"),
			SessionBlockFrequency:    uint64(ko.Int64("pocket.sessionblockfrequency")),
			BlockTime:                durationOr(ko, "pocket.blocktime", 15*time.Second),
			ConsensusNodeCount:       intOr(ko, "pocket.consensusnodecount", 5),
			RequestTimeout:           durationOr(ko, "pocket.requesttimeout", 8*time.Second),
			AcceptDisputedResponses:  ko.Bool("pocket.acceptdisputedresponses"),
			MaxSessionRefreshRetries: intOr(ko, "pocket.maxsessionrefreshretries", 3),
			ValidateRelayResponses:   ko.Bool("pocket.validaterelayresponses"),
			RejectSelfSignedCerts:    ko.Bool("pocket.rejectselfsignedcertificates"),
		},

		HTTPAddr:    stringOr(ko, "http.address", ":8080"),
		MetricsAddr: stringOr(ko, "metrics.address", ":9090"),
		HealthAddr:  stringOr(ko, "health.address", ":8081"),

		RedisAddr: stringOr(ko, "redis.address", "127.0.0.1:6379"),
		RedisDB:   intOr(ko, "redis.db", 0),

		PostgresDSN: ko.String("postgres.dsn"),

		NATSURL:           stringOr(ko, "nats.url", "nats://127.0.0.1:4222"),
		ChallengeStream:   stringOr(ko, "nats.challenge_stream", "GATEWAY_CHALLENGES"),
		ChallengeConsumer: stringOr(ko, "nats.challenge_consumer", "challenge-worker"),

		MaxRelayAttempts:   intOr(ko, "relay.max_attempts", 5),
		MaxPayloadBytes:    intOr(ko, "relay.max_payload_bytes", 1<<20),
		FallbackTimeout:    durationOr(ko, "relay.fallback_timeout", 10*time.Second),
		ProbeTimeout:       durationOr(ko, "relay.probe_timeout", 5*time.Second),
		ChallengeNodeCount: intOr(ko, "relay.challenge_node_count", 5),

		AppCacheTTL:            durationOr(ko, "cache.app_ttl", 60*time.Second),
		LBCacheTTL:             durationOr(ko, "cache.lb_ttl", 60*time.Second),
		ServiceLogTTL:          durationOr(ko, "cache.service_log_ttl", 60*time.Second),
		SyncedNodesTTL:         durationOr(ko, "cache.synced_nodes_ttl", 300*time.Second),
		ProbeLockTTL:           durationOr(ko, "cache.probe_lock_ttl", 60*time.Second),
		CherryPickerMinSamples: intOr(ko, "cherry_picker.min_samples", 5),
	}

	return cfg, ko, nil
}

// UpdateLogLevel sets the zerolog global level from logging.level, the
// same behavior as the teacher's internal/util.UpdateLogLevel.
func UpdateLogLevel(ko *koanf.Koanf, logger *zerolog.Logger) {
	levelStr := strings.ToLower(ko.String("logging.level"))
	var level zerolog.Level
	switch levelStr {
	case "debug":
		level = zerolog.DebugLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	case "", "info":
		level = zerolog.InfoLevel
	default:
		level = zerolog.InfoLevel
		logger.Warn().Str("configured_level", levelStr).Msg("unknown log level, defaulting to info")
	}
	zerolog.SetGlobalLevel(level)
}

func stringOr(ko *koanf.Koanf, key, def string) string {
	if v := ko.String(key); v != "" {
		return v
	}
	return def
}

func intOr(ko *koanf.Koanf, key string, def int) int {
	if ko.Exists(key) {
		return ko.Int(key)
	}
	return def
}

func durationOr(ko *koanf.Koanf, key string, def time.Duration) time.Duration {
	if ko.Exists(key) {
		if d := ko.Duration(key); d != 0 {
			return d
		}
	}
	return def
}
