// Package config loads runtime configuration from .env and the process
// environment, the same two-step load the teacher codebase uses at startup.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Tier names the bus backend selection, first-match-wins per the detection
// order in SPEC_FULL.md §4.9.
type Tier string

const (
	TierAuto        Tier = "auto"
	TierInMemory    Tier = "in-memory"
	TierEmbedded    Tier = "embedded"
	TierRelational  Tier = "relational"
	TierStreams     Tier = "streams"
	TierPartitioned Tier = "partitioned-log"
)

// Config is the fully-resolved set of environment knobs the core needs.
type Config struct {
	Tier Tier

	RelationalDSN          string
	StreamsURL             string
	PartitionedBootstrap   string
	EmbeddedStorePath      string

	PublisherPollInterval time.Duration
	PublisherBatchSize    int
	PublisherMaxAttempts  int
	PublisherLeaseSeconds int
	PublisherSoftLimit    time.Duration
	PublisherHardLimit    time.Duration

	DrainWatcherInterval     time.Duration
	DrainWatcherAutoComplete bool

	AdminHTTPAddr string
}

// Load reads .env (if present) then the process environment, applying the
// teacher's defaults-then-override pattern.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("ℹ️  no .env file found, relying on process environment")
	}

	return &Config{
		Tier: Tier(getEnv("DAZZLE_TIER", string(TierAuto))),

		RelationalDSN:        os.Getenv("DAZZLE_RELATIONAL_DSN"),
		StreamsURL:           os.Getenv("DAZZLE_STREAMS_URL"),
		PartitionedBootstrap: os.Getenv("DAZZLE_PARTITIONED_BOOTSTRAP_SERVERS"),
		EmbeddedStorePath:    getEnv("DAZZLE_EMBEDDED_STORE_PATH", "dazzle-runtime.bbolt"),

		PublisherPollInterval: getDuration("DAZZLE_PUBLISHER_POLL_INTERVAL", 2*time.Second),
		PublisherBatchSize:    getInt("DAZZLE_PUBLISHER_BATCH_SIZE", 50),
		PublisherMaxAttempts:  getInt("DAZZLE_PUBLISHER_MAX_ATTEMPTS", 5),
		PublisherLeaseSeconds: getInt("DAZZLE_PUBLISHER_LEASE_SECONDS", 30),
		PublisherSoftLimit:    getDuration("DAZZLE_PUBLISHER_SOFT_LIMIT", 10*time.Second),
		PublisherHardLimit:    getDuration("DAZZLE_PUBLISHER_HARD_LIMIT", 30*time.Second),

		DrainWatcherInterval:     getDuration("DAZZLE_DRAIN_WATCHER_INTERVAL", 5*time.Second),
		DrainWatcherAutoComplete: getBool("DAZZLE_DRAIN_WATCHER_AUTO_COMPLETE", true),

		AdminHTTPAddr: getEnv("DAZZLE_ADMIN_HTTP_ADDR", ":8080"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
