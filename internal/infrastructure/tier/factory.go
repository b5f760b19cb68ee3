// Package tier constructs the configured EventBus adapter, eagerly, so a
// misconfigured or unreachable backend fails at startup rather than on the
// first publish.
package tier

import (
	"context"
	"strings"

	"github.com/dazzle-run/runtime/internal/domain/ports"
	"github.com/dazzle-run/runtime/internal/infrastructure/bus/embedded"
	"github.com/dazzle-run/runtime/internal/infrastructure/bus/memory"
	"github.com/dazzle-run/runtime/internal/infrastructure/bus/partitioned"
	"github.com/dazzle-run/runtime/internal/infrastructure/bus/relational"
	"github.com/dazzle-run/runtime/internal/infrastructure/bus/streams"
	"github.com/dazzle-run/runtime/pkg/config"
	"github.com/dazzle-run/runtime/pkg/errors"
)

// Build picks an EventBus per cfg.Tier. When cfg.Tier is TierAuto the first
// configured backend wins, in order: partitioned-log, streams, relational,
// then in-memory as the zero-config default. Explicit tiers skip detection
// and construct (or fail) directly.
func Build(ctx context.Context, cfg *config.Config) (ports.EventBus, string, error) {
	switch cfg.Tier {
	case config.TierInMemory:
		return memory.New(), string(config.TierInMemory), nil

	case config.TierEmbedded:
		b, err := embedded.Open(cfg.EmbeddedStorePath)
		if err != nil {
			return nil, "", err
		}
		return b, string(config.TierEmbedded), nil

	case config.TierRelational:
		if cfg.RelationalDSN == "" {
			return nil, "", errors.NewBackendUnavailableError("relational", "DAZZLE_TIER=relational requires DAZZLE_RELATIONAL_DSN", nil)
		}
		b, err := relational.Open(ctx, cfg.RelationalDSN)
		if err != nil {
			return nil, "", err
		}
		return b, string(config.TierRelational), nil

	case config.TierStreams:
		if cfg.StreamsURL == "" {
			return nil, "", errors.NewBackendUnavailableError("streams", "DAZZLE_TIER=streams requires DAZZLE_STREAMS_URL", nil)
		}
		b, err := streams.Open(ctx, cfg.StreamsURL)
		if err != nil {
			return nil, "", err
		}
		return b, string(config.TierStreams), nil

	case config.TierPartitioned:
		if cfg.PartitionedBootstrap == "" {
			return nil, "", errors.NewBackendUnavailableError("partitioned-log", "DAZZLE_TIER=partitioned-log requires DAZZLE_PARTITIONED_BOOTSTRAP_SERVERS", nil)
		}
		b, err := partitioned.Open(splitBrokers(cfg.PartitionedBootstrap))
		if err != nil {
			return nil, "", err
		}
		return b, string(config.TierPartitioned), nil

	case config.TierAuto, "":
		return detect(ctx, cfg)

	default:
		return nil, "", errors.NewBackendUnavailableError(string(cfg.Tier), "unrecognized DAZZLE_TIER value", nil)
	}
}

// detect implements the auto-selection order from SPEC_FULL.md §4.9:
// explicit setting (already handled by the caller) → partitioned-log config
// → streams config → relational URL → in-memory default.
func detect(ctx context.Context, cfg *config.Config) (ports.EventBus, string, error) {
	if cfg.PartitionedBootstrap != "" {
		b, err := partitioned.Open(splitBrokers(cfg.PartitionedBootstrap))
		if err != nil {
			return nil, "", err
		}
		return b, string(config.TierPartitioned), nil
	}
	if cfg.StreamsURL != "" {
		b, err := streams.Open(ctx, cfg.StreamsURL)
		if err != nil {
			return nil, "", err
		}
		return b, string(config.TierStreams), nil
	}
	if cfg.RelationalDSN != "" {
		b, err := relational.Open(ctx, cfg.RelationalDSN)
		if err != nil {
			return nil, "", err
		}
		return b, string(config.TierRelational), nil
	}
	return memory.New(), string(config.TierInMemory), nil
}

func splitBrokers(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
