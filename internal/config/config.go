// Package config captures the runtime tunables the event-sourcing core owns
// directly. It deliberately does not grow into a general configuration
// loader: wiring the runtime into a CLI, an RPC front-end, or a secrets
// manager is an external collaborator's concern.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultStorePath is where the embedded key-value engine keeps its file.
	DefaultStorePath = "eventrt.db"
	// DefaultEntityCacheSize bounds the number of live entity handlers kept warm.
	DefaultEntityCacheSize = 256
	// DefaultCommandTimeout bounds how long a caller waits for a command reply.
	DefaultCommandTimeout = 5 * time.Second
	// DefaultFlushInterval controls the flusher's tick cadence.
	DefaultFlushInterval = time.Second
	// DefaultOutboxBatchSize bounds how many outbox entries the relay drains per tick.
	DefaultOutboxBatchSize = 256
	// DefaultBroadcastBuffer bounds the broadcaster's per-subscriber channel depth.
	DefaultBroadcastBuffer = 256
	// DefaultLogLevel controls verbosity for runtime logs.
	DefaultLogLevel = "info"
)

// Config captures all runtime tunables for the event-sourcing core.
type Config struct {
	StorePath        string
	EntityCacheSize  int
	CommandTimeout   time.Duration
	FlushInterval    time.Duration
	OutboxBatchSize  int
	BroadcastBuffer  int
	LogLevel         string
	RedisAddr        string
	RedisStreamKey   string
	// OutboxCategories lists the categories whose outbox should be
	// drained by a relay at startup. A category absent from this list
	// simply accumulates in its outbox bucket until something reads it.
	OutboxCategories []string
}

// Load reads runtime configuration from environment variables, applying sane
// defaults and accumulating descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		StorePath:        getString("EVENTRT_STORE_PATH", DefaultStorePath),
		EntityCacheSize:  DefaultEntityCacheSize,
		CommandTimeout:   DefaultCommandTimeout,
		FlushInterval:    DefaultFlushInterval,
		OutboxBatchSize:  DefaultOutboxBatchSize,
		BroadcastBuffer:  DefaultBroadcastBuffer,
		LogLevel:         strings.TrimSpace(getString("EVENTRT_LOG_LEVEL", DefaultLogLevel)),
		RedisAddr:        strings.TrimSpace(os.Getenv("EVENTRT_REDIS_ADDR")),
		RedisStreamKey:   strings.TrimSpace(getString("EVENTRT_REDIS_STREAM", "eventrt:outbox")),
		OutboxCategories: splitCategories(os.Getenv("EVENTRT_OUTBOX_CATEGORIES")),
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("EVENTRT_ENTITY_CACHE_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("EVENTRT_ENTITY_CACHE_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.EntityCacheSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("EVENTRT_COMMAND_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("EVENTRT_COMMAND_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.CommandTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("EVENTRT_FLUSH_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("EVENTRT_FLUSH_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.FlushInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("EVENTRT_OUTBOX_BATCH_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("EVENTRT_OUTBOX_BATCH_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.OutboxBatchSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("EVENTRT_BROADCAST_BUFFER")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("EVENTRT_BROADCAST_BUFFER must be a positive integer, got %q", raw))
		} else {
			cfg.BroadcastBuffer = value
		}
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func splitCategories(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	categories := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			categories = append(categories, p)
		}
	}
	return categories
}
