package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) over
// Defaults and applies LIMITBOOK_* overrides. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// .env is optional
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "LIMITBOOK_LOG_LEVEL")
	setStr(&cfg.Log.File, "LIMITBOOK_LOG_FILE")

	// ── Book ──
	setUint32(&cfg.Book.ArenaCapacity, "LIMITBOOK_BOOK_ARENA_CAPACITY")
	setUint64(&cfg.Book.RetireRing, "LIMITBOOK_BOOK_RETIRE_RING")
	setInt(&cfg.Book.Readers, "LIMITBOOK_BOOK_READERS")
	setDuration(&cfg.Book.EpochInterval, "LIMITBOOK_BOOK_EPOCH_INTERVAL")

	// ── Storage ──
	setStr(&cfg.WAL.Dir, "LIMITBOOK_WAL_DIR")
	setInt64(&cfg.WAL.SegmentSize, "LIMITBOOK_WAL_SEGMENT_SIZE")
	setBool(&cfg.WAL.SyncOnAppend, "LIMITBOOK_WAL_SYNC_ON_APPEND")
	setStr(&cfg.Outbox.Dir, "LIMITBOOK_OUTBOX_DIR")
	setStr(&cfg.Snapshot.Dir, "LIMITBOOK_SNAPSHOT_DIR")
	setDuration(&cfg.Snapshot.Interval, "LIMITBOOK_SNAPSHOT_INTERVAL")

	// ── Kafka ──
	setBool(&cfg.Kafka.Enabled, "LIMITBOOK_KAFKA_ENABLED")
	setStr(&cfg.Kafka.Client, "LIMITBOOK_KAFKA_CLIENT")
	setStringSlice(&cfg.Kafka.Brokers, "LIMITBOOK_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "LIMITBOOK_KAFKA_TOPIC")

	// ── Servers ──
	setStr(&cfg.GRPC.Addr, "LIMITBOOK_GRPC_ADDR")
	setBool(&cfg.Metrics.Enabled, "LIMITBOOK_METRICS_ENABLED")
	setStr(&cfg.Metrics.Addr, "LIMITBOOK_METRICS_ADDR")
}

// Each helper only touches dst when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint32(dst *uint32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			*dst = uint32(n)
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
