// Package config holds the process configuration: built-in defaults,
// overlaid by a TOML file, overlaid by LIMITBOOK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the top-level configuration.
type Config struct {
	LogLevel string         `toml:"log_level"`
	Log      LogConfig      `toml:"log"`
	Book     BookConfig     `toml:"book"`
	WAL      WALConfig      `toml:"wal"`
	Outbox   OutboxConfig   `toml:"outbox"`
	Snapshot SnapshotConfig `toml:"snapshot"`
	Kafka    KafkaConfig    `toml:"kafka"`
	GRPC     GRPCConfig     `toml:"grpc"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// LogConfig controls the rotated log file. An empty File logs to stdout only.
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// BookConfig sizes the order arena and its reclamation.
type BookConfig struct {
	ArenaCapacity uint32   `toml:"arena_capacity"`
	RetireRing    uint64   `toml:"retire_ring"`
	Readers       int      `toml:"readers"`
	EpochInterval duration `toml:"epoch_interval"`
}

type WALConfig struct {
	Dir          string `toml:"dir"`
	SegmentSize  int64  `toml:"segment_size"`
	SyncOnAppend bool   `toml:"sync_on_append"`
}

type OutboxConfig struct {
	Dir string `toml:"dir"`
}

type SnapshotConfig struct {
	Dir         string   `toml:"dir"`
	Interval    duration `toml:"interval"`
	TruncateWAL bool     `toml:"truncate_wal"`
}

// KafkaConfig selects and configures the audit publisher.
// Client is "sarama" or "kafka-go".
type KafkaConfig struct {
	Enabled      bool     `toml:"enabled"`
	Client       string   `toml:"client"`
	Brokers      []string `toml:"brokers"`
	Topic        string   `toml:"topic"`
	PollInterval duration `toml:"poll_interval"`
	MaxRetries   int      `toml:"max_retries"`
}

type GRPCConfig struct {
	Addr string `toml:"addr"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// duration wraps time.Duration so TOML can carry strings like "250ms".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a configuration that runs a local single-node book.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Book: BookConfig{
			ArenaCapacity: 1 << 20,
			RetireRing:    1 << 16,
			Readers:       64,
			EpochInterval: duration{100 * time.Millisecond},
		},
		WAL: WALConfig{
			Dir:         "data/wal",
			SegmentSize: 64 << 20,
		},
		Outbox: OutboxConfig{
			Dir: "data/outbox",
		},
		Snapshot: SnapshotConfig{
			Dir:         "data/snapshots",
			Interval:    duration{30 * time.Second},
			TruncateWAL: true,
		},
		Kafka: KafkaConfig{
			Client:       "sarama",
			Brokers:      []string{"localhost:9092"},
			Topic:        "limitbook.audit",
			PollInterval: duration{250 * time.Millisecond},
			MaxRetries:   5,
		},
		GRPC: GRPCConfig{
			Addr: ":50051",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9100",
		},
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validClients = map[string]bool{"sarama": true, "kafka-go": true}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Book.ArenaCapacity == 0 {
		errs = append(errs, "book: arena_capacity must be > 0")
	}
	if r := c.Book.RetireRing; r == 0 || r&(r-1) != 0 {
		errs = append(errs, "book: retire_ring must be a power of two")
	}
	if c.Book.Readers < 1 {
		errs = append(errs, "book: readers must be >= 1")
	}
	if c.Book.EpochInterval.Duration <= 0 {
		errs = append(errs, "book: epoch_interval must be > 0")
	}

	if c.WAL.Dir == "" {
		errs = append(errs, "wal: dir must not be empty")
	}
	if c.WAL.SegmentSize <= 0 {
		errs = append(errs, "wal: segment_size must be > 0")
	}
	if c.Outbox.Dir == "" {
		errs = append(errs, "outbox: dir must not be empty")
	}
	if c.Snapshot.Dir == "" {
		errs = append(errs, "snapshot: dir must not be empty")
	}
	if c.Snapshot.Interval.Duration <= 0 {
		errs = append(errs, "snapshot: interval must be > 0")
	}

	if c.Kafka.Enabled {
		if !validClients[c.Kafka.Client] {
			errs = append(errs, fmt.Sprintf("kafka: unknown client %q (valid: sarama, kafka-go)", c.Kafka.Client))
		}
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka: brokers must not be empty when enabled")
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, "kafka: topic must not be empty when enabled")
		}
		if c.Kafka.PollInterval.Duration <= 0 {
			errs = append(errs, "kafka: poll_interval must be > 0")
		}
	}

	if c.GRPC.Addr == "" {
		errs = append(errs, "grpc: addr must not be empty")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics: addr must not be empty when enabled")
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}
