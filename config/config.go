// Package config provides configuration loading and management for sembus.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ssconfig "github.com/c360studio/semstreams/config"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/sembus/event"
)

// Storage backends.
const (
	StorageKV       = "kv"
	StoragePostgres = "postgres"
)

// Config represents the complete sembus configuration
type Config struct {
	// Service is the name this process publishes events as
	Service    string           `yaml:"service"`
	Log        LogConfig        `yaml:"log"`
	NATS       NATSConfig       `yaml:"nats"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Subscriber SubscriberConfig `yaml:"subscriber"`
	Storage    StorageConfig    `yaml:"storage"`
	HTTP       HTTPConfig       `yaml:"http"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// LogConfig configures logging
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL. When set, discovery is skipped.
	URL string `yaml:"url"`
	// Embedded starts an in-process NATS server instead of connecting out
	Embedded bool `yaml:"embedded"`
	// EmbeddedPort is the client port of the embedded server (-1 = random)
	EmbeddedPort int `yaml:"embedded_port"`
	// StoreDir is the JetStream store directory of the embedded server
	StoreDir string `yaml:"store_dir"`
	// MaxReconnects is passed to the client (-1 = forever)
	MaxReconnects int `yaml:"max_reconnects"`
	// ReconnectWait is the delay between reconnect attempts
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	// ConnectTimeout bounds the initial connection
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// JetStream enables acknowledged publishing and durable consumers
	JetStream bool         `yaml:"jetstream"`
	Stream    StreamConfig `yaml:"stream"`
}

// StreamConfig configures the JetStream stream capturing events
type StreamConfig struct {
	Name            string        `yaml:"name"`
	Subjects        []string      `yaml:"subjects"`
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
	MaxAge          time.Duration `yaml:"max_age"`
	Replicas        int           `yaml:"replicas"`
}

// DiscoveryConfig configures bus endpoint discovery
type DiscoveryConfig struct {
	Consul ConsulConfig `yaml:"consul"`
}

// ConsulConfig configures Consul service lookup
type ConsulConfig struct {
	Enabled bool `yaml:"enabled"`
	// Address is the Consul HTTP address (host:port)
	Address string `yaml:"address"`
	// Service is the Consul service name NATS is registered under
	Service string `yaml:"service"`
	// Tag optionally filters instances
	Tag string `yaml:"tag"`
}

// PublisherConfig configures event publication
type PublisherConfig struct {
	// Timeout bounds a single publish including the acknowledgement
	Timeout time.Duration `yaml:"timeout"`
	// Workers is the number of async publish workers
	Workers int `yaml:"workers"`
	// QueueSize bounds pending async publications
	QueueSize int `yaml:"queue_size"`
}

// SubscriberConfig configures event consumption
type SubscriberConfig struct {
	// Queue is the queue group used without JetStream
	Queue string `yaml:"queue"`
	// DurablePrefix prefixes durable consumer names
	DurablePrefix string        `yaml:"durable_prefix"`
	AckWait       time.Duration `yaml:"ack_wait"`
	// MaxDeliver caps redeliveries (-1 = unlimited)
	MaxDeliver int           `yaml:"max_deliver"`
	NakDelay   time.Duration `yaml:"nak_delay"`
	// DedupeSize is the number of recent event IDs remembered
	DedupeSize int `yaml:"dedupe_size"`
}

// StorageConfig configures the usage ledger and device registry
type StorageConfig struct {
	// Backend is "kv" (NATS KV) or "postgres"
	Backend     string `yaml:"backend"`
	PostgresURL string `yaml:"postgres_url"`
}

// HTTPConfig configures the HTTP API
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// TracingConfig configures OpenTelemetry export
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Service: "sembus",
		Log: LogConfig{
			Level: "info",
		},
		NATS: NATSConfig{
			URL:            "",
			Embedded:       false,
			EmbeddedPort:   4222,
			MaxReconnects:  -1,
			ReconnectWait:  time.Second,
			ConnectTimeout: 10 * time.Second,
			JetStream:      true,
			Stream: StreamConfig{
				Name:            "EVENTS",
				Subjects:        event.StreamSubjects(),
				DuplicateWindow: 2 * time.Minute,
				MaxAge:          7 * 24 * time.Hour,
				Replicas:        1,
			},
		},
		Discovery: DiscoveryConfig{
			Consul: ConsulConfig{
				Enabled: false,
				Address: "localhost:8500",
				Service: "nats",
			},
		},
		Publisher: PublisherConfig{
			Timeout:   5 * time.Second,
			Workers:   4,
			QueueSize: 1024,
		},
		Subscriber: SubscriberConfig{
			Queue:         "sembus",
			DurablePrefix: "sembus",
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			NakDelay:      2 * time.Second,
			DedupeSize:    10000,
		},
		Storage: StorageConfig{
			Backend: StorageKV,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4318",
			Insecure: true,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("service is required")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	if c.NATS.JetStream {
		if c.NATS.Stream.Name == "" {
			return fmt.Errorf("nats.stream.name is required when jetstream is enabled")
		}
		if len(c.NATS.Stream.Subjects) == 0 {
			return fmt.Errorf("nats.stream.subjects is required when jetstream is enabled")
		}
	}
	if c.Discovery.Consul.Enabled && c.Discovery.Consul.Service == "" {
		return fmt.Errorf("discovery.consul.service is required")
	}
	if c.Publisher.Timeout <= 0 {
		return fmt.Errorf("publisher.timeout must be positive")
	}
	if c.Publisher.Workers < 1 {
		return fmt.Errorf("publisher.workers must be at least 1")
	}
	if c.Publisher.QueueSize < 1 {
		return fmt.Errorf("publisher.queue_size must be at least 1")
	}
	if c.Subscriber.MaxDeliver == 0 || c.Subscriber.MaxDeliver < -1 {
		return fmt.Errorf("subscriber.max_deliver must be positive or -1")
	}
	switch c.Storage.Backend {
	case StorageKV:
		if !c.NATS.JetStream {
			return fmt.Errorf("storage.backend kv requires nats.jetstream")
		}
	case StoragePostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("storage.postgres_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q", StorageKV, StoragePostgres)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := LoadInto(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadInto decodes a YAML file over an existing config. Keys absent from
// the file keep their current values. ${VAR} and ${VAR:-default}
// references are expanded before parsing.
func LoadInto(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := ssconfig.ExpandEnvWithDefaults(string(data))
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
