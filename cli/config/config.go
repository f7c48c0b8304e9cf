// Package config provides configuration management for the rpkica CLI.
//
// Settings are read from an rpkica.yaml file and then overlaid by RPKICA_*
// environment variables, so a checked-in file can be pointed at another
// database or broker without editing it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverDisk     = "disk"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Serializer names.
const (
	SerializerJSON     = "json"
	SerializerMsgpack  = "msgpack"
	SerializerProtobuf = "protobuf"
)

// Config represents the rpkica CLI configuration
type Config struct {
	// Version of the config file format
	Version string `yaml:"version"`

	Storage StorageConfig `yaml:"storage"`
	Signer  SignerConfig  `yaml:"signer"`
	Queue   QueueConfig   `yaml:"queue"`
	Logging LoggingConfig `yaml:"logging"`

	// Routes forward committed events to external publishers.
	Routes []RouteConfig `yaml:"routes,omitempty"`
}

// StorageConfig selects where the CA logs live.
type StorageConfig struct {
	// Driver is one of disk, sqlite, postgres or memory.
	Driver string `yaml:"driver" env:"RPKICA_STORAGE_DRIVER"`

	// Path is the data directory (disk) or database file (sqlite).
	Path string `yaml:"path,omitempty" env:"RPKICA_STORAGE_PATH"`

	// URL is the postgres connection string.
	URL string `yaml:"url,omitempty" env:"RPKICA_DATABASE_URL"`

	// SQLDriver is the database/sql driver name for postgres: pgx or postgres.
	SQLDriver string `yaml:"sql_driver,omitempty" env:"RPKICA_SQL_DRIVER"`

	// Schema is the postgres schema.
	Schema string `yaml:"schema,omitempty" env:"RPKICA_DATABASE_SCHEMA"`

	// Serializer encodes event payloads: json, msgpack or protobuf.
	Serializer string `yaml:"serializer" env:"RPKICA_SERIALIZER"`

	// SnapshotEvery persists a snapshot every n events; 0 disables it.
	SnapshotEvery int64 `yaml:"snapshot_every" env:"RPKICA_SNAPSHOT_EVERY"`
}

// SignerConfig locates the key store.
type SignerConfig struct {
	KeyDir string `yaml:"key_dir" env:"RPKICA_KEY_DIR"`

	// Validity of issued certificates.
	Validity time.Duration `yaml:"validity,omitempty" env:"RPKICA_CERT_VALIDITY"`
}

// QueueConfig tunes side-effect delivery.
type QueueConfig struct {
	// Store is memory, sqlite or postgres. Empty follows the storage driver:
	// sqlite for disk and sqlite storage, postgres for postgres, memory for
	// memory. Postgres requires the postgres storage driver.
	Store string `yaml:"store,omitempty" env:"RPKICA_QUEUE_STORE"`

	// Path is the sqlite queue file when storage is not itself sqlite.
	Path string `yaml:"path,omitempty" env:"RPKICA_QUEUE_PATH"`

	PollInterval time.Duration `yaml:"poll_interval" env:"RPKICA_QUEUE_POLL_INTERVAL"`
	BatchSize    int           `yaml:"batch_size" env:"RPKICA_QUEUE_BATCH_SIZE"`
	MaxRetries   int           `yaml:"max_retries" env:"RPKICA_QUEUE_MAX_RETRIES"`

	Kafka   KafkaConfig   `yaml:"kafka,omitempty"`
	SNS     SNSConfig     `yaml:"sns,omitempty"`
	Webhook WebhookConfig `yaml:"webhook,omitempty"`
}

// KafkaConfig configures the kafka publisher.
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers,omitempty" env:"RPKICA_KAFKA_BROKERS" envSeparator:","`
	TopicPrefix string   `yaml:"topic_prefix,omitempty" env:"RPKICA_KAFKA_TOPIC_PREFIX"`
}

// SNSConfig configures the SNS publisher.
type SNSConfig struct {
	Region string `yaml:"region,omitempty" env:"RPKICA_SNS_REGION"`
	FIFO   bool   `yaml:"fifo,omitempty" env:"RPKICA_SNS_FIFO"`
}

// WebhookConfig configures the webhook publisher.
type WebhookConfig struct {
	Secret  string        `yaml:"secret,omitempty" env:"RPKICA_WEBHOOK_SECRET"`
	Timeout time.Duration `yaml:"timeout,omitempty" env:"RPKICA_WEBHOOK_TIMEOUT"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"RPKICA_LOG_LEVEL"`
	Format string `yaml:"format" env:"RPKICA_LOG_FORMAT"`
}

// RouteConfig maps event types to a destination such as "kafka:ca-events".
type RouteConfig struct {
	Events      []string `yaml:"events,omitempty"`
	Namespaces  []string `yaml:"namespaces,omitempty"`
	Destination string   `yaml:"destination"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Storage: StorageConfig{
			Driver:        DriverDisk,
			Path:          "data",
			SQLDriver:     "pgx",
			Schema:        "rpkica",
			Serializer:    SerializerJSON,
			SnapshotEvery: 50,
		},
		Signer: SignerConfig{
			KeyDir: "keys",
		},
		Queue: QueueConfig{
			Path:         "queue.db",
			PollInterval: time.Second,
			BatchSize:    100,
			MaxRetries:   5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// ConfigFileName is the default config file name
const ConfigFileName = "rpkica.yaml"

// Load loads configuration from the specified directory
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, ConfigFileName)
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path and applies the
// environment overlay. Unset keys keep their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays RPKICA_* environment variables.
func (c *Config) ApplyEnv() error {
	targets := []any{
		&c.Storage,
		&c.Signer,
		&c.Queue,
		&c.Queue.Kafka,
		&c.Queue.SNS,
		&c.Queue.Webhook,
		&c.Logging,
	}
	for _, target := range targets {
		if err := env.Parse(target); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
	}
	return nil
}

// Save saves the configuration to the specified directory
func (c *Config) Save(dir string) error {
	path := filepath.Join(dir, ConfigFileName)
	return c.SaveFile(path)
}

// SaveFile saves the configuration to a specific file path
func (c *Config) SaveFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Exists checks if a config file exists in the directory
func Exists(dir string) bool {
	path := filepath.Join(dir, ConfigFileName)
	_, err := os.Stat(path)
	return err == nil
}

// FindConfig searches for a config file starting from dir and going up
func FindConfig(dir string) (string, *Config, error) {
	current := dir
	for {
		configPath := filepath.Join(current, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			cfg, err := LoadFile(configPath)
			if err != nil {
				return "", nil, err
			}
			return current, cfg, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			// Reached root, config not found
			return "", nil, os.ErrNotExist
		}
		current = parent
	}
}

// Resolve makes relative storage and key paths relative to dir.
func (c *Config) Resolve(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	if c.Storage.Driver == DriverDisk || c.Storage.Driver == DriverSQLite {
		c.Storage.Path = abs(c.Storage.Path)
	}
	c.Signer.KeyDir = abs(c.Signer.KeyDir)
	c.Queue.Path = abs(c.Queue.Path)
}

// QueueDriver returns the queue store in effect.
func (c *Config) QueueDriver() string {
	if c.Queue.Store != "" {
		return c.Queue.Store
	}
	switch c.Storage.Driver {
	case DriverDisk, DriverSQLite:
		return DriverSQLite
	case DriverPostgres:
		return DriverPostgres
	default:
		return DriverMemory
	}
}

// Durable reports whether the storage driver outlives the process.
func (c *Config) Durable() bool {
	return c.Storage.Driver != DriverMemory
}

// Validate validates the configuration
func (c *Config) Validate() []string {
	var errors []string

	switch c.Storage.Driver {
	case "":
		errors = append(errors, "storage.driver is required")
	case DriverDisk, DriverSQLite:
		if c.Storage.Path == "" {
			errors = append(errors, "storage.path is required for the "+c.Storage.Driver+" driver")
		}
	case DriverPostgres:
		if c.Storage.URL == "" {
			errors = append(errors, "storage.url is required for the postgres driver")
		}
		if c.Storage.SQLDriver != "pgx" && c.Storage.SQLDriver != "postgres" {
			errors = append(errors, "storage.sql_driver must be 'pgx' or 'postgres'")
		}
	case DriverMemory:
	default:
		errors = append(errors, "storage.driver must be one of disk, sqlite, postgres, memory")
	}

	switch c.Storage.Serializer {
	case SerializerJSON, SerializerMsgpack, SerializerProtobuf:
	default:
		errors = append(errors, "storage.serializer must be one of json, msgpack, protobuf")
	}

	if c.Storage.SnapshotEvery < 0 {
		errors = append(errors, "storage.snapshot_every must not be negative")
	}

	if c.Signer.KeyDir == "" {
		errors = append(errors, "signer.key_dir is required")
	}

	switch c.QueueDriver() {
	case DriverMemory:
		if c.Durable() {
			errors = append(errors, "queue.store memory would lose queued side effects of "+c.Storage.Driver+" storage; use sqlite or postgres")
		}
	case DriverSQLite:
		if c.Storage.Driver != DriverSQLite && c.Queue.Path == "" {
			errors = append(errors, "queue.path is required for the sqlite queue store")
		}
	case DriverPostgres:
		if c.Storage.Driver != DriverPostgres {
			errors = append(errors, "queue.store postgres requires the postgres storage driver")
		}
	default:
		errors = append(errors, "queue.store must be one of memory, sqlite, postgres")
	}

	for i, r := range c.Routes {
		prefix, _, _ := strings.Cut(r.Destination, ":")
		switch prefix {
		case "kafka":
			if len(c.Queue.Kafka.Brokers) == 0 {
				errors = append(errors, fmt.Sprintf("routes[%d]: kafka destination needs queue.kafka.brokers", i))
			}
		case "sns":
			if c.Queue.SNS.Region == "" {
				errors = append(errors, fmt.Sprintf("routes[%d]: sns destination needs queue.sns.region", i))
			}
		case "webhook":
		default:
			errors = append(errors, fmt.Sprintf("routes[%d]: destination %q must start with kafka:, sns: or webhook:", i, r.Destination))
		}
	}

	return errors
}

// GenerateYAML generates YAML content with comments
func GenerateYAML(cfg *Config) string {
	return `# rpkica configuration file
# Every key can be overridden by an RPKICA_* environment variable.

version: "1"

# Where the trust anchor and CA logs are stored
storage:
  # Driver: disk, sqlite, postgres or memory
  driver: "` + cfg.Storage.Driver + `"

  # Data directory (disk) or database file (sqlite)
  path: "` + cfg.Storage.Path + `"

  # Connection URL for postgres (RPKICA_DATABASE_URL)
  ` + urlLine(cfg.Storage.URL) + `
  sql_driver: "` + cfg.Storage.SQLDriver + `"
  schema: "` + cfg.Storage.Schema + `"

  # Event payload encoding: json, msgpack or protobuf
  serializer: "` + cfg.Storage.Serializer + `"
  snapshot_every: ` + fmt.Sprint(cfg.Storage.SnapshotEvery) + `

# Key store of the software signer
signer:
  key_dir: "` + cfg.Signer.KeyDir + `"

# Side-effect delivery
queue:
  # Store: memory, sqlite or postgres; empty follows the storage driver
  store: "` + cfg.Queue.Store + `"

  # Queue database file when storage is not sqlite
  path: "` + cfg.Queue.Path + `"
  poll_interval: ` + cfg.Queue.PollInterval.String() + `
  batch_size: ` + fmt.Sprint(cfg.Queue.BatchSize) + `
  max_retries: ` + fmt.Sprint(cfg.Queue.MaxRetries) + `

logging:
  level: "` + cfg.Logging.Level + `"
  format: "` + cfg.Logging.Format + `"

# Forward committed events, for example:
# routes:
#   - events: ["ChildCertificateIssued"]
#     destination: "kafka:ca-events"
`
}

func urlLine(url string) string {
	if url == "" {
		return `# url: "postgres://localhost/rpkica"`
	}
	return `url: "` + url + `"`
}
