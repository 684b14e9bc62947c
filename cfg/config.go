package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// MongoConfiguration describes the watched deployment
type MongoConfiguration struct {
	URI             string   `toml:"uri"`
	Database        string   `toml:"database"`
	Collection      string   `toml:"collection"` // empty watches the whole database
	ConnectTimeoutS int      `toml:"connect_timeout_seconds"`
	BatchSize       int32    `toml:"batch_size"`
	MaxAwaitTimeMS  int      `toml:"max_await_time_ms"`
	FilterDatabases []string `toml:"filter_databases"`
	FilterColls     []string `toml:"filter_collections"`
}

// CheckpointConfiguration selects where resume tokens are persisted
type CheckpointConfiguration struct {
	Backend          string `toml:"backend"` // mongo, pebble, sqlite, mysql, postgres, memory
	StreamID         string `toml:"stream_id"`
	Collection       string `toml:"collection"` // mongo
	DSN              string `toml:"dsn"`        // sqlite, mysql, postgres
	Table            string `toml:"table"`      // sqlite, mysql, postgres
	SaveRetries      int    `toml:"save_retries"`
	SaveRetryDelayMS int    `toml:"save_retry_delay_ms"`
}

// SASLConfiguration for SASL/PLAIN authenticated brokers
type SASLConfiguration struct {
	Enabled  bool   `toml:"enabled"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// SinkConfiguration describes the downstream bus
type SinkConfiguration struct {
	Name        string   `toml:"name"`
	Type        string   `toml:"type"`   // kafka, eventhub, nats
	Format      string   `toml:"format"` // json, msgpack
	Topic       string   `toml:"topic"`  // empty derives {prefix.}db.collection
	TopicPrefix string   `toml:"topic_prefix"`
	Brokers     []string `toml:"brokers"`
	NatsURL     string   `toml:"nats_url"`

	EventHubConnectionString string `toml:"eventhub_connection_string"`

	SASL        SASLConfiguration `toml:"sasl"`
	TLS         bool              `toml:"tls"`
	Compression string            `toml:"compression"` // kafka: gzip, snappy, lz4, zstd; nats: zstd

	BatchSize        int     `toml:"batch_size"`
	PublishTimeoutMS int     `toml:"publish_timeout_ms"`
	RetryInitialMS   int     `toml:"retry_initial_ms"`
	RetryMaxMS       int     `toml:"retry_max_ms"`
	RetryMultiplier  float64 `toml:"retry_multiplier"`
	MaxRetries       int     `toml:"max_retries"`
}

// TransformConfiguration selects the transformers applied to each event
type TransformConfiguration struct {
	Transformers    []string `toml:"transformers"`
	IDField         string   `toml:"id_field"`
	TimestampField  string   `toml:"timestamp_field"`
	TimestampFormat string   `toml:"timestamp_format"` // rfc3339, unix_ms, date
}

// RelayConfiguration controls the relay loop
type RelayConfiguration struct {
	OnPublishFailure string `toml:"on_publish_failure"` // halt, skip
}

// AdminConfiguration for the HTTP status endpoint
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // protects /status when set
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

type Configuration struct {
	RelayID uint64 `toml:"relay_id"`
	DataDir string `toml:"data_dir"`

	Mongo      MongoConfiguration      `toml:"mongo"`
	Checkpoint CheckpointConfiguration `toml:"checkpoint"`
	Sink       SinkConfiguration       `toml:"sink"`
	Transform  TransformConfiguration  `toml:"transform"`
	Relay      RelayConfiguration      `toml:"relay"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Environment variables read after the config file
const (
	EnvMongoURI         = "MONGO_CONNECTION_URI"
	EnvEventHubConnStr  = "EVENT_HUB_CONNECTION_STRING"
	EnvNatsURL          = "NATS_URL"
	EnvKafkaBrokers     = "KAFKA_BROKERS"
	EnvCheckpointDSN    = "CHECKPOINT_DSN"
	EnvSinkSASLPassword = "SINK_SASL_PASSWORD"
	EnvAdminSecret      = "ADMIN_SECRET"
)

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	RelayIDFlag    = flag.Uint64("relay-id", 0, "Relay ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	StreamIDFlag   = flag.String("stream-id", "", "Checkpoint stream ID (overrides config)")
)

// Default configuration
var Config = &Configuration{
	RelayID: 0, // Auto-generate
	DataDir: "./changerelay-data",

	Mongo: MongoConfiguration{
		URI:             "mongodb://localhost:27017/?replicaSet=rs0",
		Database:        "mongo-cdc-poc-mongodb",
		Collection:      "students",
		ConnectTimeoutS: 10,
		MaxAwaitTimeMS:  1000,
	},

	Checkpoint: CheckpointConfiguration{
		Backend:          "mongo",
		Collection:       "resumeToken",
		Table:            "relay_checkpoints",
		SaveRetries:      5,
		SaveRetryDelayMS: 200,
	},

	Sink: SinkConfiguration{
		Name:             "default",
		Type:             "kafka",
		Format:           "json",
		Brokers:          []string{"localhost:9092"},
		Compression:      "",
		BatchSize:        100,
		PublishTimeoutMS: 10000,
		RetryInitialMS:   100,
		RetryMaxMS:       30000,
		RetryMultiplier:  2.0,
		MaxRetries:       10,
	},

	Transform: TransformConfiguration{
		Transformers:    []string{"document"},
		IDField:         "_id",
		TimestampField:  "timestamp",
		TimestampFormat: "rfc3339",
	},

	Relay: RelayConfiguration{
		OnPublishFailure: "halt",
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8080,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies environment and CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	applyEnv()

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *RelayIDFlag != 0 {
		Config.RelayID = *RelayIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *StreamIDFlag != "" {
		Config.Checkpoint.StreamID = *StreamIDFlag
	}

	// Auto-generate relay ID if not set
	if Config.RelayID == 0 {
		var err error
		Config.RelayID, err = generateRelayID()
		if err != nil {
			return fmt.Errorf("failed to generate relay ID: %w", err)
		}
		log.Info().Uint64("relay_id", Config.RelayID).Msg("Auto-generated relay ID")
	}

	// Default stream ID: one checkpoint per watched namespace
	if Config.Checkpoint.StreamID == "" {
		Config.Checkpoint.StreamID = Config.Mongo.Database
		if Config.Mongo.Collection != "" {
			Config.Checkpoint.StreamID += "." + Config.Mongo.Collection
		}
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// applyEnv copies deployment secrets from the environment
func applyEnv() {
	if v := os.Getenv(EnvMongoURI); v != "" {
		Config.Mongo.URI = v
	}
	if v := os.Getenv(EnvEventHubConnStr); v != "" {
		Config.Sink.EventHubConnectionString = v
	}
	if v := os.Getenv(EnvNatsURL); v != "" {
		Config.Sink.NatsURL = v
	}
	if v := os.Getenv(EnvKafkaBrokers); v != "" {
		Config.Sink.Brokers = splitList(v)
	}
	if v := os.Getenv(EnvCheckpointDSN); v != "" {
		Config.Checkpoint.DSN = v
	}
	if v := os.Getenv(EnvSinkSASLPassword); v != "" {
		Config.Sink.SASL.Password = v
	}
	if v := os.Getenv(EnvAdminSecret); v != "" {
		Config.Admin.Secret = v
	}
}

// IsAdminAuthEnabled returns true when the admin status endpoint requires a secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// generateRelayID creates a unique relay ID based on machine ID
func generateRelayID() (uint64, error) {
	id, err := machineid.ProtectedID("changerelay")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// RelayIDString is the relay ID as attached to log lines
func RelayIDString() string {
	return strconv.FormatUint(Config.RelayID, 16)
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Mongo.URI == "" {
		return fmt.Errorf("mongo uri is required (set %s)", EnvMongoURI)
	}
	if Config.Mongo.Database == "" {
		return fmt.Errorf("mongo database is required")
	}
	if Config.Mongo.BatchSize < 0 {
		return fmt.Errorf("mongo batch size must be >= 0")
	}

	switch Config.Checkpoint.Backend {
	case "mongo", "pebble", "memory":
	case "sqlite", "mysql", "postgres":
		if Config.Checkpoint.DSN == "" {
			return fmt.Errorf("checkpoint backend %s requires a dsn", Config.Checkpoint.Backend)
		}
	default:
		return fmt.Errorf("invalid checkpoint backend: %s", Config.Checkpoint.Backend)
	}
	if Config.Checkpoint.SaveRetries < 0 {
		return fmt.Errorf("checkpoint save retries must be >= 0")
	}
	if Config.Checkpoint.SaveRetryDelayMS < 0 {
		return fmt.Errorf("checkpoint save retry delay must be >= 0")
	}

	if err := validateSink(&Config.Sink); err != nil {
		return err
	}

	if len(Config.Transform.Transformers) == 0 {
		return fmt.Errorf("at least one transformer is required")
	}
	switch Config.Transform.TimestampFormat {
	case "", "rfc3339", "unix_ms", "date":
	default:
		return fmt.Errorf("invalid timestamp format: %s", Config.Transform.TimestampFormat)
	}

	switch Config.Relay.OnPublishFailure {
	case "halt", "skip":
	default:
		return fmt.Errorf("invalid on_publish_failure policy: %s", Config.Relay.OnPublishFailure)
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	switch Config.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}

func validateSink(s *SinkConfiguration) error {
	switch s.Type {
	case "kafka":
		if len(s.Brokers) == 0 {
			return fmt.Errorf("kafka sink requires at least one broker")
		}
	case "eventhub":
		if s.EventHubConnectionString == "" {
			return fmt.Errorf("eventhub sink requires a connection string (set %s)", EnvEventHubConnStr)
		}
	case "nats":
		if s.NatsURL == "" {
			return fmt.Errorf("nats sink requires nats_url")
		}
	default:
		return fmt.Errorf("invalid sink type: %s", s.Type)
	}

	switch s.Format {
	case "", "json", "msgpack":
	default:
		return fmt.Errorf("invalid sink format: %s", s.Format)
	}

	if s.PublishTimeoutMS < 1 {
		return fmt.Errorf("sink publish timeout must be >= 1ms")
	}
	if s.RetryInitialMS < 0 || s.RetryMaxMS < 0 {
		return fmt.Errorf("sink retry delays must be >= 0")
	}
	if s.RetryMultiplier < 0 {
		return fmt.Errorf("sink retry multiplier must be >= 0")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("sink max retries must be >= 0")
	}
	return nil
}
