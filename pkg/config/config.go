// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (index, query, shard actors, coordinator, cluster membership,
// Kafka, Redis, Postgres, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	RPC         RPCConfig         `yaml:"rpc"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	Etcd        EtcdConfig        `yaml:"etcd"`
	Index       IndexConfig       `yaml:"index"`
	Query       QueryConfig       `yaml:"query"`
	Shard       ShardConfig       `yaml:"shard"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	TermDict    TermDictConfig    `yaml:"termDict"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// CORSOrigins enables CORS on the client API for these origins.
	CORSOrigins []string `yaml:"corsOrigins"`
	// ClientRateLimit is requests per second per client; 0 disables it.
	ClientRateLimit float64 `yaml:"clientRateLimit"`
	ClientRateBurst int     `yaml:"clientRateBurst"`
}

// RPCConfig holds the shard-node RPC listener and client settings.
type RPCConfig struct {
	Addr        string        `yaml:"addr"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	// AdvertiseAddr is the address registered in cluster membership. Defaults
	// to Addr.
	AdvertiseAddr string `yaml:"advertiseAddr"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	GenerationPublished string `yaml:"generationPublished"`
	QueryEvents         string `yaml:"queryEvents"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// EtcdConfig controls etcd-backed cluster membership. When Endpoints is empty
// the static membership in CoordinatorConfig.StaticShards is used instead.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	LeaseTTL    int64         `yaml:"leaseTTL"`
	Prefix      string        `yaml:"prefix"`
}

// IndexConfig controls where generations live and how they are built.
type IndexConfig struct {
	DataDir string `yaml:"dataDir"`
	// Shards lists the shard ids hosted by a shard node, or built by the
	// indexer.
	Shards    []uint32      `yaml:"shards"`
	NumShards int           `yaml:"numShards"`
	Scorer    ScorerConfig  `yaml:"scorer"`
	OpenLimit time.Duration `yaml:"openLimit"`
	// KeepGenerations is how many published generations a shard node keeps
	// on disk after a swap.
	KeepGenerations int `yaml:"keepGenerations"`
}

// ScorerConfig selects the scoring strategy an index is built for.
type ScorerConfig struct {
	Name         string  `yaml:"name"`
	K1           float64 `yaml:"k1"`
	B            float64 `yaml:"b"`
	AvgDocLength float64 `yaml:"avgDocLength"`
}

// QueryConfig controls query admission on the client-facing API.
type QueryConfig struct {
	DefaultK        int           `yaml:"defaultK"`
	MaxK            int           `yaml:"maxK"`
	DefaultDeadline time.Duration `yaml:"defaultDeadline"`
	MaxTerms        int           `yaml:"maxTerms"`
}

// ShardConfig controls each Shard Actor's execution model.
type ShardConfig struct {
	MailboxSize   int           `yaml:"mailboxSize"`
	MaxConcurrent int64         `yaml:"maxConcurrent"`
	RateLimit     float64       `yaml:"rateLimit"`
	RateBurst     int           `yaml:"rateBurst"`
	EvalBudget    time.Duration `yaml:"evalBudget"`
}

// CoordinatorConfig holds the fan-out and partial-failure policy.
type CoordinatorConfig struct {
	MailboxSize int `yaml:"mailboxSize"`
	// MinShardCoverage is the fraction (0..1] of required shards that must
	// answer for a degraded result to be returned. It has no default.
	MinShardCoverage  float64             `yaml:"minShardCoverage"`
	AllowZeroCoverage bool                `yaml:"allowZeroCoverage"`
	RetryOverloaded   bool                `yaml:"retryOverloaded"`
	StaticShards      map[uint32][]string `yaml:"staticShards"`
	BreakerThreshold  int                 `yaml:"breakerThreshold"`
	BreakerReset      time.Duration       `yaml:"breakerReset"`
}

// TermDictConfig selects the key-value backend for the term dictionary.
type TermDictConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls in-process span logging.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sampleRate"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values, except for policy knobs that must be set explicitly.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Validate checks the settings a coordinator cannot run without.
func (c CoordinatorConfig) Validate() error {
	if c.MinShardCoverage < 0 || c.MinShardCoverage > 1 {
		return fmt.Errorf("coordinator.minShardCoverage must be within [0,1], got %v", c.MinShardCoverage)
	}
	if c.MinShardCoverage == 0 && !c.AllowZeroCoverage {
		return fmt.Errorf("coordinator.minShardCoverage is not set (set allowZeroCoverage to accept any coverage)")
	}
	return nil
}

// defaultConfig returns a Config with defaults for local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		RPC: RPCConfig{
			Addr:        "127.0.0.1:9400",
			DialTimeout: 2 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "topksearch",
			User:            "topksearch",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "topksearch-group",
			Topics: KafkaTopics{
				GenerationPublished: "index.generation-published",
				QueryEvents:         "query-events",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Etcd: EtcdConfig{
			DialTimeout: 3 * time.Second,
			LeaseTTL:    5,
			Prefix:      "/topk/shards",
		},
		Index: IndexConfig{
			DataDir:   "data/index",
			NumShards: 4,
			Scorer: ScorerConfig{
				Name:         "bm25",
				K1:           1.2,
				B:            0.75,
				AvgDocLength: 100,
			},
			OpenLimit:       30 * time.Second,
			KeepGenerations: 2,
		},
		Query: QueryConfig{
			DefaultK:        10,
			MaxK:            1000,
			DefaultDeadline: 500 * time.Millisecond,
			MaxTerms:        64,
		},
		Shard: ShardConfig{
			MailboxSize:   256,
			MaxConcurrent: 8,
			RateLimit:     2000,
			RateBurst:     200,
			EvalBudget:    2 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			MailboxSize:      1024,
			RetryOverloaded:  true,
			BreakerThreshold: 5,
			BreakerReset:     10 * time.Second,
		},
		TermDict: TermDictConfig{
			Backend: "bolt",
			Path:    "data/termdict/terms.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads SP_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SP_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SP_RPC_ADDR"); v != "" {
		cfg.RPC.Addr = v
	}
	if v := os.Getenv("SP_RPC_ADVERTISE_ADDR"); v != "" {
		cfg.RPC.AdvertiseAddr = v
	}
	if v := os.Getenv("SP_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("SP_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("SP_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("SP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SP_ETCD_ENDPOINTS"); v != "" {
		cfg.Etcd.Endpoints = strings.Split(v, ",")
	}
	if v := os.Getenv("SP_INDEX_DATA_DIR"); v != "" {
		cfg.Index.DataDir = v
	}
	if v := os.Getenv("SP_INDEX_SHARDS"); v != "" {
		if ids, err := parseShardList(v); err == nil {
			cfg.Index.Shards = ids
		}
	}
	if v := os.Getenv("SP_COORDINATOR_MIN_SHARD_COVERAGE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Coordinator.MinShardCoverage = f
		}
	}
	if v := os.Getenv("SP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func parseShardList(v string) ([]uint32, error) {
	parts := strings.Split(v, ",")
	ids := make([]uint32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing shard id %q: %w", p, err)
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}
