// Package config provides configuration management for the memvault backend.
// Loading order, lowest to highest priority: compiled defaults, an optional
// YAML file (CONFIG_FILE), then environment variables. The loaded Config is
// validated once at startup; components receive the sections they need.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the root configuration object.
type Config struct {
	Environment Environment `yaml:"environment" validate:"required,oneof=development staging production"`
	Server      Server      `yaml:"server"`
	Log         Log         `yaml:"log"`
	AWS         AWS         `yaml:"aws"`
	Redis       Redis       `yaml:"redis"`
	LLM         LLM         `yaml:"llm"`
	Embedding   Embedding   `yaml:"embedding"`
	Index       Index       `yaml:"index"`
	Cache       Cache       `yaml:"cache"`
	Seal        Seal        `yaml:"seal"`
	Retrieval   Retrieval   `yaml:"retrieval"`
	Batch       Batch       `yaml:"batch"`
	Blob        Blob        `yaml:"blob"`
	Graph       Graph       `yaml:"graph"`
	Tracing     Tracing     `yaml:"tracing"`
}

// Server holds HTTP server settings.
type Server struct {
	Address         string        `yaml:"address" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Log holds logging settings.
type Log struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// AWS holds client settings shared by DynamoDB, S3, and EventBridge.
// Endpoint overrides the resolved endpoint for local stacks.
type AWS struct {
	Region    string `yaml:"region" validate:"required"`
	Endpoint  string `yaml:"endpoint"`
	TableName string `yaml:"table_name" validate:"required"`
	Bucket    string `yaml:"bucket" validate:"required"`
	EventBus  string `yaml:"event_bus"`
}

// Redis holds the shared hot-set cache tier settings. Disabled leaves the
// content cache running on L1 and the blob store only.
type Redis struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LLM holds settings for the external completion provider.
type LLM struct {
	Provider string        `yaml:"provider" validate:"oneof=mock http"`
	Model    string        `yaml:"model"`
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Embedding holds embedding-service settings. BatchSize caps texts per
// provider call; vendors reject oversized batches. BatchAge bounds how long
// a text queued for indexing may wait before its embedding is requested,
// and tightens the index queue's flush deadline when set below
// index.batch_age. The API key is never configured in a file; it is read
// from EMBEDDING_API_KEY at wiring time.
type Embedding struct {
	Provider     string        `yaml:"provider" validate:"oneof=local http"`
	Model        string        `yaml:"model" validate:"required"`
	Endpoint     string        `yaml:"endpoint"`
	Dimension    int           `yaml:"dimension" validate:"gt=0"`
	BatchSize    int           `yaml:"batch_size" validate:"gt=0"`
	BatchAge     time.Duration `yaml:"batch_age"`
	RPM          int           `yaml:"rpm" validate:"gt=0"`
	CacheEntries int           `yaml:"cache_entries" validate:"gt=0"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Index holds vector-index settings.
type Index struct {
	BatchSize         int           `yaml:"batch_size" validate:"gt=0"`
	BatchAge          time.Duration `yaml:"batch_age"`
	SnapshotThreshold int           `yaml:"snapshot_threshold" validate:"gt=0"`
	SnapshotIdle      time.Duration `yaml:"snapshot_idle"`
	M                 int           `yaml:"m" validate:"gt=1"`
	EfConstruction    int           `yaml:"ef_construction" validate:"gt=0"`
	EfSearchDefault   int           `yaml:"ef_search_default" validate:"gt=0"`
	EvictAfter        time.Duration `yaml:"evict_after"`
}

// Cache holds content-cache settings. L2Bytes bounds the in-process hot set
// that serves as the shared tier when Redis is disabled; with Redis the byte
// budget is the server's maxmemory.
type Cache struct {
	L1Entries int           `yaml:"l1_entries" validate:"gt=0"`
	L2Bytes   int64         `yaml:"l2_bytes" validate:"gt=0"`
	TTL       time.Duration `yaml:"ttl"`
}

// KeyServer describes one configured key-share holder.
type KeyServer struct {
	ObjectID string `yaml:"object_id" validate:"required"`
	URL      string `yaml:"url" validate:"required"`
	Weight   int    `yaml:"weight" validate:"gt=0"`
	Mode     string `yaml:"mode"`
}

// Seal holds encryption-envelope settings. CeremonySeed is the root secret
// backup keys derive from; hosted key servers were provisioned from the same
// seed during the key ceremony. Deployments override it with
// SEAL_CEREMONY_SEED.
type Seal struct {
	PackageID     string      `yaml:"package_id" validate:"required"`
	CeremonySeed  string      `yaml:"ceremony_seed" validate:"required,min=16"`
	SessionTTLMin int         `yaml:"session_ttl_min" validate:"gt=0"`
	Servers       []KeyServer `yaml:"servers" validate:"min=1,dive"`
	Quorum        int         `yaml:"quorum" validate:"gt=0"`
	// VerifyServers enforces TLS certificate checks on key-server requests.
	// Disable only for self-signed staging endpoints.
	VerifyServers bool          `yaml:"verify_servers"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Weights holds the hybrid-mode score weights.
type Weights struct {
	Vector   float64 `yaml:"vector" validate:"gte=0"`
	Keyword  float64 `yaml:"keyword" validate:"gte=0"`
	Graph    float64 `yaml:"graph" validate:"gte=0"`
	Temporal float64 `yaml:"temporal" validate:"gte=0"`
}

// Retrieval holds search settings.
type Retrieval struct {
	DefaultK  int     `yaml:"default_k" validate:"gt=0"`
	Threshold float64 `yaml:"threshold" validate:"gte=0,lte=1"`
	Weights   Weights `yaml:"weights"`
}

// Batch holds batcher back-pressure settings.
type Batch struct {
	MaxPending     int           `yaml:"max_pending" validate:"gt=0"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
}

// Blob holds blob-store settings.
type Blob struct {
	EpochDays   int           `yaml:"epoch_days" validate:"gt=0"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts" validate:"gt=0"`
}

// Graph holds knowledge-graph settings.
type Graph struct {
	CheckpointEvery int           `yaml:"checkpoint_every" validate:"gt=0"`
	CheckpointIdle  time.Duration `yaml:"checkpoint_idle"`
	MaxHops         int           `yaml:"max_hops" validate:"gt=0"`
	VisitBudget     int           `yaml:"visit_budget" validate:"gt=0"`
	BatchSize       int           `yaml:"batch_size" validate:"gt=0"`
	BatchAge        time.Duration `yaml:"batch_age"`
}

// Tracing holds OpenTelemetry exporter settings.
type Tracing struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

// DefaultKeyServers is the hard-coded server set used when the file and
// environment provide none. Weights are equal; quorum 2 of 3.
var DefaultKeyServers = []KeyServer{
	{ObjectID: "0x13a86a87e3ca6a30c0b557f2c1f8fdb1f2d4ba1cdfc52e6a7a1a00db9532b0a1", URL: "https://seal-1.mainnet.memvault.net", Weight: 1, Mode: "open"},
	{ObjectID: "0x7a4f3d2e9b8c1a0f6e5d4c3b2a19080706050403020100ffeeddccbbaa998877", URL: "https://seal-2.mainnet.memvault.net", Weight: 1, Mode: "open"},
	{ObjectID: "0xc1d2e3f4a5b6978861524334251607f8e9dacbbcad9e8f706152433425160708", URL: "https://seal-3.mainnet.memvault.net", Weight: 1, Mode: "open"},
}

// DefaultConfig returns the compiled defaults.
func DefaultConfig() *Config {
	return &Config{
		Environment: Development,
		Server: Server{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: Log{Level: "info"},
		AWS: AWS{
			Region:    "us-east-1",
			TableName: "memvault-dev",
			Bucket:    "memvault-blobs-dev",
			EventBus:  "memvault-events",
		},
		Redis: Redis{Enabled: false, Addr: "localhost:6379"},
		LLM: LLM{
			Provider: "mock",
			Model:    "gpt-4o-mini",
			Timeout:  30 * time.Second,
		},
		Embedding: Embedding{
			Provider:     "local",
			Model:        "text-embedding-3-small",
			Dimension:    1536,
			BatchSize:    20,
			BatchAge:     5 * time.Second,
			RPM:          1500,
			CacheEntries: 10000,
			Timeout:      10 * time.Second,
		},
		Index: Index{
			BatchSize:         50,
			BatchAge:          3 * time.Second,
			SnapshotThreshold: 200,
			SnapshotIdle:      60 * time.Second,
			M:                 16,
			EfConstruction:    200,
			EfSearchDefault:   50,
			EvictAfter:        30 * time.Minute,
		},
		Cache: Cache{
			L1Entries: 4096,
			L2Bytes:   256 << 20,
			TTL:       time.Hour,
		},
		Seal: Seal{
			PackageID:     "0x2f1d5c4a9e8b7061524f3e2d1c0b9a887766554433221100aabbccddeeff0011",
			CeremonySeed:  "memvault-development-ceremony-seed",
			SessionTTLMin: 60,
			Servers:       DefaultKeyServers,
			Quorum:        2,
			VerifyServers: true,
			Timeout:       15 * time.Second,
		},
		Retrieval: Retrieval{
			DefaultK:  10,
			Threshold: 0.6,
			Weights: Weights{
				Vector:   0.6,
				Keyword:  0.2,
				Graph:    0.15,
				Temporal: 0.05,
			},
		},
		Batch: Batch{
			MaxPending:     1000,
			EnqueueTimeout: 2 * time.Second,
		},
		Blob: Blob{
			EpochDays:   30,
			Timeout:     30 * time.Second,
			MaxAttempts: 3,
		},
		Graph: Graph{
			CheckpointEvery: 50,
			CheckpointIdle:  60 * time.Second,
			MaxHops:         2,
			VisitBudget:     512,
			BatchSize:       25,
			BatchAge:        3 * time.Second,
		},
		Tracing: Tracing{Enabled: false, SampleRatio: 0.1},
	}
}

// LoadConfig builds the effective configuration from defaults, the optional
// CONFIG_FILE YAML overlay, and environment overrides, then validates it.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Environment = Environment(getEnv("ENVIRONMENT", string(c.Environment)))
	c.Server.Address = getEnv("SERVER_ADDRESS", c.Server.Address)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)

	c.AWS.Region = getEnv("AWS_REGION", c.AWS.Region)
	c.AWS.Endpoint = getEnv("AWS_ENDPOINT", c.AWS.Endpoint)
	c.AWS.TableName = getEnv("TABLE_NAME", c.AWS.TableName)
	c.AWS.Bucket = getEnv("BLOB_BUCKET", c.AWS.Bucket)
	c.AWS.EventBus = getEnv("EVENT_BUS_NAME", c.AWS.EventBus)

	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)

	c.LLM.Provider = getEnv("LLM_PROVIDER", c.LLM.Provider)
	c.LLM.Model = getEnv("LLM_MODEL", c.LLM.Model)
	c.LLM.Endpoint = getEnv("LLM_ENDPOINT", c.LLM.Endpoint)

	c.Embedding.Provider = getEnv("EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.Model = getEnv("EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.Endpoint = getEnv("EMBEDDING_ENDPOINT", c.Embedding.Endpoint)
	c.Embedding.Dimension = getEnvInt("EMBEDDING_DIMENSION", c.Embedding.Dimension)
	c.Embedding.RPM = getEnvInt("EMBEDDING_RPM", c.Embedding.RPM)

	c.Seal.PackageID = getEnv("SEAL_PACKAGE_ID", c.Seal.PackageID)
	c.Seal.CeremonySeed = getEnv("SEAL_CEREMONY_SEED", c.Seal.CeremonySeed)
	c.Seal.SessionTTLMin = getEnvInt("SEAL_SESSION_TTL_MIN", c.Seal.SessionTTLMin)
	c.Seal.Quorum = getEnvInt("SEAL_QUORUM", c.Seal.Quorum)
	c.Seal.VerifyServers = getEnvBool("SEAL_VERIFY_SERVERS", c.Seal.VerifyServers)

	c.Retrieval.DefaultK = getEnvInt("RETRIEVAL_DEFAULT_K", c.Retrieval.DefaultK)

	c.Tracing.Enabled = getEnvBool("TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.Endpoint = getEnv("TRACING_ENDPOINT", c.Tracing.Endpoint)
}

// Validate checks struct tags plus the cross-field rules the tags cannot
// express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	totalWeight := 0
	for _, s := range c.Seal.Servers {
		totalWeight += s.Weight
	}
	if c.Seal.Quorum > totalWeight {
		return fmt.Errorf("invalid configuration: seal quorum %d exceeds total server weight %d", c.Seal.Quorum, totalWeight)
	}

	w := c.Retrieval.Weights
	if w.Vector+w.Keyword+w.Graph+w.Temporal <= 0 {
		return fmt.Errorf("invalid configuration: retrieval weights must not all be zero")
	}

	if c.LLM.Provider == "http" && c.LLM.Endpoint == "" {
		return fmt.Errorf("invalid configuration: llm endpoint is required for the http provider")
	}
	if c.Embedding.Provider == "http" && c.Embedding.Endpoint == "" {
		return fmt.Errorf("invalid configuration: embedding endpoint is required for the http provider")
	}
	return nil
}

// IsDevelopment reports whether the environment is development.
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
