package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime settings of a single indexer instance. Values are
// loaded from an optional YAML file; environment variables override fields
// so containerized deployments can run without a file at all.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	// JSON-RPC endpoint of the chain node
	APIURL string `yaml:"api_url"`

	// deployment preset name, see deployments.go
	Deployment string `yaml:"deployment"`

	// "exchange" indexes the full pair graph, "router" captures flat event rows
	Mode string `yaml:"mode"`

	NumWorkers   int    `yaml:"num_workers"`
	ChunkSize    uint64 `yaml:"chunk_size"`
	MaxChunkSize uint64 `yaml:"max_chunk_size"`
	SafetyBlocks uint64 `yaml:"safety_blocks"`

	// blocks discarded below the cursor when resuming after a shutdown
	RewindBlocks uint64 `yaml:"rewind_blocks"`

	// seconds between two scan iterations
	TargetSleep int `yaml:"target_sleep"`

	// seconds a worker waits for a pair committed by a sibling worker
	PairWaitDeadline int `yaml:"pair_wait_deadline"`

	// enables the hourly/daily stats processor stage
	StatsEnabled bool `yaml:"stats_enabled"`

	// 0 disables the HTTP API
	APIPort   int    `yaml:"api_port"`
	APISecret string `yaml:"api_secret"`

	// contract overrides for deployments without compiled-in info
	FactoryAddress string `yaml:"factory_address"`
	FactoryBlock   uint64 `yaml:"factory_block"`
	RouterAddress  string `yaml:"router_address"`
	RouterBlock    uint64 `yaml:"router_block"`
}

// Default returns the configuration used when neither a file nor environment
// overrides are present. Connection defaults mirror a local development setup.
func Default() *Config {
	return &Config{
		Deployment:       "pangolin",
		Mode:             "exchange",
		NumWorkers:       8,
		ChunkSize:        2048,
		MaxChunkSize:     2048,
		SafetyBlocks:     5,
		RewindBlocks:     20,
		TargetSleep:      60,
		PairWaitDeadline: 600,
	}
}

// Load reads the configuration file at path (skipped when empty), fills in
// defaults and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = databaseURLFromEnv()
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = redisURLFromEnv()
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DB_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("API_URL"); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv("XQ_DEPLOYMENT"); v != "" {
		c.Deployment = v
	}
	if v := os.Getenv("XQ_MODE"); v != "" {
		c.Mode = v
	}
	if v, err := strconv.Atoi(os.Getenv("XQ_NUM_WORKERS")); err == nil && v > 0 {
		c.NumWorkers = v
	}
	if v, err := strconv.Atoi(os.Getenv("XQ_TARGET_SLEEP")); err == nil && v > 0 {
		c.TargetSleep = v
	}
	if v, err := strconv.Atoi(os.Getenv("PORT")); err == nil && v > 0 {
		c.APIPort = v
	}
	if v := os.Getenv("API_SECRET"); v != "" {
		c.APISecret = v
	}
}

// databaseURLFromEnv composes a connection URL from the individual DB_*
// variables so both styles of deployment configuration work.
func databaseURLFromEnv() string {
	host := envOr("DB_HOST", "localhost")
	port := envOr("DB_PORT", "5432")
	user := envOr("DB_USERNAME", "root")
	pass := envOr("DB_PASSWORD", "password")
	name := envOr("DB_DATABASE", "debug")

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, pass),
		Host:   host + ":" + port,
		Path:   "/" + name,
	}
	return u.String()
}

func redisURLFromEnv() string {
	host := envOr("REDIS_HOST", "localhost")
	port := envOr("REDIS_PORT", "6379")
	pass := os.Getenv("REDIS_PASSWORD")
	name := envOr("REDIS_DATABASE", "0")

	u := url.URL{
		Scheme: "redis",
		Host:   host + ":" + port,
		Path:   "/" + name,
	}
	if pass != "" {
		u.User = url.UserPassword("", pass)
	}
	return u.String()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
