// Package config loads vaultd's runtime configuration from environment
// variables (via envdecode), an optional .env file (via godotenv), and an
// optional YAML overlay for static per-deployment values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config enumerates every configuration item named by the system's
// external-interfaces section.
type Config struct {
	StoreURL      string `env:"VAULTD_STORE_URL,required"`
	StorePoolSize int    `env:"VAULTD_STORE_POOL_SIZE,default=10"`

	ChainRPCURL          string  `env:"VAULTD_CHAIN_RPC_URL,required"`
	ChainRPCRateLimit    float64 `env:"VAULTD_CHAIN_RPC_RATE_LIMIT,default=20"`
	ChainRPCBurst        int     `env:"VAULTD_CHAIN_RPC_BURST,default=5"`
	PayerKeypairPath  string `env:"VAULTD_PAYER_KEYPAIR_PATH,required"`
	AuthorityKeypairPath string `env:"VAULTD_AUTHORITY_KEYPAIR_PATH,required"`
	ProgramID         string `env:"VAULTD_PROGRAM_ID,required"`

	MaxConcurrentBuilds int           `env:"VAULTD_MAX_CONCURRENT_BUILDS,default=5"`
	MaxRetries          int           `env:"VAULTD_MAX_RETRIES,default=3"`
	RetryDelay          time.Duration `env:"VAULTD_RETRY_DELAY,default=500ms"`

	ReconciliationInterval time.Duration `env:"VAULTD_RECONCILIATION_INTERVAL,default=300s"`
	SnapshotInterval       time.Duration `env:"VAULTD_SNAPSHOT_INTERVAL,default=60s"`
	StaleCleanupInterval   time.Duration `env:"VAULTD_STALE_CLEANUP_INTERVAL,default=300s"`
	StaleThreshold         time.Duration `env:"VAULTD_STALE_THRESHOLD,default=3600s"`
	HealthInterval         time.Duration `env:"VAULTD_HEALTH_INTERVAL,default=30s"`

	MaxPendingCount int `env:"VAULTD_MAX_PENDING_COUNT,default=10000"`
	IngressPort     int `env:"VAULTD_INGRESS_PORT,default=8080"`

	CacheFreshnessWindow time.Duration `env:"VAULTD_CACHE_FRESHNESS_WINDOW,default=5s"`
	RedisAddr            string        `env:"VAULTD_REDIS_ADDR"`
	LocalCacheSize       int           `env:"VAULTD_LOCAL_CACHE_SIZE,default=4096"`

	RateLimitCapacity      float64       `env:"VAULTD_RATE_LIMIT_CAPACITY,default=100"`
	RateLimitRefillPerSec  float64       `env:"VAULTD_RATE_LIMIT_REFILL_PER_SEC,default=10"`
	PendingOperationTTL    time.Duration `env:"VAULTD_PENDING_OPERATION_TTL,default=5m"`

	LogLevel string `env:"VAULTD_LOG_LEVEL,default=info"`
}

// Overlay is the shape of the optional YAML file that can supply static,
// per-deployment defaults layered underneath environment variables.
type Overlay struct {
	StoreURL    string `yaml:"store_url"`
	ChainRPCURL string `yaml:"chain_rpc_url"`
	ProgramID   string `yaml:"program_id"`
	IngressPort int    `yaml:"ingress_port"`
}

// Load reads .env (if present), applies an optional YAML overlay at
// overlayPath (if non-empty and present), then decodes environment
// variables into Config. Environment variables always win over the
// overlay, matching envdecode's precedence.
func Load(overlayPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if overlayPath != "" {
		if err := applyOverlay(overlayPath); err != nil {
			return nil, fmt.Errorf("apply config overlay: %w", err)
		}
	}

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}

// applyOverlay sets environment variables from the YAML overlay only when
// they are not already set, so real environment variables still win.
func applyOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var o Overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return err
	}

	setIfAbsent := func(key, val string) error {
		if val == "" {
			return nil
		}
		if _, ok := os.LookupEnv(key); ok {
			return nil
		}
		return os.Setenv(key, val)
	}

	if err := setIfAbsent("VAULTD_STORE_URL", o.StoreURL); err != nil {
		return err
	}
	if err := setIfAbsent("VAULTD_CHAIN_RPC_URL", o.ChainRPCURL); err != nil {
		return err
	}
	if err := setIfAbsent("VAULTD_PROGRAM_ID", o.ProgramID); err != nil {
		return err
	}
	if o.IngressPort != 0 {
		if _, ok := os.LookupEnv("VAULTD_INGRESS_PORT"); !ok {
			if err := os.Setenv("VAULTD_INGRESS_PORT", fmt.Sprintf("%d", o.IngressPort)); err != nil {
				return err
			}
		}
	}
	return nil
}
