// Package config loads and validates the querypilot configuration: a YAML
// file with environment expansion, overlaid by QP_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/querypilot/querypilot/pkg/fault"
	"github.com/querypilot/querypilot/pkg/mcp"
)

// Config is the complete runtime configuration.
type Config struct {
	Vault  VaultConfig  `yaml:"vault"`
	Audit  AuditConfig  `yaml:"audit"`
	Safety SafetyConfig `yaml:"safety"`
	Retry  RetryConfig  `yaml:"retry"`
	Cache  CacheConfig  `yaml:"cache"`
	Agent  AgentConfig  `yaml:"agent"`
	Redis  RedisConfig  `yaml:"redis"`

	// Connections declared up front; more can be added at runtime.
	Connections []mcp.Descriptor `yaml:"connections,omitempty"`
}

// VaultConfig locates the credential store. The passphrase itself only
// ever travels through the named environment variable.
type VaultConfig struct {
	Path          string `yaml:"path"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// Passphrase reads the vault passphrase from the configured variable.
func (v VaultConfig) Passphrase() ([]byte, error) {
	val := os.Getenv(v.PassphraseEnv)
	if val == "" {
		return nil, fault.New(fault.KindAuthFailed, "config", "vault",
			fmt.Sprintf("environment variable %s is not set", v.PassphraseEnv))
	}
	return []byte(val), nil
}

type AuditConfig struct {
	Path string `yaml:"path"`
	// MaxRecords triggers retention trimming; zero keeps everything.
	MaxRecords int `yaml:"max_records,omitempty"`
}

type SafetyConfig struct {
	Level           string        `yaml:"level"`
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
	RateLimit       int           `yaml:"rate_limit,omitempty"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Factor      float64       `yaml:"factor"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

type CacheConfig struct {
	MaxBytes      int64         `yaml:"max_bytes"`
	CompressAbove int           `yaml:"compress_above"`
	TTL           time.Duration `yaml:"ttl"`
	// Redis enables the external tier using the top-level redis block.
	Redis bool `yaml:"redis,omitempty"`
}

type AgentConfig struct {
	Workers       int    `yaml:"workers"`
	QueueCapacity int    `yaml:"queue_capacity"`
	CheckpointDir string `yaml:"checkpoint_dir"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password_env,omitempty"` // name of the env var, never the value
	DB       int    `yaml:"db,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Vault: VaultConfig{
			Path:          "data/vault.json",
			PassphraseEnv: "QP_VAULT_PASSPHRASE",
		},
		Audit: AuditConfig{Path: "data/audit.ndjson"},
		Safety: SafetyConfig{
			Level:           "moderate",
			ApprovalTimeout: 5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			Factor:      2.0,
			MaxDelay:    5 * time.Second,
			Jitter:      0.2,
		},
		Cache: CacheConfig{
			MaxBytes:      64 << 20,
			CompressAbove: 4 << 10,
			TTL:           5 * time.Minute,
		},
		Agent: AgentConfig{
			Workers:       4,
			QueueCapacity: 256,
			CheckpointDir: "data/checkpoints",
		},
	}
}

// Validate rejects configurations that cannot possibly run.
func (c *Config) Validate() error {
	switch c.Safety.Level {
	case "strict", "moderate", "permissive":
	default:
		return fault.New(fault.KindInvalidParams, "config", "validate",
			fmt.Sprintf("unknown safety level %q", c.Safety.Level))
	}
	if c.Retry.MaxAttempts < 1 {
		return fault.New(fault.KindInvalidParams, "config", "validate",
			"retry.max_attempts must be at least 1")
	}
	if c.Retry.Factor < 1 {
		return fault.New(fault.KindInvalidParams, "config", "validate",
			"retry.factor must be at least 1")
	}
	if c.Agent.Workers < 1 {
		return fault.New(fault.KindInvalidParams, "config", "validate",
			"agent.workers must be at least 1")
	}
	if c.Vault.PassphraseEnv == "" {
		return fault.New(fault.KindInvalidParams, "config", "validate",
			"vault.passphrase_env is required")
	}
	if c.Cache.Redis && c.Redis.Addr == "" {
		return fault.New(fault.KindInvalidParams, "config", "validate",
			"cache.redis requires redis.addr")
	}
	seen := make(map[string]bool, len(c.Connections))
	for _, desc := range c.Connections {
		if desc.Name == "" {
			return fault.New(fault.KindInvalidParams, "config", "validate",
				"connection without a name")
		}
		if seen[desc.Name] {
			return fault.New(fault.KindInvalidParams, "config", "validate",
				fmt.Sprintf("duplicate connection %q", desc.Name)).WithResource(desc.Name)
		}
		seen[desc.Name] = true
	}
	return nil
}

// applyEnv overlays QP_* environment variables onto the loaded file.
func (c *Config) applyEnv() {
	if v := os.Getenv("QP_SAFETY_LEVEL"); v != "" {
		c.Safety.Level = v
	}
	if v := os.Getenv("QP_AUDIT_PATH"); v != "" {
		c.Audit.Path = v
	}
	if v := os.Getenv("QP_VAULT_PATH"); v != "" {
		c.Vault.Path = v
	}
	if v := os.Getenv("QP_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("QP_AGENT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Agent.Workers = n
		}
	}
	if v := os.Getenv("QP_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("QP_CHECKPOINT_DIR"); v != "" {
		c.Agent.CheckpointDir = v
	}
}
