package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querypilot/querypilot/pkg/fault"
	"github.com/querypilot/querypilot/pkg/mcp"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "moderate", cfg.Safety.Level)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "QP_VAULT_PASSPHRASE", cfg.Vault.PassphraseEnv)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		msg    string
	}{
		{
			name:   "unknown safety level",
			mutate: func(c *Config) { c.Safety.Level = "paranoid" },
			msg:    "unknown safety level",
		},
		{
			name:   "zero retry attempts",
			mutate: func(c *Config) { c.Retry.MaxAttempts = 0 },
			msg:    "retry.max_attempts",
		},
		{
			name:   "shrinking backoff factor",
			mutate: func(c *Config) { c.Retry.Factor = 0.5 },
			msg:    "retry.factor",
		},
		{
			name:   "no workers",
			mutate: func(c *Config) { c.Agent.Workers = 0 },
			msg:    "agent.workers",
		},
		{
			name:   "missing passphrase env",
			mutate: func(c *Config) { c.Vault.PassphraseEnv = "" },
			msg:    "vault.passphrase_env",
		},
		{
			name: "redis cache without address",
			mutate: func(c *Config) {
				c.Cache.Redis = true
				c.Redis.Addr = ""
			},
			msg: "redis.addr",
		},
		{
			name: "nameless connection",
			mutate: func(c *Config) {
				c.Connections = append(c.Connections, connDescriptor(""))
			},
			msg: "without a name",
		},
		{
			name: "duplicate connection",
			mutate: func(c *Config) {
				c.Connections = append(c.Connections, connDescriptor("dup"), connDescriptor("dup"))
			},
			msg: "duplicate connection",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, fault.KindInvalidParams, fault.KindOf(err))
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestPassphraseFromEnv(t *testing.T) {
	v := VaultConfig{PassphraseEnv: "QP_TEST_PASSPHRASE"}

	_, err := v.Passphrase()
	require.Error(t, err)
	assert.Equal(t, fault.KindAuthFailed, fault.KindOf(err))

	t.Setenv("QP_TEST_PASSPHRASE", "hunter2")
	got, err := v.Passphrase()
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), got)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Safety.Level, cfg.Safety.Level)
	assert.Empty(t, cfg.Connections)
}

func TestLoadFileWithExpansionAndPoolDefaults(t *testing.T) {
	t.Setenv("ORDERS_HOST", "db.internal")

	path := filepath.Join(t.TempDir(), "querypilot.yaml")
	body := `
safety:
  level: strict
  approval_timeout: 30s
redis:
  addr: localhost:6379
cache:
  redis: true
connections:
  - name: orders-dev
    kind: relational-postgres
    host: "{{.ORDERS_HOST}}"
    port: 5432
    database: orders
    credentials_ref: orders-dev
    pool:
      max_size: 12
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "strict", cfg.Safety.Level)
	assert.Equal(t, 30*time.Second, cfg.Safety.ApprovalTimeout)

	require.Len(t, cfg.Connections, 1)
	conn := cfg.Connections[0]
	assert.Equal(t, "db.internal", conn.Host)
	assert.Equal(t, 12, conn.Pool.MaxSize)
	// Unset pool fields fill in from defaults.
	assert.Greater(t, conn.Pool.MinSize, 0)
	assert.Greater(t, conn.Pool.AcquireTimeout, time.Duration(0))
	assert.Greater(t, conn.Pool.ProbeInterval, time.Duration(0))
}

func TestLoadEnvOverlayWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "querypilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("safety:\n  level: permissive\n"), 0o600))

	t.Setenv("QP_SAFETY_LEVEL", "strict")
	t.Setenv("QP_AGENT_WORKERS", "8")
	t.Setenv("QP_RETRY_MAX_ATTEMPTS", "5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "strict", cfg.Safety.Level)
	assert.Equal(t, 8, cfg.Agent.Workers)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "querypilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("safety: [not: a mapping\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidParams, fault.KindOf(err))
}

func TestLoadInvalidFileRejectedByValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "querypilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("safety:\n  level: reckless\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	var f *fault.Error
	require.True(t, errors.As(err, &f))
	assert.Equal(t, fault.KindInvalidParams, f.Kind)
}

func connDescriptor(name string) mcp.Descriptor {
	return mcp.Descriptor{
		Name:           name,
		Kind:           mcp.KindPostgres,
		Host:           "localhost",
		Port:           5432,
		Database:       "app",
		CredentialsRef: name,
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("QP_TEST_EXPAND", "expanded")

	t.Run("substitutes known variables", func(t *testing.T) {
		got := ExpandEnv([]byte("value: {{.QP_TEST_EXPAND}}"))
		assert.Equal(t, "value: expanded", string(got))
	})

	t.Run("missing variables expand to empty", func(t *testing.T) {
		got := ExpandEnv([]byte("value: '{{.QP_TEST_NO_SUCH_VAR}}'"))
		assert.Equal(t, "value: ''", string(got))
	})

	t.Run("dollar signs survive", func(t *testing.T) {
		in := []byte("password: pa$$word\nquery: SELECT * FROM t WHERE id = $1")
		assert.Equal(t, in, ExpandEnv(in))
	})

	t.Run("malformed template passes through", func(t *testing.T) {
		in := []byte("value: {{.unterminated")
		assert.Equal(t, in, ExpandEnv(in))
	})
}
