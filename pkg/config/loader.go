package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/querypilot/querypilot/pkg/fault"
	"github.com/querypilot/querypilot/pkg/mcp"
)

// Load reads the YAML file at path, expands environment references,
// overlays QP_* variables, and validates. A missing file yields the
// defaults (still overlaid and validated).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults apply.
		case err != nil:
			return nil, fault.Wrap(fault.KindInvalidOperation, "config", "load", err).WithResource(path)
		default:
			if err := yaml.Unmarshal(ExpandEnv(data), &cfg); err != nil {
				return nil, fault.Wrap(fault.KindInvalidParams, "config", "load", err).WithResource(path)
			}
		}
	}

	cfg.applyEnv()

	for i := range cfg.Connections {
		applyPoolDefaults(&cfg.Connections[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyPoolDefaults(desc *mcp.Descriptor) {
	defaults := mcp.DefaultPoolConfig()
	if desc.Pool.MinSize <= 0 {
		desc.Pool.MinSize = defaults.MinSize
	}
	if desc.Pool.MaxSize <= 0 {
		desc.Pool.MaxSize = defaults.MaxSize
	}
	if desc.Pool.AcquireTimeout == 0 {
		desc.Pool.AcquireTimeout = defaults.AcquireTimeout
	}
	if desc.Pool.IdleTimeout == 0 {
		desc.Pool.IdleTimeout = defaults.IdleTimeout
	}
	if desc.Pool.ProbeInterval == 0 {
		desc.Pool.ProbeInterval = defaults.ProbeInterval
	}
}
