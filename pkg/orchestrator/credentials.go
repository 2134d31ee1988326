package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/querypilot/querypilot/pkg/fault"
	"github.com/querypilot/querypilot/pkg/mcp"
	"github.com/querypilot/querypilot/pkg/vault"
)

// storedCredentials is the sealed wire form under a credentials_ref.
type storedCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// vaultCredentials resolves descriptor credential references against the
// vault at dial time. Each resolve is one recorded secret access.
type vaultCredentials struct {
	v *vault.Vault
}

func (c *vaultCredentials) Resolve(ctx context.Context, ref string) (mcp.Credentials, error) {
	blob, err := c.v.Get(ctx, ref)
	if err != nil {
		return mcp.Credentials{}, err
	}
	var stored storedCredentials
	if err := json.Unmarshal(blob, &stored); err != nil {
		return mcp.Credentials{}, fault.Wrap(fault.KindDecryptFailure, "orchestrator", "credentials",
			fmt.Errorf("malformed credential entry %q: %w", ref, err))
	}
	return mcp.Credentials{Username: stored.Username, Password: stored.Password}, nil
}

// secretLiterals extracts the maskable strings from one vault entry.
// Structured entries contribute their password; opaque entries are
// masked whole.
func secretLiterals(value []byte) []string {
	var stored storedCredentials
	if err := json.Unmarshal(value, &stored); err == nil && stored.Password != "" {
		return []string{stored.Password}
	}
	if len(value) > 0 {
		return []string{string(value)}
	}
	return nil
}
