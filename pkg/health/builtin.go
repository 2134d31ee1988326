package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Pinger probes a named connection; *mcp.Manager satisfies it.
type Pinger interface {
	Ping(ctx context.Context, name string) (time.Duration, error)
}

// ConnectionCheck reports a pool's reachability. Slow but successful pings
// degrade rather than fail.
func ConnectionCheck(p Pinger, connection string, slow time.Duration) CheckFunc {
	return func(ctx context.Context) (Status, string) {
		latency, err := p.Ping(ctx, connection)
		if err != nil {
			return StatusFail, err.Error()
		}
		if slow > 0 && latency > slow {
			return StatusDegraded, fmt.Sprintf("ping took %s", latency)
		}
		return StatusOK, ""
	}
}

// Lister is the secret-store slice the vault check needs.
type Lister interface {
	List(ctx context.Context) []string
}

// VaultCheck verifies the vault answers at all.
func VaultCheck(v Lister) CheckFunc {
	return func(ctx context.Context) (Status, string) {
		names := v.List(ctx)
		return StatusOK, fmt.Sprintf("%d entries", len(names))
	}
}

// WritableDirCheck verifies the process can create files where it must
// persist state (audit log, checkpoints).
func WritableDirCheck(dir string) CheckFunc {
	return func(ctx context.Context) (Status, string) {
		f, err := os.CreateTemp(dir, ".healthprobe-*")
		if err != nil {
			return StatusFail, err.Error()
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		return StatusOK, filepath.Clean(dir)
	}
}

// MemoryCheck degrades when the heap grows past soft, fails past hard.
// Zero thresholds disable the respective bound.
func MemoryCheck(soft, hard uint64) CheckFunc {
	return func(ctx context.Context) (Status, string) {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		msg := fmt.Sprintf("heap %d bytes", stats.HeapAlloc)
		if hard > 0 && stats.HeapAlloc > hard {
			return StatusFail, msg
		}
		if soft > 0 && stats.HeapAlloc > soft {
			return StatusDegraded, msg
		}
		return StatusOK, msg
	}
}
