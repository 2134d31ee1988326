// Package audit implements the tamper-evident audit log. Records form a
// hash chain: each record carries the SHA-256 of its predecessor, so any
// in-place edit is detectable by re-walking the chain.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/querypilot/querypilot/pkg/fault"
)

// Record is one audit event. Parameters are never stored raw; only their
// hash is retained.
type Record struct {
	Seq        uint64    `json:"seq"`
	TS         time.Time `json:"ts"`
	Principal  string    `json:"principal"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	ParamsHash string    `json:"params_hash"`
	Outcome    string    `json:"outcome"`
	PrevHash   string    `json:"prev_hash"`
}

// hash computes the chain hash of a record: SHA-256 over its canonical JSON
// encoding, including its own PrevHash so the chain is transitive.
func (r Record) hash() string {
	data, _ := json.Marshal(r)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Entry is the caller-facing shape of an event to append.
type Entry struct {
	Principal string
	Action    string
	Resource  string
	Params    any // hashed, never stored
	Outcome   string
}

// Log is the append-only audit log. Writes are serialized by a single
// mutex (admission order defines the sequence number); reads may proceed
// concurrently against the store.
type Log struct {
	mu       sync.Mutex
	store    Store
	lastSeq  uint64
	lastHash string

	retention int // keep at most this many records; 0 = unlimited
	logger    *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithRetention bounds the number of retained records. Oldest records are
// trimmed from the head; the chain anchor moves with them so verification
// of the retained tail still succeeds.
func WithRetention(maxRecords int) Option {
	return func(l *Log) { l.retention = maxRecords }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// New opens a log over the given store, resuming the chain from the last
// persisted record.
func New(store Store, opts ...Option) (*Log, error) {
	l := &Log{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	last, ok, err := store.Last()
	if err != nil {
		return nil, fmt.Errorf("reading audit tail: %w", err)
	}
	if ok {
		l.lastSeq = last.Seq
		l.lastHash = last.hash()
	} else {
		l.lastHash = store.Anchor()
	}
	return l, nil
}

// Append admits a new record and returns it. The sequence number reflects
// admission order.
func (l *Log) Append(ctx context.Context, e Entry) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{
		Seq:        l.lastSeq + 1,
		TS:         time.Now().UTC(),
		Principal:  e.Principal,
		Action:     e.Action,
		Resource:   e.Resource,
		ParamsHash: HashParams(e.Params),
		Outcome:    e.Outcome,
		PrevHash:   l.lastHash,
	}
	if err := l.store.Append(rec); err != nil {
		return Record{}, fmt.Errorf("appending audit record: %w", err)
	}
	l.lastSeq = rec.Seq
	l.lastHash = rec.hash()

	if l.retention > 0 {
		if err := l.store.TrimHead(l.retention); err != nil {
			l.logger.Warn("audit retention trim failed", "error", err)
		}
	}
	return rec, nil
}

// RecordSecretAccess implements the vault's access hook.
func (l *Log) RecordSecretAccess(ctx context.Context, name, outcome string) {
	if _, err := l.Append(ctx, Entry{
		Principal: "vault",
		Action:    "secret.read",
		Resource:  name,
		Outcome:   outcome,
	}); err != nil {
		l.logger.Error("failed to record secret access", "name", name, "error", err)
	}
}

// VerifyResult describes a chain verification run.
type VerifyResult struct {
	Checked       int
	FirstMismatch int64 // index into the verified slice; -1 when intact
}

// Verify recomputes the chain end to end. It returns the index (within the
// retained records, 0-based) of the first record whose PrevHash does not
// match the recomputed hash of its predecessor, or -1 when the chain is
// intact. A mismatch also surfaces as an AUDIT_CHAIN_MISMATCH error.
func (l *Log) Verify(ctx context.Context) (VerifyResult, error) {
	records, err := l.store.ReadAll()
	if err != nil {
		return VerifyResult{}, fmt.Errorf("reading audit records: %w", err)
	}
	res := VerifyResult{Checked: len(records), FirstMismatch: -1}

	prevHash := l.store.Anchor()
	var prevSeq uint64
	for i, rec := range records {
		if rec.PrevHash != prevHash || (i > 0 && rec.Seq != prevSeq+1) {
			res.FirstMismatch = int64(i)
			return res, fault.New(fault.KindAuditChainMismatch, "audit", "verify",
				fmt.Sprintf("chain mismatch at index %d (seq %d)", i, rec.Seq))
		}
		prevHash = rec.hash()
		prevSeq = rec.Seq
	}
	return res, nil
}

// Query filters a Search. Zero fields match everything.
type Query struct {
	Principal string
	Action    string
	Resource  string
	From      time.Time
	To        time.Time
}

// Search returns matching records in sequence order.
func (l *Log) Search(ctx context.Context, q Query) ([]Record, error) {
	records, err := l.store.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading audit records: %w", err)
	}
	var out []Record
	for _, rec := range records {
		if q.Principal != "" && rec.Principal != q.Principal {
			continue
		}
		if q.Action != "" && rec.Action != q.Action {
			continue
		}
		if q.Resource != "" && rec.Resource != q.Resource {
			continue
		}
		if !q.From.IsZero() && rec.TS.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && rec.TS.After(q.To) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// LastSeq returns the sequence number of the most recent record.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// HashParams produces the hex SHA-256 of the canonical JSON encoding of
// params. nil hashes to the empty string.
func HashParams(params any) string {
	if params == nil {
		return ""
	}
	data, err := json.Marshal(params)
	if err != nil {
		// Unencodable params still need a stable, non-secret digest.
		data = []byte(fmt.Sprintf("%T", params))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
