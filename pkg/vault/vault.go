// Package vault implements the encrypted credential store. Values are
// sealed with ChaCha20-Poly1305 under a key derived from the master
// passphrase via Argon2id; every entry carries its own random nonce.
package vault

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/querypilot/querypilot/pkg/fault"
)

var (
	// ErrMasterKeyUnavailable indicates the vault has no usable master key.
	ErrMasterKeyUnavailable = errors.New("master key unavailable")

	// ErrDecryptFailure indicates tampering or corruption of a sealed value.
	ErrDecryptFailure = errors.New("decrypt failure")

	// ErrNotFound indicates the named secret does not exist.
	ErrNotFound = errors.New("secret not found")
)

// KDF parameters for Argon2id. Fixed at creation time and recorded in the
// store header so old stores remain readable after tuning changes.
type kdfParams struct {
	Time    uint32 `json:"time"`
	MemoryK uint32 `json:"memory_kib"`
	Threads uint8  `json:"threads"`
}

var defaultKDFParams = kdfParams{Time: 3, MemoryK: 64 * 1024, Threads: 4}

// AccessRecorder receives a record for every secret read. Implemented by
// the audit log; nil disables recording.
type AccessRecorder interface {
	RecordSecretAccess(ctx context.Context, name, outcome string)
}

// Vault is the encrypted credential store. All cryptographic operations are
// serialized; callers may share one Vault across goroutines.
type Vault struct {
	mu       sync.Mutex
	key      []byte // derived master key; nil until Open
	store    Store
	header   header
	entries  map[string]sealedEntry
	recorder AccessRecorder
	logger   *slog.Logger
}

// Option configures a Vault.
type Option func(*Vault)

// WithAccessRecorder wires the audit hook invoked on every Get.
func WithAccessRecorder(r AccessRecorder) Option {
	return func(v *Vault) { v.recorder = r }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) { v.logger = l }
}

// Open loads (or initializes) the vault from the store and derives the
// master key from the passphrase. An empty passphrase fails with
// MASTER_KEY_UNAVAILABLE.
func Open(store Store, passphrase []byte, opts ...Option) (*Vault, error) {
	v := &Vault{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	if len(passphrase) == 0 {
		return nil, fault.Wrap(fault.KindDecryptFailure, "vault", "open", ErrMasterKeyUnavailable)
	}

	loaded, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading vault store: %w", err)
	}
	if loaded == nil {
		// Fresh store: generate a salt and a verifier entry.
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generating salt: %w", err)
		}
		v.header = header{Version: 1, KDF: "argon2id", Cipher: "chacha20poly1305", Salt: salt, Params: defaultKDFParams}
		v.entries = make(map[string]sealedEntry)
		v.key = deriveKey(passphrase, v.header)
		zero(passphrase)
		if err := v.sealVerifier(); err != nil {
			return nil, err
		}
		if err := v.persistLocked(); err != nil {
			return nil, err
		}
		return v, nil
	}

	v.header = loaded.Header
	v.entries = loaded.Entries
	v.key = deriveKey(passphrase, v.header)
	zero(passphrase)

	// The verifier entry proves the passphrase before any real Get.
	if err := v.checkVerifier(); err != nil {
		zero(v.key)
		v.key = nil
		return nil, err
	}
	return v, nil
}

// Put seals and stores a secret, replacing any existing value of the same
// name. The plaintext argument is zeroed before return.
func (v *Vault) Put(ctx context.Context, name string, value []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return fault.Wrap(fault.KindDecryptFailure, "vault", "put", ErrMasterKeyUnavailable)
	}
	entry, err := v.sealLocked(name, value)
	zero(value)
	if err != nil {
		return err
	}
	v.entries[name] = entry
	return v.persistLocked()
}

// Get opens and returns the named secret. The caller owns the returned
// slice and should zero it when done (see Zero). Every call emits an access
// record, including failures.
func (v *Vault) Get(ctx context.Context, name string) ([]byte, error) {
	v.mu.Lock()
	plaintext, err := v.getLocked(name)
	v.mu.Unlock()

	if v.recorder != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		v.recorder.RecordSecretAccess(ctx, name, outcome)
	}
	return plaintext, err
}

func (v *Vault) getLocked(name string) ([]byte, error) {
	if v.key == nil {
		return nil, fault.Wrap(fault.KindDecryptFailure, "vault", "get", ErrMasterKeyUnavailable)
	}
	entry, ok := v.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	plaintext, err := v.openLocked(name, entry)
	if err != nil {
		return nil, fault.Wrap(fault.KindDecryptFailure, "vault", "get", err).WithResource(name)
	}
	return plaintext, nil
}

// Delete removes the named secret. Deleting an absent name is a no-op.
func (v *Vault) Delete(ctx context.Context, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.entries[name]; !ok {
		return nil
	}
	delete(v.entries, name)
	return v.persistLocked()
}

// List returns the stored secret names in sorted order.
func (v *Vault) List(ctx context.Context) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	names := make([]string, 0, len(v.entries))
	for name := range v.entries {
		if name == verifierName {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Known decrypts every secret and hands the values to fn one at a time,
// zeroing each after the call. The redaction engine uses this to build its
// dynamic literal set without long-lived plaintext copies.
func (v *Vault) Known(ctx context.Context, fn func(value []byte)) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for name, entry := range v.entries {
		if name == verifierName {
			continue
		}
		plaintext, err := v.openLocked(name, entry)
		if err != nil {
			return fault.Wrap(fault.KindDecryptFailure, "vault", "known", err).WithResource(name)
		}
		fn(plaintext)
		zero(plaintext)
	}
	return nil
}

// Rekey re-encrypts every entry under a key derived from the new
// passphrase. Atomic: either all entries move or none do.
func (v *Vault) Rekey(ctx context.Context, newPassphrase []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return fault.Wrap(fault.KindDecryptFailure, "vault", "rekey", ErrMasterKeyUnavailable)
	}
	if len(newPassphrase) == 0 {
		return fault.Wrap(fault.KindDecryptFailure, "vault", "rekey", ErrMasterKeyUnavailable)
	}

	newSalt := make([]byte, 16)
	if _, err := rand.Read(newSalt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	newHeader := v.header
	newHeader.Salt = newSalt
	newKey := deriveKey(newPassphrase, newHeader)
	zero(newPassphrase)

	reencrypted := make(map[string]sealedEntry, len(v.entries))
	for name, entry := range v.entries {
		plaintext, err := v.openLocked(name, entry)
		if err != nil {
			zero(newKey)
			return fault.Wrap(fault.KindDecryptFailure, "vault", "rekey", err).WithResource(name)
		}
		sealed, err := seal(newKey, name, plaintext)
		zero(plaintext)
		if err != nil {
			zero(newKey)
			return err
		}
		reencrypted[name] = sealed
	}

	zero(v.key)
	v.key = newKey
	v.header = newHeader
	v.entries = reencrypted
	return v.persistLocked()
}

// Close zeroes the master key. The vault is unusable afterwards.
func (v *Vault) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	zero(v.key)
	v.key = nil
}

// --- sealing ---

// verifierName is a reserved entry used to verify the passphrase at Open.
const verifierName = "__vault_verifier__"

func (v *Vault) sealVerifier() error {
	entry, err := v.sealLocked(verifierName, []byte("querypilot-vault-v1"))
	if err != nil {
		return err
	}
	v.entries[verifierName] = entry
	return nil
}

func (v *Vault) checkVerifier() error {
	entry, ok := v.entries[verifierName]
	if !ok {
		return fault.New(fault.KindDecryptFailure, "vault", "open", "store missing verifier entry")
	}
	plaintext, err := v.openLocked(verifierName, entry)
	if err != nil {
		return fault.Wrap(fault.KindDecryptFailure, "vault", "open", ErrDecryptFailure)
	}
	zero(plaintext)
	return nil
}

func (v *Vault) sealLocked(name string, plaintext []byte) (sealedEntry, error) {
	return seal(v.key, name, plaintext)
}

func (v *Vault) openLocked(name string, entry sealedEntry) ([]byte, error) {
	aead, err := chacha20poly1305.New(v.key)
	if err != nil {
		return nil, err
	}
	// The entry name is bound as additional data so entries cannot be
	// swapped between names without detection.
	plaintext, err := aead.Open(nil, entry.Nonce, entry.Ciphertext, []byte(name))
	if err != nil {
		return nil, ErrDecryptFailure
	}
	return plaintext, nil
}

func seal(key []byte, name string, plaintext []byte) (sealedEntry, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return sealedEntry{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return sealedEntry{}, fmt.Errorf("generating nonce: %w", err)
	}
	return sealedEntry{
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, []byte(name)),
	}, nil
}

func (v *Vault) persistLocked() error {
	return v.store.Save(&StoreState{Header: v.header, Entries: v.entries})
}

func deriveKey(passphrase []byte, h header) []byte {
	p := h.Params
	return argon2.IDKey(passphrase, h.Salt, p.Time, p.MemoryK, p.Threads, chacha20poly1305.KeySize)
}

// Zero overwrites b. Use on plaintext returned by Get once it is no longer
// needed.
func Zero(b []byte) { zero(b) }

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
