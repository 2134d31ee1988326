package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// header is the versioned store header persisted alongside the entries.
type header struct {
	Version int       `json:"version"`
	KDF     string    `json:"kdf"`
	Cipher  string    `json:"cipher"`
	Salt    []byte    `json:"salt"`
	Params  kdfParams `json:"params"`
}

// sealedEntry is one encrypted value.
type sealedEntry struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// StoreState is the full persisted vault content.
type StoreState struct {
	Header  header                 `json:"header"`
	Entries map[string]sealedEntry `json:"entries"`
}

// Store persists the sealed vault content. Load returns nil state when
// nothing was saved yet.
type Store interface {
	Load() (*StoreState, error)
	Save(state *StoreState) error
}

// FileStore keeps the vault in a single JSON file, written atomically via a
// temp file and rename. The file is created with 0600.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the store file. A missing file is not an error.
func (s *FileStore) Load() (*StoreState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading vault file: %w", err)
	}
	var state StoreState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing vault file: %w", err)
	}
	if state.Entries == nil {
		state.Entries = make(map[string]sealedEntry)
	}
	return &state, nil
}

// Save writes the store file atomically.
func (s *FileStore) Save(state *StoreState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding vault state: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".vault-*")
	if err != nil {
		return fmt.Errorf("creating temp vault file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting vault file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing vault file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing vault file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing vault file: %w", err)
	}
	return nil
}

// MemoryStore is an in-process store for tests and ephemeral vaults.
type MemoryStore struct {
	state *StoreState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Load returns the saved state, nil if never saved.
func (s *MemoryStore) Load() (*StoreState, error) {
	if s.state == nil {
		return nil, nil
	}
	return s.state, nil
}

// Save retains the state.
func (s *MemoryStore) Save(state *StoreState) error {
	cp := *state
	cp.Entries = make(map[string]sealedEntry, len(state.Entries))
	for k, v := range state.Entries {
		cp.Entries[k] = v
	}
	s.state = &cp
	return nil
}
