package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store persists audit records in sequence order. Implementations must keep
// ReadAll safe against a concurrent Append.
type Store interface {
	Append(rec Record) error
	ReadAll() ([]Record, error)
	Last() (Record, bool, error)

	// Anchor returns the expected PrevHash of the first retained record:
	// the empty string for a virgin log, or the hash of the last trimmed
	// record after retention kicked in.
	Anchor() string

	// TrimHead drops oldest records so at most keep remain, moving the
	// anchor to the hash of the last dropped record.
	TrimHead(keep int) error
}

// MemoryStore is an in-process store for tests and ephemeral deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	anchor  string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryStore) ReadAll() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out, nil
}

func (s *MemoryStore) Last() (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return Record{}, false, nil
	}
	return s.records[len(s.records)-1], true, nil
}

func (s *MemoryStore) Anchor() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.anchor
}

func (s *MemoryStore) TrimHead(keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keep <= 0 || len(s.records) <= keep {
		return nil
	}
	drop := len(s.records) - keep
	s.anchor = s.records[drop-1].hash()
	s.records = append([]Record(nil), s.records[drop:]...)
	return nil
}

// Tamper overwrites a record in place. Test hook for chain verification;
// the Log itself never edits records.
func (s *MemoryStore) Tamper(index int, mutate func(*Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.records[index])
}

// FileStore persists records as newline-delimited JSON, one record per
// line. A leading anchor line ("!anchor <hex>") survives retention trims.
type FileStore struct {
	mu   sync.RWMutex
	path string
}

const anchorPrefix = "!anchor "

// NewFileStore creates a store at path. The file is created on first
// append.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding audit record: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening audit file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit record: %w", err)
	}
	return f.Sync()
}

func (s *FileStore) ReadAll() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records, _, err := s.read()
	return records, err
}

func (s *FileStore) Last() (Record, bool, error) {
	records, _, err := s.read()
	if err != nil || len(records) == 0 {
		return Record{}, false, err
	}
	return records[len(records)-1], true, nil
}

func (s *FileStore) Anchor() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, anchor, err := s.read()
	if err != nil {
		return ""
	}
	return anchor
}

func (s *FileStore) TrimHead(keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, anchor, err := s.read()
	if err != nil {
		return err
	}
	if keep <= 0 || len(records) <= keep {
		return nil
	}
	drop := len(records) - keep
	anchor = records[drop-1].hash()
	records = records[drop:]

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".audit-*")
	if err != nil {
		return fmt.Errorf("creating temp audit file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	fmt.Fprintf(w, "%s%s\n", anchorPrefix, anchor)
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("encoding audit record: %w", err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// read parses the whole file. Missing file means an empty log.
func (s *FileStore) read() ([]Record, string, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("opening audit file: %w", err)
	}
	defer f.Close()

	var records []Record
	var anchor string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if after, ok := strings.CutPrefix(line, anchorPrefix); ok {
			anchor = after
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, "", fmt.Errorf("parsing audit record: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, "", fmt.Errorf("scanning audit file: %w", err)
	}
	return records, anchor, nil
}
