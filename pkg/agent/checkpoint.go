package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/querypilot/querypilot/pkg/fault"
)

// Checkpoint captures one succeeded step: enough to resume past it and,
// when a compensating tool was declared, enough to undo it.
type Checkpoint struct {
	AgentID   string    `json:"agent_id"`
	StepIndex int       `json:"step_index"`
	Tool      string    `json:"tool"`
	Output    any       `json:"output,omitempty"`

	// Compensation names the tool that reverses this step; empty means
	// the step cannot be undone. Effect carries the original tool's
	// effect hint so rollback can tell harmless steps from mutating ones.
	Compensation       string         `json:"compensation,omitempty"`
	CompensationParams map[string]any `json:"compensation_params,omitempty"`
	Effect             string         `json:"effect,omitempty"`

	RecordedAt time.Time `json:"recorded_at"`
}

// CheckpointStore persists one blob per (agent, step).
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	// Load returns an agent's checkpoints ordered by step index.
	Load(ctx context.Context, agentID string) ([]Checkpoint, error)
	Delete(ctx context.Context, agentID string) error
}

// MemoryCheckpointStore keeps checkpoints in process, for tests and
// ephemeral agents.
type MemoryCheckpointStore struct {
	mu     sync.Mutex
	agents map[string]map[int]Checkpoint
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{agents: make(map[string]map[int]Checkpoint)}
}

func (s *MemoryCheckpointStore) Save(ctx context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps, ok := s.agents[cp.AgentID]
	if !ok {
		steps = make(map[int]Checkpoint)
		s.agents[cp.AgentID] = steps
	}
	steps[cp.StepIndex] = cp
	return nil
}

func (s *MemoryCheckpointStore) Load(ctx context.Context, agentID string) ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := s.agents[agentID]
	out := make([]Checkpoint, 0, len(steps))
	for _, cp := range steps {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (s *MemoryCheckpointStore) Delete(ctx context.Context, agentID string) error {
	s.mu.Lock()
	delete(s.agents, agentID)
	s.mu.Unlock()
	return nil
}

// FileCheckpointStore writes one JSON file per checkpoint under
// dir/<agent-id>/step-NNNN.json.
type FileCheckpointStore struct {
	dir string
}

func NewFileCheckpointStore(dir string) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fault.Wrap(fault.KindInvalidOperation, "agent", "checkpoint", err)
	}
	return &FileCheckpointStore{dir: dir}, nil
}

func (s *FileCheckpointStore) path(agentID string, step int) string {
	return filepath.Join(s.dir, agentID, fmt.Sprintf("step-%04d.json", step))
}

func (s *FileCheckpointStore) Save(ctx context.Context, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fault.Wrap(fault.KindInvalidParams, "agent", "checkpoint", err)
	}
	path := s.path(cp.AgentID, cp.StepIndex)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fault.Wrap(fault.KindInvalidOperation, "agent", "checkpoint", err)
	}
	// Write-then-rename so a crash never leaves a torn checkpoint.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fault.Wrap(fault.KindInvalidOperation, "agent", "checkpoint", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fault.Wrap(fault.KindInvalidOperation, "agent", "checkpoint", err)
	}
	return nil
}

func (s *FileCheckpointStore) Load(ctx context.Context, agentID string) ([]Checkpoint, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, agentID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidOperation, "agent", "checkpoint", err)
	}
	var out []Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, agentID, entry.Name()))
		if err != nil {
			return nil, fault.Wrap(fault.KindInvalidOperation, "agent", "checkpoint", err)
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return nil, fault.Wrap(fault.KindInvariantViolated, "agent", "checkpoint",
				fmt.Errorf("corrupt checkpoint %s: %w", entry.Name(), err))
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (s *FileCheckpointStore) Delete(ctx context.Context, agentID string) error {
	if err := os.RemoveAll(filepath.Join(s.dir, agentID)); err != nil {
		return fault.Wrap(fault.KindInvalidOperation, "agent", "checkpoint", err)
	}
	return nil
}
