package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querypilot/querypilot/pkg/async"
	"github.com/querypilot/querypilot/pkg/audit"
	"github.com/querypilot/querypilot/pkg/fault"
	"github.com/querypilot/querypilot/pkg/safety"
	"github.com/querypilot/querypilot/pkg/tools"
)

var anySchema = json.RawMessage(`{"type": "object"}`)

// toolSpec declares one fake tool for tests.
type toolSpec struct {
	name         string
	effect       string
	compensation string
	risk         safety.Risk
	handler      tools.Handler
}

func buildRegistry(t *testing.T, ctl *safety.Controller, specs ...toolSpec) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(ctl, nil, nil)
	for _, s := range specs {
		handler := s.handler
		if handler == nil {
			handler = func(ctx context.Context, params map[string]any) (any, error) {
				return map[string]any{"ok": true}, nil
			}
		}
		require.NoError(t, r.Register(tools.Descriptor{
			Name:         s.name,
			Description:  "test tool",
			ParamsSchema: anySchema,
			Effect:       s.effect,
			Compensation: s.compensation,
			Risk:         s.risk,
		}, handler))
	}
	return r
}

func staticPlanner(plan Plan) Planner {
	return PlannerFunc(func(ctx context.Context, task Task, available []tools.Summary) (Plan, error) {
		return plan, nil
	})
}

func testTask() Task {
	return Task{ID: "agent-1", Goal: "do the thing", Principal: "alice", Capabilities: []string{"*"}}
}

// collectStates subscribes to agent.state and returns the observed
// transitions once the agent is done.
func collectStates(bus *async.Bus) func() []State {
	var mu sync.Mutex
	var states []State
	bus.Subscribe(async.TopicAgentState, func(msg async.Message) {
		change, ok := msg.Payload.(StateChange)
		if !ok {
			return
		}
		mu.Lock()
		states = append(states, change.To)
		mu.Unlock()
	})
	return func() []State {
		mu.Lock()
		defer mu.Unlock()
		out := make([]State, len(states))
		copy(out, states)
		return out
	}
}

func TestAgentHappyPath(t *testing.T) {
	bus := async.NewBus(nil)
	states := collectStates(bus)
	registry := buildRegistry(t, nil,
		toolSpec{name: "step_one"},
		toolSpec{name: "step_two"},
	)

	a, err := New(testTask(), Deps{
		Planner: staticPlanner(Plan{Steps: []PlanStep{
			{Tool: "step_one"},
			{Tool: "step_two"},
		}}),
		Registry: registry,
		Bus:      bus,
	})
	require.NoError(t, err)

	require.NoError(t, a.Run(context.Background()))

	snap := a.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	require.Len(t, snap.Steps, 2)
	for _, step := range snap.Steps {
		assert.Equal(t, StepSucceeded, step.Status)
		assert.NotNil(t, step.Output)
	}
	bus.Close() // flush queued events
	assert.Equal(t, []State{
		StatePlanning, StateExecuting,
		StateCheckpointed, StateExecuting,
		StateCheckpointed, StateCompleted,
	}, states())
}

func TestAgentPlanValidationFails(t *testing.T) {
	registry := buildRegistry(t, nil, toolSpec{name: "known"})

	a, err := New(testTask(), Deps{
		Planner:  staticPlanner(Plan{Steps: []PlanStep{{Tool: "ghost"}}}),
		Registry: registry,
	})
	require.NoError(t, err)

	err = a.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidParams, fault.KindOf(err))
	assert.Equal(t, StateFailed, a.Snapshot().State)
}

func TestAgentEmptyPlanRejected(t *testing.T) {
	registry := buildRegistry(t, nil, toolSpec{name: "known"})
	a, err := New(testTask(), Deps{
		Planner:  staticPlanner(Plan{}),
		Registry: registry,
	})
	require.NoError(t, err)

	require.Error(t, a.Run(context.Background()))
	assert.Equal(t, StateFailed, a.Snapshot().State)
}

func TestAgentAbortOnFailure(t *testing.T) {
	registry := buildRegistry(t, nil,
		toolSpec{name: "works"},
		toolSpec{name: "breaks", handler: func(ctx context.Context, params map[string]any) (any, error) {
			return nil, fault.New(fault.KindQueryFailed, "test", "run", "boom")
		}},
		toolSpec{name: "never_runs"},
	)

	a, err := New(testTask(), Deps{
		Planner: staticPlanner(Plan{Steps: []PlanStep{
			{Tool: "works"},
			{Tool: "breaks"},
			{Tool: "never_runs"},
		}}),
		Registry: registry,
	})
	require.NoError(t, err)

	require.Error(t, a.Run(context.Background()))
	snap := a.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, StepSucceeded, snap.Steps[0].Status)
	assert.Equal(t, StepFailed, snap.Steps[1].Status)
	assert.Equal(t, StepPending, snap.Steps[2].Status)
}

func TestAgentSkipPolicyContinues(t *testing.T) {
	registry := buildRegistry(t, nil,
		toolSpec{name: "breaks", handler: func(ctx context.Context, params map[string]any) (any, error) {
			return nil, fault.New(fault.KindQueryFailed, "test", "run", "boom")
		}},
		toolSpec{name: "works"},
	)

	a, err := New(testTask(), Deps{
		Planner: staticPlanner(Plan{Steps: []PlanStep{
			{Tool: "breaks", OnFailure: FailSkip},
			{Tool: "works"},
		}}),
		Registry: registry,
	})
	require.NoError(t, err)

	require.NoError(t, a.Run(context.Background()))
	snap := a.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, StepSkipped, snap.Steps[0].Status)
	assert.Equal(t, StepSucceeded, snap.Steps[1].Status)
}

func TestAgentRetryPolicyEventuallySucceeds(t *testing.T) {
	var calls int
	var mu sync.Mutex
	registry := buildRegistry(t, nil,
		toolSpec{name: "flaky", handler: func(ctx context.Context, params map[string]any) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 3 {
				return nil, fault.New(fault.KindConnectionFailed, "test", "run", "transient")
			}
			return map[string]any{"ok": true}, nil
		}},
	)

	a, err := New(testTask(), Deps{
		Planner: staticPlanner(Plan{Steps: []PlanStep{
			{Tool: "flaky", OnFailure: FailRetry, MaxRetries: 2},
		}}),
		Registry: registry,
	})
	require.NoError(t, err)

	require.NoError(t, a.Run(context.Background()))
	snap := a.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, 3, snap.Steps[0].Attempts)
}

func TestAgentRollbackScenario(t *testing.T) {
	// Backup is additive with no compensation; the migration declares
	// one; the smoke test fails with a rollback policy. The migration
	// must be compensated and the backup retained.
	var compensated []map[string]any
	var mu sync.Mutex
	registry := buildRegistry(t, nil,
		toolSpec{name: "create_backup", effect: "additive"},
		toolSpec{name: "run_migration", effect: "mutating", compensation: "revert_migration"},
		toolSpec{name: "revert_migration", handler: func(ctx context.Context, params map[string]any) (any, error) {
			mu.Lock()
			compensated = append(compensated, params)
			mu.Unlock()
			return map[string]any{"reverted": true}, nil
		}},
		toolSpec{name: "run_smoke_test", handler: func(ctx context.Context, params map[string]any) (any, error) {
			return nil, fault.New(fault.KindQueryFailed, "test", "run", "smoke test failed")
		}},
	)

	bus := async.NewBus(nil)
	states := collectStates(bus)

	a, err := New(testTask(), Deps{
		Planner: staticPlanner(Plan{Steps: []PlanStep{
			{Tool: "create_backup", Params: map[string]any{"target": "orders"}},
			{Tool: "run_migration", Params: map[string]any{"version": "42"}},
			{Tool: "run_smoke_test", OnFailure: FailRollback},
		}}),
		Registry: registry,
		Bus:      bus,
	})
	require.NoError(t, err)

	err = a.Run(context.Background())
	require.Error(t, err)

	snap := a.Snapshot()
	assert.Equal(t, StateRolledBack, snap.State)
	assert.Equal(t, StepSucceeded, snap.Steps[0].Status) // retained
	assert.Equal(t, StepRolledBack, snap.Steps[1].Status)
	assert.Equal(t, StepFailed, snap.Steps[2].Status)

	// The compensating tool saw the original migration parameters.
	mu.Lock()
	require.Len(t, compensated, 1)
	assert.Equal(t, "42", compensated[0]["version"])
	mu.Unlock()

	bus.Close()
	observed := states()
	assert.Equal(t, StatePlanning, observed[0])
	assert.Equal(t, StateRolledBack, observed[len(observed)-1])
}

func TestAgentRollbackFailsFastOnNonReversibleMutation(t *testing.T) {
	registry := buildRegistry(t, nil,
		toolSpec{name: "mutate", effect: "mutating"}, // no compensation
		toolSpec{name: "breaks", handler: func(ctx context.Context, params map[string]any) (any, error) {
			return nil, fault.New(fault.KindQueryFailed, "test", "run", "boom")
		}},
	)

	a, err := New(testTask(), Deps{
		Planner: staticPlanner(Plan{Steps: []PlanStep{
			{Tool: "mutate"},
			{Tool: "breaks", OnFailure: FailRollback},
		}}),
		Registry: registry,
	})
	require.NoError(t, err)

	err = a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no compensating action")
	assert.Equal(t, StateFailed, a.Snapshot().State)
}

func TestAgentSafetyGateAwaitsApproval(t *testing.T) {
	log, err := audit.New(audit.NewMemoryStore())
	require.NoError(t, err)
	ctl := safety.NewController(safety.Config{Level: safety.LevelModerate, ApprovalTimeout: time.Second},
		log, nil, nil, nil)
	ctl.SetApprover(safety.ApproverFunc(func(ctx context.Context, req safety.ApprovalRequest) (safety.ApprovalResponse, error) {
		return safety.ApprovalResponse{Approved: true, Approver: "dba"}, nil
	}))

	bus := async.NewBus(nil)
	states := collectStates(bus)
	registry := buildRegistry(t, ctl, toolSpec{name: "dangerous", risk: safety.RiskHigh})

	a, err := New(testTask(), Deps{
		Planner:  staticPlanner(Plan{Steps: []PlanStep{{Tool: "dangerous"}}}),
		Registry: registry,
		Safety:   ctl,
		Bus:      bus,
	})
	require.NoError(t, err)

	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, StateCompleted, a.Snapshot().State)
	bus.Close()
	assert.Contains(t, states(), StateAwaitingApproval)
}

func TestAgentSafetyGateDeniesWithoutApprover(t *testing.T) {
	log, err := audit.New(audit.NewMemoryStore())
	require.NoError(t, err)
	ctl := safety.NewController(safety.Config{Level: safety.LevelModerate, ApprovalTimeout: 50 * time.Millisecond},
		log, nil, nil, nil)

	registry := buildRegistry(t, nil, toolSpec{name: "dangerous", risk: safety.RiskHigh})

	var invoked bool
	require.NoError(t, registry.Register(tools.Descriptor{
		Name: "sentinel", Description: "flags execution", ParamsSchema: anySchema,
	}, func(ctx context.Context, params map[string]any) (any, error) {
		invoked = true
		return nil, nil
	}))

	a, err := New(testTask(), Deps{
		Planner: staticPlanner(Plan{Steps: []PlanStep{
			{Tool: "dangerous"},
			{Tool: "sentinel"},
		}}),
		Registry: registry,
		Safety:   ctl,
	})
	require.NoError(t, err)

	err = a.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.KindSafetyDenied, fault.KindOf(err))
	assert.Equal(t, StateFailed, a.Snapshot().State)
	assert.False(t, invoked, "no step may run after a denied plan")
}

func TestAgentParallelGroupRunsConcurrently(t *testing.T) {
	// Two independent steps on distinct connections must overlap: each
	// blocks until the other has started.
	started := make(chan string, 2)
	release := make(chan struct{})
	var once sync.Once
	blockUntilBoth := func(ctx context.Context, params map[string]any) (any, error) {
		started <- params["connection"].(string)
		if len(started) == 2 {
			once.Do(func() { close(release) })
		}
		select {
		case <-release:
			return map[string]any{"ok": true}, nil
		case <-time.After(2 * time.Second):
			return nil, fault.New(fault.KindTimeout, "test", "run", "peer never started")
		}
	}

	registry := buildRegistry(t, nil,
		toolSpec{name: "probe_a", handler: blockUntilBoth},
		toolSpec{name: "probe_b", handler: blockUntilBoth},
	)

	a, err := New(testTask(), Deps{
		Planner: staticPlanner(Plan{Steps: []PlanStep{
			{Tool: "probe_a", Params: map[string]any{"connection": "db-a"}, Independent: true},
			{Tool: "probe_b", Params: map[string]any{"connection": "db-b"}, Independent: true},
		}}),
		Registry: registry,
	})
	require.NoError(t, err)

	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, StateCompleted, a.Snapshot().State)
}

func TestAgentParallelGroupSplitsOnSharedConnection(t *testing.T) {
	a := &Agent{plan: Plan{Steps: []PlanStep{
		{Tool: "x", Params: map[string]any{"connection": "db-a"}, Independent: true},
		{Tool: "y", Params: map[string]any{"connection": "db-a"}, Independent: true},
		{Tool: "z", Params: map[string]any{"connection": "db-b"}, Independent: true},
	}}}

	group := a.parallelGroup(0)
	assert.Equal(t, []int{0}, group, "same-connection steps must not share a group")
	assert.Equal(t, []int{1, 2}, a.parallelGroup(1))
}

func TestAgentResumeSkipsCheckpointedSteps(t *testing.T) {
	var firstRuns, secondRuns int
	var mu sync.Mutex
	store := NewMemoryCheckpointStore()
	makeRegistry := func(secondFails bool) *tools.Registry {
		return buildRegistry(t, nil,
			toolSpec{name: "first", handler: func(ctx context.Context, params map[string]any) (any, error) {
				mu.Lock()
				firstRuns++
				mu.Unlock()
				return map[string]any{"ok": true}, nil
			}},
			toolSpec{name: "second", handler: func(ctx context.Context, params map[string]any) (any, error) {
				if secondFails {
					return nil, fault.New(fault.KindConnectionFailed, "test", "run", "backend down")
				}
				mu.Lock()
				secondRuns++
				mu.Unlock()
				return map[string]any{"ok": true}, nil
			}},
		)
	}

	plan := Plan{Steps: []PlanStep{{Tool: "first"}, {Tool: "second"}}}
	task := testTask()

	a1, err := New(task, Deps{
		Planner:     staticPlanner(plan),
		Registry:    makeRegistry(true),
		Checkpoints: store,
	})
	require.NoError(t, err)
	require.Error(t, a1.Run(context.Background()))

	// The backend recovers; a fresh agent with the same id resumes.
	a2, err := New(task, Deps{
		Planner:     staticPlanner(plan),
		Registry:    makeRegistry(false),
		Checkpoints: store,
	})
	require.NoError(t, err)
	require.NoError(t, a2.Resume(context.Background(), plan))

	snap := a2.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, StepSucceeded, snap.Steps[0].Status)
	assert.Equal(t, StepSucceeded, snap.Steps[1].Status)

	mu.Lock()
	assert.Equal(t, 1, firstRuns, "checkpointed step must not rerun")
	assert.Equal(t, 1, secondRuns)
	mu.Unlock()
}

func TestAgentDeadlinePropagates(t *testing.T) {
	registry := buildRegistry(t, nil,
		toolSpec{name: "slow", handler: func(ctx context.Context, params map[string]any) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return map[string]any{"ok": true}, nil
			}
		}},
	)

	task := testTask()
	task.Deadline = time.Now().Add(50 * time.Millisecond)
	a, err := New(task, Deps{
		Planner:  staticPlanner(Plan{Steps: []PlanStep{{Tool: "slow"}}}),
		Registry: registry,
	})
	require.NoError(t, err)

	start := time.Now()
	require.Error(t, a.Run(context.Background()))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, StateFailed, a.Snapshot().State)
}

func TestManagerRunsSubmittedTasks(t *testing.T) {
	registry := buildRegistry(t, nil, toolSpec{name: "step"})
	m := NewManager(Deps{
		Planner:  staticPlanner(Plan{Steps: []PlanStep{{Tool: "step"}}}),
		Registry: registry,
	}, ManagerConfig{Workers: 2}, nil)
	defer m.Close()

	id, err := m.Submit(context.Background(), testTask(), async.PriorityNormal)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := m.Status(id)
		return err == nil && st.State.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	st, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.State)
	assert.Len(t, m.List(), 1)
}

func TestManagerUnknownAgent(t *testing.T) {
	registry := buildRegistry(t, nil, toolSpec{name: "step"})
	m := NewManager(Deps{
		Planner:  staticPlanner(Plan{Steps: []PlanStep{{Tool: "step"}}}),
		Registry: registry,
	}, ManagerConfig{Workers: 1}, nil)
	defer m.Close()

	_, err := m.Status("ghost")
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidParams, fault.KindOf(err))
}
