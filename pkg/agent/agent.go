package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/querypilot/querypilot/pkg/async"
	"github.com/querypilot/querypilot/pkg/fault"
	"github.com/querypilot/querypilot/pkg/safety"
	"github.com/querypilot/querypilot/pkg/tools"
)

// Deps are the collaborators an agent needs. Planner and Registry are
// required; the rest degrade gracefully when nil.
type Deps struct {
	Planner     Planner
	Registry    *tools.Registry
	Safety      *safety.Controller
	Checkpoints CheckpointStore
	Bus         *async.Bus
	Logger      *slog.Logger
}

// StateChange is the payload published on the agent.state topic.
type StateChange struct {
	Agent  string    `json:"agent"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// StepEvent is the payload published on the agent.step topic.
type StepEvent struct {
	Agent  string     `json:"agent"`
	Index  int        `json:"index"`
	Tool   string     `json:"tool"`
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// Agent executes one task through the plan/approve/execute lifecycle.
type Agent struct {
	id   string
	task Task
	deps Deps

	mu        sync.Mutex
	state     State
	plan      Plan
	steps     []StepRecord
	projected safety.Risk
	runErr    error
}

// New builds an idle agent for the task.
func New(task Task, deps Deps) (*Agent, error) {
	if deps.Planner == nil {
		return nil, fault.New(fault.KindInvalidParams, "agent", "new", "planner is required")
	}
	if deps.Registry == nil {
		return nil, fault.New(fault.KindInvalidParams, "agent", "new", "tool registry is required")
	}
	if deps.Checkpoints == nil {
		deps.Checkpoints = NewMemoryCheckpointStore()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	id := task.ID
	if id == "" {
		id = uuid.NewString()
		task.ID = id
	}
	return &Agent{id: id, task: task, deps: deps, state: StateIdle}, nil
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.id }

// Snapshot returns a copy of the agent's current status.
func (a *Agent) Snapshot() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	steps := make([]StepRecord, len(a.steps))
	copy(steps, a.steps)
	st := Status{
		ID:            a.id,
		Task:          a.task,
		State:         a.state,
		ProjectedRisk: a.projected,
		RiskLabel:     a.projected.String(),
		Steps:         steps,
	}
	if a.runErr != nil {
		st.Error = a.runErr.Error()
	}
	return st
}

var legalAgentTransitions = map[State][]State{
	StateIdle:             {StatePlanning, StateExecuting}, // direct to EXECUTING on resume
	StatePlanning:         {StateAwaitingApproval, StateExecuting, StateFailed},
	StateAwaitingApproval: {StateExecuting, StateFailed},
	StateExecuting:        {StateCheckpointed, StateCompleted, StateFailed, StateRolledBack},
	StateCheckpointed:     {StateExecuting, StateCompleted, StateFailed, StateRolledBack},
}

func (a *Agent) transition(to State, reason string) error {
	a.mu.Lock()
	from := a.state
	legal := false
	for _, next := range legalAgentTransitions[from] {
		if next == to {
			legal = true
			break
		}
	}
	if !legal {
		a.mu.Unlock()
		return fault.New(fault.KindInvariantViolated, "agent", "transition",
			fmt.Sprintf("illegal transition %s -> %s", from, to)).WithResource(a.id)
	}
	a.state = to
	a.mu.Unlock()

	a.deps.Logger.Info("agent state change", "agent", a.id, "from", from, "to", to, "reason", reason)
	if a.deps.Bus != nil {
		a.deps.Bus.Publish(async.TopicAgentState, "agent",
			StateChange{Agent: a.id, From: from, To: to, Reason: reason, At: time.Now()})
	}
	return nil
}

func (a *Agent) caller() tools.Caller {
	return tools.Caller{Principal: a.task.Principal, Capabilities: a.task.Capabilities}
}

// Run drives the agent from IDLE to a terminal state. The returned error
// is the failure cause when the agent does not complete.
func (a *Agent) Run(ctx context.Context) error {
	if !a.task.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, a.task.Deadline)
		defer cancel()
	}

	if err := a.transition(StatePlanning, "task accepted"); err != nil {
		return err
	}

	plan, err := a.deps.Planner.PlanTask(ctx, a.task, a.deps.Registry.Summaries(a.caller()))
	if err != nil {
		return a.fail(fault.Wrap(fault.KindInvalidOperation, "agent", "plan", err))
	}
	if err := validatePlan(a.deps.Registry, plan); err != nil {
		return a.fail(err)
	}

	projected := a.projectRisk(plan)
	a.mu.Lock()
	a.plan = plan
	a.projected = projected
	a.steps = make([]StepRecord, len(plan.Steps))
	for i, step := range plan.Steps {
		a.steps[i] = StepRecord{Index: i, Tool: step.Tool, Status: StepPending, Params: step.Params}
	}
	a.mu.Unlock()

	if err := a.gate(ctx, plan, projected); err != nil {
		return a.fail(err)
	}

	if err := a.transition(StateExecuting, "plan approved"); err != nil {
		return err
	}
	return a.execute(ctx, 0)
}

// Resume continues a previously interrupted agent: checkpointed steps are
// marked succeeded and execution restarts at the first step without one.
func (a *Agent) Resume(ctx context.Context, plan Plan) error {
	if err := validatePlan(a.deps.Registry, plan); err != nil {
		return err
	}
	cps, err := a.deps.Checkpoints.Load(ctx, a.id)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.plan = plan
	a.projected = a.projectRisk(plan)
	a.steps = make([]StepRecord, len(plan.Steps))
	for i, step := range plan.Steps {
		a.steps[i] = StepRecord{Index: i, Tool: step.Tool, Status: StepPending, Params: step.Params}
	}
	next := 0
	for _, cp := range cps {
		if cp.StepIndex < len(a.steps) {
			a.steps[cp.StepIndex].Status = StepSucceeded
			a.steps[cp.StepIndex].Output = cp.Output
			if cp.StepIndex >= next {
				next = cp.StepIndex + 1
			}
		}
	}
	a.mu.Unlock()

	if err := a.transition(StateExecuting, fmt.Sprintf("resumed at step %d", next)); err != nil {
		return err
	}
	return a.execute(ctx, next)
}

// projectRisk computes the plan's projected risk: the maximum over steps
// of each tool's declared floor raised by statement-level classification
// where the tool exposes one.
func (a *Agent) projectRisk(plan Plan) safety.Risk {
	projected := safety.RiskSafe
	for _, step := range plan.Steps {
		desc, err := a.deps.Registry.Get(step.Tool)
		if err != nil {
			continue // validated earlier
		}
		risk := desc.Risk
		if desc.Refine != nil {
			op := desc.Refine(step.Params)
			assessment := safety.ClassifyRequest(op.Target, op.Request)
			risk = safety.MaxRisk(risk, safety.MaxRisk(assessment.Risk, op.RiskTag))
		}
		projected = safety.MaxRisk(projected, risk)
	}
	return projected
}

// gate submits the whole plan to the safety controller before any step
// runs. When the projected risk needs an approval the agent surfaces
// AWAITING_APPROVAL for the duration of the callback.
func (a *Agent) gate(ctx context.Context, plan Plan, projected safety.Risk) error {
	if a.deps.Safety == nil {
		return nil
	}

	if a.deps.Safety.RequiresApproval(projected) {
		if err := a.transition(StateAwaitingApproval, "plan requires approval"); err != nil {
			return err
		}
	}

	annotations := make([]map[string]any, len(plan.Steps))
	for i, step := range plan.Steps {
		desc, _ := a.deps.Registry.Get(step.Tool)
		risk := desc.Risk
		if desc.Refine != nil {
			op := desc.Refine(step.Params)
			risk = safety.MaxRisk(risk, safety.ClassifyRequest(op.Target, op.Request).Risk)
		}
		annotations[i] = map[string]any{
			"tool":      step.Tool,
			"risk":      risk.String(),
			"rationale": step.Rationale,
		}
	}

	_, err := a.deps.Safety.Evaluate(ctx, safety.Operation{
		Principal: a.task.Principal,
		Action:    "agent.plan",
		Target:    safety.Target{Resource: a.id},
		RiskTag:   projected,
		Detail: map[string]any{
			"goal":  a.task.Goal,
			"steps": annotations,
		},
	})
	return err
}

// execute runs plan steps from index start. Consecutive steps marked
// independent run concurrently, one connection each; everything else is
// strictly sequential.
func (a *Agent) execute(ctx context.Context, start int) error {
	i := start
	for i < len(a.plan.Steps) {
		group := a.parallelGroup(i)

		var failedIdx int
		var stepErr error
		if len(group) == 1 {
			stepErr = a.runStep(ctx, group[0])
			failedIdx = group[0]
		} else {
			g, gctx := errgroup.WithContext(ctx)
			errs := make([]error, len(group))
			for n, idx := range group {
				n, idx := n, idx
				g.Go(func() error {
					errs[n] = a.runStep(gctx, idx)
					return errs[n]
				})
			}
			_ = g.Wait()
			for n, err := range errs {
				if err != nil {
					stepErr = err
					failedIdx = group[n]
					break
				}
			}
		}

		if stepErr != nil {
			return a.handleFailure(ctx, failedIdx, stepErr)
		}

		i = group[len(group)-1] + 1

		if err := a.transition(StateCheckpointed, fmt.Sprintf("step %d done", group[len(group)-1])); err != nil {
			return err
		}
		if i < len(a.plan.Steps) {
			if err := a.transition(StateExecuting, "next step"); err != nil {
				return err
			}
		}
	}

	if err := a.deps.Checkpoints.Delete(ctx, a.id); err != nil {
		a.deps.Logger.Warn("checkpoint cleanup failed", "agent", a.id, "error", err)
	}
	return a.transition(StateCompleted, "all steps done")
}

// parallelGroup returns the indices runnable concurrently starting at i:
// a run of steps marked independent that touch pairwise distinct
// connections. A dependent step, or a repeated connection, ends the group.
func (a *Agent) parallelGroup(i int) []int {
	group := []int{i}
	if !a.plan.Steps[i].Independent {
		return group
	}
	seen := map[string]bool{connectionOf(a.plan.Steps[i]): true}
	for j := i + 1; j < len(a.plan.Steps); j++ {
		step := a.plan.Steps[j]
		if !step.Independent {
			break
		}
		conn := connectionOf(step)
		if conn != "" && seen[conn] {
			break
		}
		seen[conn] = true
		group = append(group, j)
	}
	return group
}

func connectionOf(step PlanStep) string {
	conn, _ := step.Params["connection"].(string)
	return conn
}

func (a *Agent) runStep(ctx context.Context, idx int) error {
	step := a.plan.Steps[idx]

	a.setStep(idx, func(r *StepRecord) {
		r.Status = StepRunning
		r.StartedAt = time.Now()
	})
	a.publishStep(idx, StepRunning, "")

	attempts := 1
	if step.OnFailure == FailRetry {
		attempts += step.MaxRetries
		if step.MaxRetries <= 0 {
			attempts = 3
		}
	}

	var out any
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err = a.deps.Registry.Invoke(ctx, a.caller(), step.Tool, step.Params)
		a.setStep(idx, func(r *StepRecord) { r.Attempts = attempt })
		if err == nil || ctx.Err() != nil {
			break
		}
	}

	if err != nil {
		a.setStep(idx, func(r *StepRecord) {
			r.Status = StepFailed
			r.Error = err.Error()
			r.FinishedAt = time.Now()
		})
		a.publishStep(idx, StepFailed, err.Error())
		return err
	}

	a.setStep(idx, func(r *StepRecord) {
		r.Status = StepSucceeded
		r.Output = out
		r.FinishedAt = time.Now()
	})
	a.publishStep(idx, StepSucceeded, "")

	desc, _ := a.deps.Registry.Get(step.Tool)
	cp := Checkpoint{
		AgentID:            a.id,
		StepIndex:          idx,
		Tool:               step.Tool,
		Output:             out,
		Compensation:       desc.Compensation,
		CompensationParams: step.Params,
		Effect:             desc.Effect,
		RecordedAt:         time.Now(),
	}
	if err := a.deps.Checkpoints.Save(ctx, cp); err != nil {
		// A step that ran but cannot be checkpointed is unsafe to build on.
		return fault.Wrap(fault.KindInvalidOperation, "agent", "checkpoint", err).WithResource(a.id)
	}
	return nil
}

func (a *Agent) handleFailure(ctx context.Context, idx int, stepErr error) error {
	policy := a.plan.Steps[idx].OnFailure
	if policy == "" || policy == FailRetry { // retry already exhausted
		policy = FailAbort
	}

	// A cancelled context can no longer run steps; honour rollback, fail
	// everything else.
	if ctx.Err() != nil && policy == FailSkip {
		policy = FailAbort
	}

	switch policy {
	case FailSkip:
		a.setStep(idx, func(r *StepRecord) { r.Status = StepSkipped })
		a.publishStep(idx, StepSkipped, "")
		return a.execute(ctx, idx+1)

	case FailRollback:
		if err := a.rollback(ctx); err != nil {
			a.mu.Lock()
			a.runErr = err
			a.mu.Unlock()
			_ = a.transition(StateFailed, "rollback failed: "+err.Error())
			return err
		}
		a.mu.Lock()
		a.runErr = stepErr
		a.mu.Unlock()
		if err := a.transition(StateRolledBack, "step failed, plan rolled back"); err != nil {
			return err
		}
		return stepErr

	default:
		return a.fail(stepErr)
	}
}

// rollback replays checkpoints newest-first, invoking each step's declared
// compensating tool. A mutating step with no compensation fails the
// rollback immediately; harmless steps (read-only or additive effects) are
// retained.
func (a *Agent) rollback(ctx context.Context) error {
	cps, err := a.deps.Checkpoints.Load(ctx, a.id)
	if err != nil {
		return err
	}

	for i := len(cps) - 1; i >= 0; i-- {
		cp := cps[i]
		if cp.Compensation == "" {
			if reversalOptional(cp.Effect) {
				continue
			}
			return fault.New(fault.KindInvalidOperation, "agent", "rollback",
				fmt.Sprintf("step %d (%s) has no compensating action", cp.StepIndex, cp.Tool)).WithResource(a.id)
		}
		if _, err := a.deps.Registry.Invoke(ctx, a.caller(), cp.Compensation, cp.CompensationParams); err != nil {
			return fault.Wrap(fault.KindInvalidOperation, "agent", "rollback",
				fmt.Errorf("compensating step %d via %s: %w", cp.StepIndex, cp.Compensation, err)).WithResource(a.id)
		}
		a.setStep(cp.StepIndex, func(r *StepRecord) { r.Status = StepRolledBack })
		a.publishStep(cp.StepIndex, StepRolledBack, "")
	}
	return nil
}

// reversalOptional reports whether a step with no compensating action may
// be retained on rollback rather than failing it.
func reversalOptional(effect string) bool {
	return effect == "" || effect == "read-only" || effect == "additive"
}

func (a *Agent) fail(err error) error {
	a.mu.Lock()
	a.runErr = err
	a.mu.Unlock()

	reason := "failed"
	if errors.Is(err, context.Canceled) || fault.KindOf(err) == fault.KindCancelled {
		reason = "cancelled"
	}
	_ = a.transition(StateFailed, reason+": "+err.Error())
	return err
}

func (a *Agent) setStep(idx int, fn func(*StepRecord)) {
	a.mu.Lock()
	if idx < len(a.steps) {
		fn(&a.steps[idx])
	}
	a.mu.Unlock()
}

func (a *Agent) publishStep(idx int, status StepStatus, errMsg string) {
	if a.deps.Bus == nil {
		return
	}
	a.deps.Bus.Publish(async.TopicAgentStep, "agent", StepEvent{
		Agent:  a.id,
		Index:  idx,
		Tool:   a.plan.Steps[idx].Tool,
		Status: status,
		Error:  errMsg,
	})
}
