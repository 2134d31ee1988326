package agent

import (
	"context"
	"fmt"

	"github.com/querypilot/querypilot/pkg/fault"
	"github.com/querypilot/querypilot/pkg/tools"
)

// Planner turns a task into a plan. Implementations typically wrap an LLM;
// the tool summaries passed in are already filtered to the capabilities the
// task was granted.
type Planner interface {
	PlanTask(ctx context.Context, task Task, available []tools.Summary) (Plan, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, task Task, available []tools.Summary) (Plan, error)

func (f PlannerFunc) PlanTask(ctx context.Context, task Task, available []tools.Summary) (Plan, error) {
	return f(ctx, task, available)
}

func validatePlan(registry *tools.Registry, plan Plan) error {
	if len(plan.Steps) == 0 {
		return fault.New(fault.KindInvalidParams, "agent", "plan", "plan has no steps")
	}
	for i, step := range plan.Steps {
		if _, err := registry.Get(step.Tool); err != nil {
			return fault.Wrap(fault.KindInvalidParams, "agent", "plan",
				fmt.Errorf("step %d: %w", i, err)).WithResource(step.Tool)
		}
		if err := registry.ValidateParams(step.Tool, step.Params); err != nil {
			return fault.Wrap(fault.KindInvalidParams, "agent", "plan",
				fmt.Errorf("step %d: %w", i, err)).WithResource(step.Tool)
		}
		switch step.OnFailure {
		case "", FailAbort, FailSkip, FailRetry, FailRollback:
		default:
			return fault.New(fault.KindInvalidParams, "agent", "plan",
				fmt.Sprintf("step %d: unknown failure policy %q", i, step.OnFailure))
		}
	}
	return nil
}
