package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/querypilot/querypilot/pkg/audit"
	"github.com/querypilot/querypilot/pkg/fault"
	"github.com/querypilot/querypilot/pkg/safety"
)

// ToolError is the structured failure of one invocation. It wraps the
// underlying cause so kind-based handling still works through errors.As.
type ToolError struct {
	Tool    string `json:"tool"`
	Stage   string `json:"stage"` // validate, capability, rate_limit, safety, execute, return
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed at %s: %s", e.Tool, e.Stage, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Caller identifies who is invoking and what they are allowed to touch.
type Caller struct {
	Principal    string
	Capabilities []string
}

func (c Caller) holds(capability string) bool {
	for _, held := range c.Capabilities {
		if held == capability || held == "*" {
			return true
		}
	}
	return false
}

type registered struct {
	desc    Descriptor
	handler Handler
	params  *jsonschema.Schema
	ret     *jsonschema.Schema
	limiter *invokeLimiter
}

// Registry holds tool descriptors and runs the invocation pipeline:
// lookup, parameter validation, capability check, rate limit, safety
// gate, bounded execution, return validation, audit.
type Registry struct {
	safetyCtl *safety.Controller
	auditLog  *audit.Log
	logger    *slog.Logger

	mu    sync.RWMutex
	tools map[string]*registered
}

// NewRegistry wires a registry. The safety controller and audit log are
// required for Invoke; a registry used purely for introspection may pass
// nil for both.
func NewRegistry(safetyCtl *safety.Controller, auditLog *audit.Log, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		safetyCtl: safetyCtl,
		auditLog:  auditLog,
		logger:    logger,
		tools:     make(map[string]*registered),
	}
}

// Register adds a tool. Conflicting names are rejected; the descriptor's
// schemas are compiled eagerly so malformed schemas fail here, not at
// invoke time.
func (r *Registry) Register(desc Descriptor, handler Handler) error {
	if handler == nil {
		return fault.New(fault.KindInvalidParams, "tools", "register",
			"handler is required").WithResource(desc.Name)
	}
	params, ret, err := desc.validate()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; exists {
		return fault.New(fault.KindInvalidOperation, "tools", "register",
			fmt.Sprintf("tool %q already registered", desc.Name))
	}
	r.tools[desc.Name] = &registered{
		desc:    desc,
		handler: handler,
		params:  params,
		ret:     ret,
		limiter: newInvokeLimiter(desc.RateLimit, desc.RateWindow),
	}
	r.logger.Debug("tool registered", "tool", desc.Name, "risk", desc.Risk.String())
	return nil
}

// Unregister removes a tool. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Get returns a tool's descriptor.
func (r *Registry) Get(name string) (Descriptor, error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, fault.New(fault.KindInvalidParams, "tools", "get",
			fmt.Sprintf("unknown tool %q", name)).WithResource(name)
	}
	return reg.desc, nil
}

// ValidateParams checks params against a tool's parameter schema without
// invoking it. Planners use it to validate whole plans up front.
func (r *Registry) ValidateParams(name string, params map[string]any) error {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fault.New(fault.KindInvalidParams, "tools", "validate",
			fmt.Sprintf("unknown tool %q", name)).WithResource(name)
	}
	if err := validateAgainst(reg.params, normalizeForSchema(params)); err != nil {
		return fault.Wrap(fault.KindInvalidParams, "tools", "validate", err).WithResource(name)
	}
	return nil
}

// Summaries returns planner views for every tool the caller's
// capabilities cover, sorted by name.
func (r *Registry) Summaries(caller Caller) []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.tools))
	for _, reg := range r.tools {
		if coversAll(caller, reg.desc.Capabilities) {
			out = append(out, reg.desc.Summarize())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func coversAll(caller Caller, required []string) bool {
	for _, capability := range required {
		if !caller.holds(capability) {
			return false
		}
	}
	return true
}

// Invoke runs one tool through the full pipeline. The audit record carries
// a hash of the parameters, never the parameters themselves.
func (r *Registry) Invoke(ctx context.Context, caller Caller, name string, params map[string]any) (any, error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.KindInvalidParams, "tools", "invoke",
			fmt.Sprintf("unknown tool %q", name)).WithResource(name)
	}

	result, err := r.invoke(ctx, caller, reg, params)

	outcome := "success"
	if err != nil {
		outcome = string(fault.KindOf(err))
	}
	if r.auditLog != nil {
		if _, auditErr := r.auditLog.Append(ctx, audit.Entry{
			Principal: caller.Principal,
			Action:    "tool." + name,
			Resource:  name,
			Params:    params,
			Outcome:   outcome,
		}); auditErr != nil {
			r.logger.Error("tool invocation audit failed", "tool", name, "error", auditErr)
		}
	}
	return result, err
}

func (r *Registry) invoke(ctx context.Context, caller Caller, reg *registered, params map[string]any) (any, error) {
	name := reg.desc.Name

	if err := validateAgainst(reg.params, normalizeForSchema(params)); err != nil {
		return nil, &ToolError{Tool: name, Stage: "validate",
			Message: err.Error(),
			Err:     fault.Wrap(fault.KindInvalidParams, "tools", "invoke", err).WithResource(name)}
	}

	for _, capability := range reg.desc.Capabilities {
		if !caller.holds(capability) {
			return nil, fault.New(fault.KindCapabilityDenied, "tools", "invoke",
				fmt.Sprintf("caller lacks capability %q", capability)).WithResource(name)
		}
	}

	if !reg.limiter.allow(caller.Principal) {
		return nil, fault.New(fault.KindRateLimited, "tools", "invoke",
			fmt.Sprintf("rate limit exceeded for tool %q", name)).WithResource(name)
	}

	if r.safetyCtl != nil {
		op := safety.Operation{Target: safety.Target{Resource: name}}
		if reg.desc.Refine != nil {
			op = reg.desc.Refine(params)
		}
		op.Principal = caller.Principal
		op.Action = "tool." + name
		op.RiskTag = safety.MaxRisk(op.RiskTag, reg.desc.Risk)
		if _, err := r.safetyCtl.Evaluate(ctx, op); err != nil {
			return nil, err
		}
	}

	result, err := r.execute(ctx, reg, params)
	if err != nil {
		return nil, err
	}

	if reg.ret != nil {
		if err := validateAgainst(reg.ret, normalizeForSchema(result)); err != nil {
			r.logger.Error("tool returned schema-invalid output", "tool", name, "error", err)
			return nil, &ToolError{Tool: name, Stage: "return",
				Message: "return value failed schema validation",
				Err:     fault.Wrap(fault.KindInvariantViolated, "tools", "invoke", err).WithResource(name)}
		}
	}
	return result, nil
}

// execute runs the handler under the descriptor's timeout, converting
// panics into structured ToolErrors.
func (r *Registry) execute(ctx context.Context, reg *registered, params map[string]any) (result any, err error) {
	if reg.desc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, reg.desc.Timeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", reg.desc.Name,
				"panic", rec, "stack", string(debug.Stack()))
			err = &ToolError{Tool: reg.desc.Name, Stage: "execute",
				Message: fmt.Sprint(rec),
				Err: fault.New(fault.KindInvariantViolated, "tools", "invoke",
					fmt.Sprintf("tool panicked: %v", rec)).WithResource(reg.desc.Name)}
		}
	}()

	start := time.Now()
	result, err = reg.handler(ctx, params)
	duration := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			kind := fault.KindCancelled
			if ctx.Err() == context.DeadlineExceeded {
				kind = fault.KindTimeout
			}
			return nil, &ToolError{Tool: reg.desc.Name, Stage: "execute",
				Message: err.Error(),
				Err:     fault.Wrap(kind, "tools", "invoke", err).WithResource(reg.desc.Name)}
		}
		var fe *fault.Error
		if !errors.As(err, &fe) {
			err = &ToolError{Tool: reg.desc.Name, Stage: "execute", Message: err.Error(), Err: err}
		}
		return nil, err
	}
	r.logger.Debug("tool completed", "tool", reg.desc.Name, "duration", duration)
	return result, nil
}

// validateAgainst runs schema validation and flattens the cause tree into
// per-field messages.
func validateAgainst(schema *jsonschema.Schema, value any) error {
	if schema == nil {
		return nil
	}
	err := schema.Validate(value)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		var details []string
		collectCauses(ve, &details)
		if len(details) > 0 {
			return fmt.Errorf("%s", strings.Join(details, "; "))
		}
	}
	return err
}

func collectCauses(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		*out = append(*out, ve.Error())
		return
	}
	for _, cause := range ve.Causes {
		collectCauses(cause, out)
	}
}

// normalizeForSchema round-trips a handler result through JSON so schema
// validation sees plain maps and slices regardless of the handler's
// concrete types.
func normalizeForSchema(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// invokeLimiter is a per-principal sliding window for one tool.
type invokeLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	history map[string][]time.Time
}

func newInvokeLimiter(limit int, window time.Duration) *invokeLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &invokeLimiter{limit: limit, window: window, history: make(map[string][]time.Time)}
}

func (l *invokeLimiter) allow(principal string) bool {
	if l.limit <= 0 {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.history[principal][:0]
	for _, t := range l.history[principal] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.history[principal] = kept
		return false
	}
	l.history[principal] = append(kept, now)
	return true
}
