package safety

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/querypilot/querypilot/pkg/async"
	"github.com/querypilot/querypilot/pkg/audit"
	"github.com/querypilot/querypilot/pkg/fault"
	"github.com/querypilot/querypilot/pkg/masking"
	"github.com/querypilot/querypilot/pkg/mcp"
)

// Level selects how aggressively the controller gates risk.
type Level string

const (
	LevelStrict     Level = "strict"
	LevelModerate   Level = "moderate"
	LevelPermissive Level = "permissive"
)

// ParseLevel validates a level string from configuration.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(s)) {
	case LevelStrict:
		return LevelStrict, nil
	case LevelModerate:
		return LevelModerate, nil
	case LevelPermissive:
		return LevelPermissive, nil
	}
	return "", fault.New(fault.KindInvalidParams, "safety", "config",
		fmt.Sprintf("unknown safety level %q", s))
}

// Outcome is the controller's verdict on one operation.
type Outcome string

const (
	OutcomeAllow            Outcome = "ALLOW"
	OutcomeAllowWithWarning Outcome = "ALLOW_WITH_WARNING"
	OutcomeRequireApproval  Outcome = "REQUIRE_APPROVAL"
	OutcomeDeny             Outcome = "DENY"
)

// Operation is one action submitted for evaluation.
type Operation struct {
	Principal string
	Action    string // e.g. "db.execute", "tool.restart_service"
	Target    Target
	Request   mcp.Request // populated for database operations

	// RiskTag lets tools carry a declared floor; the classifier can only
	// raise it.
	RiskTag Risk

	// Detail is extra context for approvers (plan steps, risk
	// annotations). It is merged into the approval payload verbatim, so
	// callers must mask secrets before setting it.
	Detail map[string]any
}

// Decision is the evaluation result. Outcome is final: REQUIRE_APPROVAL
// appears only inside approval bookkeeping, never as a returned outcome —
// by return time an approval has either been granted (ALLOW) or not
// (DENY).
type Decision struct {
	Outcome   Outcome  `json:"outcome"`
	Risk      Risk     `json:"-"`
	RiskLabel string   `json:"risk"`
	Reasons   []string `json:"reasons,omitempty"`
	Approvers []string `json:"approvers,omitempty"`
}

// Allowed reports whether the operation may proceed.
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllow || d.Outcome == OutcomeAllowWithWarning
}

// Config tunes the controller.
type Config struct {
	Level           Level
	ApprovalTimeout time.Duration

	// RateLimit bounds evaluations per principal per window. Zero
	// disables limiting.
	RateLimit       int
	RateLimitWindow time.Duration
}

// DefaultConfig returns moderate gating with a five-minute approval window.
func DefaultConfig() Config {
	return Config{
		Level:           LevelModerate,
		ApprovalTimeout: 5 * time.Minute,
		RateLimit:       0,
		RateLimitWindow: time.Minute,
	}
}

// Controller gates operations: sanitize, classify, apply the level policy,
// rate-limit, collect approvals, and audit every outcome.
type Controller struct {
	cfg      Config
	approver Approver
	auditLog *audit.Log
	redactor *masking.Redactor
	bus      *async.Bus
	logger   *slog.Logger

	limiter *rateLimiter
}

// NewController wires a controller. auditLog is required; approver may be
// nil, in which case anything requiring approval is denied.
func NewController(cfg Config, auditLog *audit.Log, redactor *masking.Redactor,
	bus *async.Bus, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Level == "" {
		cfg.Level = LevelModerate
	}
	return &Controller{
		cfg:      cfg,
		auditLog: auditLog,
		redactor: redactor,
		bus:      bus,
		logger:   logger,
		limiter:  newRateLimiter(cfg.RateLimit, cfg.RateLimitWindow),
	}
}

// SetApprover registers the approval callback implemented by the UI/CLI.
func (c *Controller) SetApprover(approver Approver) { c.approver = approver }

// Evaluate decides one operation. Non-approval outcomes write one audit
// record. Approval-gated operations write two: one when the approval is
// solicited, one for its resolution, so the chain shows the request even
// if the process dies waiting. A rejection (or timeout) surfaces as
// APPROVAL_REJECTED, distinct from a policy denial.
func (c *Controller) Evaluate(ctx context.Context, op Operation) (Decision, error) {
	decision, required := c.assess(op)

	if decision.Outcome != OutcomeRequireApproval {
		if err := c.record(ctx, op, string(decision.Outcome)); err != nil {
			return unauditable(decision), err
		}
		c.publish(decision)
		if decision.Outcome == OutcomeDeny {
			return decision, fault.New(fault.KindSafetyDenied, "safety", op.Action,
				strings.Join(decision.Reasons, "; ")).WithResource(op.Target.Resource)
		}
		return decision, nil
	}

	if err := c.record(ctx, op, "APPROVAL_REQUESTED"); err != nil {
		return unauditable(decision), err
	}

	approvers, err := collectApprovals(ctx, c.approver, c.bus, ApprovalRequest{
		Principal: op.Principal,
		Action:    op.Action,
		Resource:  op.Target.Resource,
		Risk:      decision.Risk.String(),
		Reasons:   decision.Reasons,
		Payload:   c.describe(op),
	}, required, c.cfg.ApprovalTimeout)
	if err != nil {
		decision.Outcome = OutcomeDeny
		decision.Reasons = append(decision.Reasons, err.Error())
		if aerr := c.record(ctx, op, "APPROVAL_REJECTED"); aerr != nil {
			return unauditable(decision), aerr
		}
		c.publish(decision)
		return decision, err
	}

	decision.Outcome = OutcomeAllow
	decision.Approvers = approvers
	if err := c.record(ctx, op, string(OutcomeAllow)); err != nil {
		return unauditable(decision), err
	}
	c.publish(decision)
	return decision, nil
}

// assess runs the non-interactive part of the pipeline: sanitation,
// classification, rate limiting, policy. required is the approver count
// when the outcome is REQUIRE_APPROVAL.
func (c *Controller) assess(op Operation) (Decision, int) {
	if reasons := sanitize(op); len(reasons) > 0 {
		return deny(RiskCritical, reasons), 0
	}

	assessment := ClassifyRequest(op.Target, op.Request)
	risk := MaxRisk(assessment.Risk, op.RiskTag)

	if !c.limiter.allow(op.Principal) {
		return deny(risk, []string{
			fmt.Sprintf("rate limit exceeded for principal %q", redactPrincipal(op.Principal)),
		}), 0
	}

	outcome, required := c.policy(risk)
	if outcome == OutcomeRequireApproval && c.approver == nil {
		// Nobody rejected anything: an ungrantable approval is a policy
		// denial, not an APPROVAL_REJECTED.
		return deny(risk, append(assessment.Reasons,
			"approval required but no approver is registered")), 0
	}
	return Decision{
		Outcome:   outcome,
		Risk:      risk,
		RiskLabel: risk.String(),
		Reasons:   assessment.Reasons,
	}, required
}

// record appends one audit record for this operation. An unauditable
// decision must not proceed.
func (c *Controller) record(ctx context.Context, op Operation, outcome string) error {
	if c.auditLog == nil {
		return nil
	}
	_, err := c.auditLog.Append(ctx, audit.Entry{
		Principal: op.Principal,
		Action:    "safety." + op.Action,
		Resource:  op.Target.Resource,
		Params:    op.Request,
		Outcome:   outcome,
	})
	if err != nil {
		c.logger.Error("audit append failed, denying operation",
			"principal", op.Principal, "action", op.Action, "error", err)
	}
	return err
}

func (c *Controller) publish(decision Decision) {
	if c.bus != nil {
		c.bus.Publish(async.TopicSafetyDecision, "safety", decision)
	}
}

func unauditable(d Decision) Decision {
	return Decision{
		Outcome:   OutcomeDeny,
		Risk:      d.Risk,
		RiskLabel: d.Risk.String(),
		Reasons:   []string{"audit log unavailable"},
	}
}

// policy maps risk to an outcome under the configured level, returning the
// number of approvals needed when the outcome is REQUIRE_APPROVAL.
// CRITICAL always needs two signatures when it is approvable at all.
func (c *Controller) policy(risk Risk) (Outcome, int) {
	switch c.cfg.Level {
	case LevelStrict:
		switch {
		case risk == RiskSafe:
			return OutcomeAllow, 0
		case risk <= RiskMedium:
			return OutcomeRequireApproval, 1
		case c.approver == nil:
			return OutcomeDeny, 0
		case risk == RiskHigh:
			return OutcomeRequireApproval, 1
		default:
			return OutcomeRequireApproval, 2
		}
	case LevelPermissive:
		switch {
		case risk <= RiskLow:
			return OutcomeAllow, 0
		case risk == RiskMedium:
			return OutcomeAllowWithWarning, 0
		case risk == RiskHigh:
			return OutcomeRequireApproval, 1
		default:
			return OutcomeRequireApproval, 2
		}
	default: // moderate
		switch {
		case risk == RiskSafe:
			return OutcomeAllow, 0
		case risk == RiskLow:
			return OutcomeAllowWithWarning, 0
		case risk <= RiskHigh:
			return OutcomeRequireApproval, 1
		default:
			return OutcomeRequireApproval, 2
		}
	}
}

// describe builds the approval payload, masked so secrets in query text
// never reach the approval surface.
func (c *Controller) describe(op Operation) map[string]any {
	payload := map[string]any{
		"kind": string(op.Target.Kind),
	}
	if op.Request.SQL != "" {
		sql := op.Request.SQL
		if c.redactor != nil {
			sql = c.redactor.Mask(sql)
		}
		payload["sql"] = sql
	}
	if op.Request.Document != nil {
		payload["operation"] = string(op.Request.Document.Operation)
		payload["collection"] = op.Request.Document.Collection
	}
	if op.Request.KV != nil {
		payload["operation"] = string(op.Request.KV.Op)
	}
	for k, v := range op.Detail {
		payload[k] = v
	}
	return payload
}

// RequiresApproval reports whether the given risk would gate behind an
// approval under the configured level. Agents use it to surface the
// AWAITING_APPROVAL state before submitting the operation.
func (c *Controller) RequiresApproval(risk Risk) bool {
	outcome, _ := c.policy(risk)
	return outcome == OutcomeRequireApproval
}

func deny(risk Risk, reasons []string) Decision {
	return Decision{
		Outcome:   OutcomeDeny,
		Risk:      risk,
		RiskLabel: risk.String(),
		Reasons:   reasons,
	}
}

const (
	maxPrincipalLen = 128
	maxActionLen    = 128
	maxResourceLen  = 512
	maxRequestBytes = 1 << 20
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@/-]*$`)

// sanitize rejects malformed identifiers before any classification runs:
// traversal sequences, control bytes, oversized fields.
func sanitize(op Operation) []string {
	var reasons []string
	if op.Principal == "" {
		reasons = append(reasons, "principal is required")
	} else if len(op.Principal) > maxPrincipalLen || !identifierPattern.MatchString(op.Principal) {
		reasons = append(reasons, "principal fails identifier validation")
	}
	if op.Action == "" || len(op.Action) > maxActionLen || !identifierPattern.MatchString(op.Action) {
		reasons = append(reasons, "action fails identifier validation")
	}
	if op.Target.Resource != "" {
		switch {
		case len(op.Target.Resource) > maxResourceLen:
			reasons = append(reasons, "resource name too long")
		case strings.Contains(op.Target.Resource, ".."):
			reasons = append(reasons, "resource name contains a traversal sequence")
		case strings.ContainsRune(op.Target.Resource, 0):
			reasons = append(reasons, "resource name contains a NUL byte")
		}
	}
	if len(op.Request.SQL) > maxRequestBytes {
		reasons = append(reasons, "query text exceeds the size limit")
	}
	return reasons
}

func redactPrincipal(p string) string {
	if len(p) <= maxPrincipalLen {
		return p
	}
	return p[:maxPrincipalLen] + "…"
}

// rateLimiter is a per-principal sliding window counter.
type rateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	history map[string][]time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{limit: limit, window: window, history: make(map[string][]time.Time)}
}

func (r *rateLimiter) allow(principal string) bool {
	if r.limit <= 0 {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-r.window)

	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.history[principal]
	kept := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= r.limit {
		r.history[principal] = kept
		return false
	}
	r.history[principal] = append(kept, now)
	return true
}
