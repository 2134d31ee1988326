package safety

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/querypilot/querypilot/pkg/async"
	"github.com/querypilot/querypilot/pkg/fault"
)

// ApprovalRequest is handed to the registered approver when a decision
// requires sign-off. Payload carries the sanitized operation for display;
// raw parameters never appear here.
type ApprovalRequest struct {
	ID        string         `json:"id"`
	Principal string         `json:"principal"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Risk      string         `json:"risk"`
	Reasons   []string       `json:"reasons,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`

	// Round distinguishes the signatures of a multi-party approval:
	// 1 for the first approver, 2 for the second.
	Round int `json:"round"`
}

// ApprovalResponse is the approver's verdict. Approver names the human or
// system that signed; multi-party approvals require distinct names.
type ApprovalResponse struct {
	Approved bool   `json:"approved"`
	Approver string `json:"approver"`
	Reason   string `json:"reason,omitempty"`
}

// Approver is implemented by the UI or CLI surface. The contract is
// opaque to the core: it blocks until a human (or policy engine) answers
// or ctx expires.
type Approver interface {
	Approve(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)

func (f ApproverFunc) Approve(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	return f(ctx, req)
}

// collectApprovals runs the approval rounds. Every round must come back
// approved, multi-party rounds from distinct approvers. A timeout or any
// approver error counts as rejection.
func collectApprovals(ctx context.Context, approver Approver, bus *async.Bus,
	req ApprovalRequest, required int, timeout time.Duration) ([]string, error) {

	if approver == nil {
		return nil, fault.New(fault.KindApprovalRejected, "safety", "approve",
			"approval required but no approver is registered").WithResource(req.Resource)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	seen := make(map[string]bool)
	approvers := make([]string, 0, required)
	for round := 1; round <= required; round++ {
		roundReq := req
		roundReq.Round = round
		if bus != nil {
			bus.Publish(async.TopicApprovalRequired, "safety", roundReq)
		}

		roundCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			roundCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		resp, err := approver.Approve(roundCtx, roundReq)
		if cancel != nil {
			cancel()
		}

		if bus != nil {
			bus.Publish(async.TopicApprovalResolved, "safety", map[string]any{
				"id":       req.ID,
				"round":    round,
				"approved": err == nil && resp.Approved,
				"approver": resp.Approver,
			})
		}

		switch {
		case err != nil:
			return nil, fault.Wrap(fault.KindApprovalRejected, "safety", "approve", err).
				WithResource(req.Resource)
		case !resp.Approved:
			return nil, fault.New(fault.KindApprovalRejected, "safety", "approve",
				rejectionReason(resp)).WithResource(req.Resource)
		case resp.Approver == "":
			return nil, fault.New(fault.KindApprovalRejected, "safety", "approve",
				"approval response did not name an approver").WithResource(req.Resource)
		case seen[resp.Approver]:
			return nil, fault.New(fault.KindApprovalRejected, "safety", "approve",
				"multi-party approval requires distinct approvers").WithResource(req.Resource)
		}
		seen[resp.Approver] = true
		approvers = append(approvers, resp.Approver)
	}
	return approvers, nil
}

func rejectionReason(resp ApprovalResponse) string {
	if resp.Reason != "" {
		return "rejected: " + resp.Reason
	}
	return "rejected by approver"
}
