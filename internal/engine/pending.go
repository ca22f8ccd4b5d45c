package engine

import (
	"context"
	"errors"
	"fmt"

	"gatewatch/internal/model"
)

const (
	reasonResponseWindowClosed = "response window closed"
	reasonDecisionExpired      = "decision window expired"
)

// PendingStatus answers "is this attempt still waiting for a human".
type PendingStatus struct {
	Active   bool           `json:"active"`
	Decision model.Decision `json:"decision"`
	Reason   string         `json:"reason,omitempty"`
}

// RespondToPending records a human verdict on a deferred attempt. At most
// one response is ever accepted; a responder who loses the race against
// another responder or the expiry sweep gets an InvalidStateError carrying
// the decision that won.
func (e *Engine) RespondToPending(ctx context.Context, attemptID, responderID string, approve bool, comment string) (model.AccessAttempt, error) {
	if responderID == "" {
		return model.AccessAttempt{}, fmt.Errorf("%w: responder is required", model.ErrValidation)
	}
	responder, err := e.store.GetUser(ctx, responderID)
	if err != nil {
		return model.AccessAttempt{}, err
	}
	att, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return model.AccessAttempt{}, err
	}
	if att.Decision != model.DecisionPending {
		return model.AccessAttempt{}, &model.InvalidStateError{Current: att.Decision}
	}

	now := e.now()
	if att.ExpiresAt != nil && now.After(*att.ExpiresAt) {
		ok, err := e.store.ResolvePending(ctx, attemptID, model.DecisionExpired, reasonResponseWindowClosed, att.Method, "", nil)
		if err != nil {
			return model.AccessAttempt{}, err
		}
		if ok {
			e.metrics.RecordExpired(1)
			e.logger.Info("pending attempt expired on response", "attempt_id", attemptID, "responder_id", responderID)
			return model.AccessAttempt{}, &model.InvalidStateError{Current: model.DecisionExpired}
		}
		// someone else already closed it
		att, err = e.store.GetAttempt(ctx, attemptID)
		if err != nil {
			return model.AccessAttempt{}, err
		}
		return model.AccessAttempt{}, &model.InvalidStateError{Current: att.Decision}
	}

	decision := model.DecisionDenied
	reason := "denied by " + responder.Name
	if approve {
		decision = model.DecisionPermitted
		reason = "approved by " + responder.Name
	}
	if comment != "" {
		reason += ": " + comment
	}

	ok, err := e.store.ResolvePending(ctx, attemptID, decision, reason, "manual review", responderID, &now)
	if err != nil {
		return model.AccessAttempt{}, err
	}
	if !ok {
		att, err = e.store.GetAttempt(ctx, attemptID)
		if err != nil {
			return model.AccessAttempt{}, err
		}
		return model.AccessAttempt{}, &model.InvalidStateError{Current: att.Decision}
	}

	e.metrics.RecordDecision(string(decision), now.Sub(att.CreatedAt))
	e.logger.Info("pending attempt resolved",
		"attempt_id", attemptID,
		"decision", decision,
		"responder_id", responderID,
	)
	return e.store.GetAttempt(ctx, attemptID)
}

// CheckPendingStatus reports whether an attempt still accepts responses,
// expiring it as a side effect when its window has passed. Unknown
// attempts read as inactive rather than erroring; intercom panels poll
// this endpoint and a vanished attempt is not an exceptional condition.
func (e *Engine) CheckPendingStatus(ctx context.Context, attemptID string) (PendingStatus, error) {
	att, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return PendingStatus{Active: false, Reason: "not found"}, nil
		}
		return PendingStatus{}, err
	}
	if att.Decision != model.DecisionPending {
		return PendingStatus{Active: false, Decision: att.Decision, Reason: att.Reason}, nil
	}
	now := e.now()
	if att.ExpiresAt != nil && now.After(*att.ExpiresAt) {
		ok, err := e.store.ResolvePending(ctx, attemptID, model.DecisionExpired, reasonDecisionExpired, att.Method, "", nil)
		if err != nil {
			return PendingStatus{}, err
		}
		if ok {
			e.metrics.RecordExpired(1)
		}
		att, err = e.store.GetAttempt(ctx, attemptID)
		if err != nil {
			return PendingStatus{}, err
		}
		return PendingStatus{Active: false, Decision: att.Decision, Reason: att.Reason}, nil
	}
	return PendingStatus{Active: true, Decision: att.Decision, Reason: att.Reason}, nil
}

// ListPendingAttempts sweeps overdue attempts first so callers never see a
// Pending row whose window has already passed.
func (e *Engine) ListPendingAttempts(ctx context.Context) ([]model.AccessAttempt, error) {
	if _, err := e.SweepExpired(ctx); err != nil {
		return nil, err
	}
	return e.store.ListPending(ctx)
}

// SweepExpired bulk-expires overdue Pending attempts. Safe to run from
// multiple goroutines; each overdue attempt transitions exactly once.
func (e *Engine) SweepExpired(ctx context.Context) (int64, error) {
	n, err := e.store.ExpireOverdue(ctx, e.now(), reasonDecisionExpired)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.metrics.RecordExpired(n)
		e.logger.Info("expired pending attempts", "count", n)
	}
	return n, nil
}
