// Package approval implements the two-phase commit for dangerous actor
// commands: the first attempt parks a PendingAction and hands back its id;
// the command proceeds only once someone approves it out of band.
package approval

import (
	"fmt"
	"sync"
	"time"

	"github.com/nexusnarrative/narrator/internal/apperr"
)

// Decision is the state of a pending action.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
)

// DefaultTTL is how long a pending action stays decidable.
const DefaultTTL = 24 * time.Hour

// PendingAction is one parked command awaiting a decision.
type PendingAction struct {
	ID             string            `json:"id"`
	NarrativeID    string            `json:"narrative_id"`
	Command        string            `json:"command"`
	Params         map[string]string `json:"params,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	Decision       Decision          `json:"decision"`
	DecidedBy      string            `json:"decided_by,omitempty"`
	DecisionReason string            `json:"decision_reason,omitempty"`
}

// Expired reports whether the action is past its expiry at now.
func (a *PendingAction) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Workflow is the in-process, volatile pending-action store. Durability,
// when needed, is layered behind the same surface by a repository-backed
// variant; narrative execution persistence stays separate.
type Workflow struct {
	mu      sync.RWMutex
	actions map[string]*PendingAction
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithTTL overrides the pending-action lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(w *Workflow) {
		if ttl > 0 {
			w.ttl = ttl
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWorkflow creates an empty workflow.
func NewWorkflow(opts ...Option) *Workflow {
	w := &Workflow{
		actions: make(map[string]*PendingAction),
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// CreatePendingAction parks a command and returns the new action. The id
// is "<narrative>-<command>-<millis>".
func (w *Workflow) CreatePendingAction(narrativeID, command string, params map[string]string, reason string) *PendingAction {
	now := w.now()
	action := &PendingAction{
		ID:          fmt.Sprintf("%s-%s-%d", narrativeID, command, now.UnixMilli()),
		NarrativeID: narrativeID,
		Command:     command,
		Params:      params,
		Reason:      reason,
		CreatedAt:   now,
		ExpiresAt:   now.Add(w.ttl),
		Decision:    DecisionPending,
	}
	w.mu.Lock()
	w.actions[action.ID] = action
	w.mu.Unlock()
	return action
}

// Get returns a pending action by id.
func (w *Workflow) Get(id string) (*PendingAction, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	action, ok := w.actions[id]
	if !ok {
		return nil, apperr.NotFound("approval.get", "pending action", id)
	}
	copied := *action
	return &copied, nil
}

// Approve records an approval.
func (w *Workflow) Approve(id, decidedBy, reason string) error {
	return w.decide(id, DecisionApproved, decidedBy, reason)
}

// Deny records a denial.
func (w *Workflow) Deny(id, decidedBy, reason string) error {
	return w.decide(id, DecisionDenied, decidedBy, reason)
}

func (w *Workflow) decide(id string, decision Decision, decidedBy, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	action, ok := w.actions[id]
	if !ok {
		return apperr.NotFound("approval.decide", "pending action", id)
	}
	if action.Expired(w.now()) {
		return apperr.New(apperr.KindApprovalDenied, "approval.decide",
			fmt.Errorf("action %s expired", id), map[string]any{"action_id": id, "reason": "expired"})
	}
	if action.Decision != DecisionPending {
		return apperr.Conflict("approval.decide", "decision for "+id)
	}
	action.Decision = decision
	action.DecidedBy = decidedBy
	action.DecisionReason = reason
	return nil
}

// CheckApproval reports whether the action may proceed: nil for approved,
// a typed error otherwise (missing, expired, denied, still pending).
func (w *Workflow) CheckApproval(id string) error {
	w.mu.RLock()
	action, ok := w.actions[id]
	w.mu.RUnlock()
	if !ok {
		return apperr.NotFound("approval.check", "pending action", id)
	}

	if action.Expired(w.now()) {
		return apperr.New(apperr.KindApprovalDenied, "approval.check",
			fmt.Errorf("action %s expired", id), map[string]any{"action_id": id, "reason": "expired"})
	}
	switch action.Decision {
	case DecisionApproved:
		return nil
	case DecisionDenied:
		return apperr.New(apperr.KindApprovalDenied, "approval.check",
			fmt.Errorf("action %s denied: %s", id, action.DecisionReason),
			map[string]any{"action_id": id, "reason": action.DecisionReason})
	default:
		return apperr.New(apperr.KindApprovalRequired, "approval.check",
			fmt.Errorf("action %s is still pending", id), map[string]any{"action_id": id})
	}
}

// ListPending returns all undecided, unexpired actions.
func (w *Workflow) ListPending() []*PendingAction {
	now := w.now()
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []*PendingAction
	for _, action := range w.actions {
		if action.Decision == DecisionPending && !action.Expired(now) {
			copied := *action
			out = append(out, &copied)
		}
	}
	return out
}

// CleanupExpired drops actions past their expiry, returning the count.
func (w *Workflow) CleanupExpired() int {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	removed := 0
	for id, action := range w.actions {
		if action.Expired(now) {
			delete(w.actions, id)
			removed++
		}
	}
	return removed
}
