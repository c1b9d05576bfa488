package repository

import (
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/rule"
)

// ── Workflow definitions ─────────────────────────────────────────────────────

// Step types.
const (
	StepTypeSequential = "sequential"
	StepTypeParallel   = "parallel"
)

// Step purposes. Approval steps are subject to self-approval bypass;
// action steps always execute once reached.
const (
	StepPurposeApproval = "approval"
	StepPurposeAction   = "action"
)

// Approver resolution modes.
const (
	ApproverTypeUser       = "user"
	ApproverTypeRole       = "role"
	ApproverTypePermission = "permission"
)

// WorkflowDefinition is the configured template of steps for approving
// one kind of entity. At most one definition is active per target kind.
// The engine references definitions at runtime but never mutates them.
type WorkflowDefinition struct {
	ID         string
	TargetKind string
	Name       string
	Active     bool
	Steps      []*Step // ordered by OrderIndex
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Step is one gate in a workflow definition.
type Step struct {
	ID                  string
	WorkflowID          string
	OrderIndex          int // unique within the workflow
	Type                string
	Purpose             string
	RequiredCount       int // distinct approvals needed; 1 for sequential
	ApproverType        string
	ApproverIdentifiers []string
	ConditionalRule     *rule.Rule // nil: step always applies
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ── Instances ────────────────────────────────────────────────────────────────

// Instance statuses.
const (
	InstanceStatusDraft            = "draft"
	InstanceStatusInProgress       = "in_progress"
	InstanceStatusChangesRequested = "changes_requested"
	InstanceStatusApproved         = "approved"
	InstanceStatusRejected         = "rejected"
	InstanceStatusCancelled        = "cancelled"
)

// Instance is one approval run of a specific entity against the workflow
// definition captured at submission time. CurrentStepID is null only in
// draft and terminal states.
type Instance struct {
	ID            string
	WorkflowID    string
	TargetKind    string
	TargetID      string
	Status        string
	CurrentStepID *string
	SubmittedBy   string
	SubmittedAt   time.Time
	ResubmittedAt *time.Time // set on each resubmission; resets approval counting
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// InstanceUpdate is a compare-and-set state change applied atomically with
// its action inserts. The expected fields guard against concurrent writers:
// a mismatch means the caller lost the race.
type InstanceUpdate struct {
	ID             string
	ExpectedStatus string
	ExpectedStepID *string
	Status         string
	CurrentStepID  *string
	CompletedAt    *time.Time
	ResubmittedAt  *time.Time          // only applied when non-nil
	PriorApprovals *ApprovalCountGuard // only checked when non-nil
}

// ApprovalCountGuard pins the number of distinct prior approvals the
// caller based its decision on. Partial approvals leave (status,
// current_step_id) untouched, so the CAS alone cannot detect a
// concurrent approval on the same step; the guard is re-checked under
// the instance row lock and a mismatch fails the update.
type ApprovalCountGuard struct {
	StepID   string
	Since    *time.Time
	Expected int
}

// ── Actions ──────────────────────────────────────────────────────────────────

// Action types.
const (
	ActionApprove        = "approve"
	ActionReject         = "reject"
	ActionRequestChanges = "request_changes"
)

// Action is one immutable record of an actor acting on a step. Rows are
// append-only: no update or delete path exists anywhere, and the storage
// schema rejects both unconditionally.
type Action struct {
	ID         string
	InstanceID string
	StepID     string
	ActionType string
	ActorID    string
	Comments   *string
	Metadata   map[string]any
	CreatedAt  time.Time
}
