package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/config"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// IdentityClient enumerates current holders of roles and permissions.
type IdentityClient interface {
	GetUsersWithRole(ctx context.Context, role string) ([]string, error)
	GetUsersWithPermission(ctx context.Context, permission string) ([]string, error)
}

// EntityProvider returns the current field snapshot of an approvable
// record, including nested associations, read at evaluation time.
type EntityProvider interface {
	GetSnapshot(ctx context.Context, kind, id string) (map[string]any, error)
}

// EventPublisher delivers step-transition events out of process. Delivery
// is best effort and must never fail the triggering operation.
type EventPublisher interface {
	PublishInstanceEvent(ctx context.Context, eventType string, inst *repository.Instance, actorID string, recipients []string, payload map[string]any)
}

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	Create(ctx context.Context, def *repository.WorkflowDefinition) error
	GetByID(ctx context.Context, id string) (*repository.WorkflowDefinition, error)
	GetActiveByKind(ctx context.Context, kind string) (*repository.WorkflowDefinition, error)
	ListByKind(ctx context.Context, kind string) ([]*repository.WorkflowDefinition, error)
	Activate(ctx context.Context, id string) error
	ReorderSteps(ctx context.Context, workflowID string, orderedStepIDs []string) error
}

// InstanceStore persists approval instances and their action log entries.
type InstanceStore interface {
	Create(ctx context.Context, inst *repository.Instance, actions []*repository.Action) error
	GetByID(ctx context.Context, id string) (*repository.Instance, error)
	GetByTarget(ctx context.Context, kind, targetID string) ([]*repository.Instance, error)
	ListInProgress(ctx context.Context) ([]*repository.Instance, error)
	ApplyAction(ctx context.Context, actions []*repository.Action, upd repository.InstanceUpdate) error
}

// ActionStore reads the append-only action log.
type ActionStore interface {
	ListByInstance(ctx context.Context, instanceID string) ([]*repository.Action, error)
	DistinctApprovers(ctx context.Context, instanceID, stepID string, since *time.Time) ([]string, error)
}

// Instance event types published on state changes.
const (
	EventSubmitted        = "submitted"
	EventAdvanced         = "advanced"
	EventApproved         = "approved"
	EventRejected         = "rejected"
	EventChangesRequested = "changes_requested"
	EventCancelled        = "cancelled"
	EventStalled          = "stalled"
)

// ApprovalService orchestrates the approval workflow engine: workflow
// registry operations, instance submission, and action recording with
// atomic state computation.
type ApprovalService struct {
	workflows      WorkflowStore
	instances      InstanceStore
	actions        ActionStore
	entities       EntityProvider
	resolver       *Resolver
	sequencer      *Sequencer
	events         EventPublisher
	resubmitPolicy string
	log            *logger.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	workflows WorkflowStore,
	instances InstanceStore,
	actions ActionStore,
	entities EntityProvider,
	identity IdentityClient,
	events EventPublisher,
	resubmitPolicy string,
	log *logger.Logger,
) *ApprovalService {
	resolver := NewResolver(identity)
	if resubmitPolicy == "" {
		resubmitPolicy = config.ResubmitResumeAtRequestStep
	}
	return &ApprovalService{
		workflows:      workflows,
		instances:      instances,
		actions:        actions,
		entities:       entities,
		resolver:       resolver,
		sequencer:      NewSequencer(resolver),
		events:         events,
		resubmitPolicy: resubmitPolicy,
		log:            log,
	}
}

// ── Workflow registry ─────────────────────────────────────────────────────────

// CreateWorkflow validates and persists a new workflow definition. The
// definition starts inactive; Activate makes it the one live definition
// for its target kind.
func (s *ApprovalService) CreateWorkflow(ctx context.Context, def *repository.WorkflowDefinition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}

	sort.Slice(def.Steps, func(i, j int) bool {
		return def.Steps[i].OrderIndex < def.Steps[j].OrderIndex
	})

	if err := s.workflows.Create(ctx, def); err != nil {
		return err
	}

	s.log.Info().
		Str("workflow_id", def.ID).
		Str("target_kind", def.TargetKind).
		Int("steps", len(def.Steps)).
		Msg("Workflow definition created")
	return nil
}

// ActivateWorkflow makes the definition active, deactivating any previous
// active definition for the same kind in the same transaction.
func (s *ApprovalService) ActivateWorkflow(ctx context.Context, id string) error {
	if err := s.workflows.Activate(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("workflow_id", id).Msg("Workflow definition activated")
	return nil
}

// GetActiveWorkflow returns the active definition for a target kind.
func (s *ApprovalService) GetActiveWorkflow(ctx context.Context, kind string) (*repository.WorkflowDefinition, error) {
	def, err := s.workflows.GetActiveByKind(ctx, kind)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, errors.NoActiveWorkflow(kind)
	}
	return def, nil
}

// GetWorkflow returns a definition with its ordered steps.
func (s *ApprovalService) GetWorkflow(ctx context.Context, id string) (*repository.WorkflowDefinition, error) {
	return s.workflows.GetByID(ctx, id)
}

// ReorderSteps renumbers a definition's steps atomically.
func (s *ApprovalService) ReorderSteps(ctx context.Context, workflowID string, orderedStepIDs []string) error {
	if len(orderedStepIDs) == 0 {
		return errors.InvalidInput("step_ids", "must not be empty")
	}
	return s.workflows.ReorderSteps(ctx, workflowID, orderedStepIDs)
}

// ── Submission ────────────────────────────────────────────────────────────────

// Submit starts an approval run for an entity: resolves the active
// workflow, computes the first applicable step (running self-approval
// bypasses), and creates the instance pointing at it. When every step is
// skipped or bypassed the instance is created directly approved.
func (s *ApprovalService) Submit(ctx context.Context, kind, targetID, submitterID string) (*repository.Instance, error) {
	if kind == "" || targetID == "" {
		return nil, errors.InvalidInput("target", "kind and id are required")
	}
	if submitterID == "" {
		return nil, errors.InvalidInput("submitted_by", "submitter is required")
	}

	def, err := s.workflows.GetActiveByKind(ctx, kind)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, errors.NoActiveWorkflow(kind)
	}

	entity, err := s.entities.GetSnapshot(ctx, kind, targetID)
	if err != nil {
		return nil, err
	}

	res, err := s.sequencer.NextApplicable(ctx, def.Steps, 0, entity, submitterID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	inst := &repository.Instance{
		WorkflowID:  def.ID,
		TargetKind:  kind,
		TargetID:    targetID,
		SubmittedBy: submitterID,
	}
	if res.Step == nil {
		inst.Status = repository.InstanceStatusApproved
		inst.CompletedAt = &now
	} else {
		inst.Status = repository.InstanceStatusInProgress
		inst.CurrentStepID = &res.Step.ID
	}

	if err := s.instances.Create(ctx, inst, res.Bypassed); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("target_kind", kind).
		Str("target_id", targetID).
		Str("status", inst.Status).
		Int("bypassed_steps", len(res.Bypassed)).
		Msg("Instance submitted")

	s.publish(ctx, EventSubmitted, inst, submitterID, []string{submitterID}, nil)
	s.publishProgress(ctx, inst, submitterID, res)

	return inst, nil
}

// ── Action recording ──────────────────────────────────────────────────────────

// Act records an actor's action on the instance's current step and
// computes the resulting state in the same transaction as the action
// insert. A lost concurrency race surfaces as InstanceStateChanged.
func (s *ApprovalService) Act(
	ctx context.Context,
	instanceID, stepID, actorID, actionType string,
	comments *string,
) (*repository.Action, *repository.Instance, error) {
	switch actionType {
	case repository.ActionApprove, repository.ActionReject, repository.ActionRequestChanges:
	default:
		return nil, nil, errors.InvalidInput("action_type", "must be approve, reject or request_changes")
	}
	if actionType != repository.ActionApprove && !hasComment(comments) {
		return nil, nil, errors.MissingRequiredComment(actionType)
	}

	inst, err := s.instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	if !isActionable(inst.Status) {
		return nil, nil, errors.InstanceNotActionable(fmt.Sprintf("instance is %s", inst.Status))
	}
	if inst.CurrentStepID == nil || *inst.CurrentStepID != stepID {
		return nil, nil, errors.InstanceNotActionable("step is not the instance's current step")
	}

	def, err := s.workflows.GetByID(ctx, inst.WorkflowID)
	if err != nil {
		return nil, nil, err
	}
	step, stepIndex, err := findStep(def, stepID)
	if err != nil {
		return nil, nil, err
	}

	// Eligibility is re-verified fresh on every act, immediately before
	// the state write: role membership may have changed while the step
	// was pending.
	approvers, err := s.resolver.Resolve(ctx, step)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := approvers[actorID]; !ok {
		return nil, nil, errors.NotEligibleApprover(actorID)
	}

	action := &repository.Action{
		StepID:     stepID,
		ActionType: actionType,
		ActorID:    actorID,
		Comments:   comments,
	}

	switch actionType {
	case repository.ActionReject:
		// A single reject terminates the instance regardless of step type
		// or how many approvals had accumulated.
		updated, err := s.terminate(ctx, inst, repository.InstanceStatusRejected, []*repository.Action{action})
		if err != nil {
			return nil, nil, err
		}
		s.publish(ctx, EventRejected, updated, actorID, []string{updated.SubmittedBy}, map[string]any{
			"step_id": stepID,
		})
		return action, updated, nil

	case repository.ActionRequestChanges:
		// Control returns to the submitter; the current step pointer
		// stays on the requesting step for policy-driven resubmission.
		updated := *inst
		updated.Status = repository.InstanceStatusChangesRequested
		if err := s.instances.ApplyAction(ctx, []*repository.Action{action}, casUpdate(inst, &updated)); err != nil {
			return nil, nil, err
		}
		s.publish(ctx, EventChangesRequested, &updated, actorID, []string{updated.SubmittedBy}, map[string]any{
			"step_id": stepID,
		})
		return action, &updated, nil
	}

	return s.approve(ctx, inst, def, step, stepIndex, action)
}

// approve handles an approve action: parallel counting, idempotent
// duplicates, and advancing once required_count distinct approvals exist.
func (s *ApprovalService) approve(
	ctx context.Context,
	inst *repository.Instance,
	def *repository.WorkflowDefinition,
	step *repository.Step,
	stepIndex int,
	action *repository.Action,
) (*repository.Action, *repository.Instance, error) {
	required := 1
	if step.Type == repository.StepTypeParallel && step.RequiredCount > 0 {
		required = step.RequiredCount
	}

	prior, err := s.actions.DistinctApprovers(ctx, inst.ID, step.ID, inst.ResubmittedAt)
	if err != nil {
		return nil, nil, err
	}

	duplicate := false
	for _, actor := range prior {
		if actor == action.ActorID {
			duplicate = true
			break
		}
	}

	// Partial approvals leave (status, current_step_id) untouched, so the
	// CAS alone cannot see a concurrent approval on the same step. The
	// guard makes the write conditional on the count we decided on, and a
	// racing approver surfaces InstanceStateChanged instead of leaving a
	// completed step stuck open.
	guard := &repository.ApprovalCountGuard{
		StepID:   step.ID,
		Since:    inst.ResubmittedAt,
		Expected: len(prior),
	}

	if duplicate || len(prior)+1 < required {
		// Logged but the step is not yet complete: a repeat approval from
		// the same actor never increases the count.
		upd := casUpdate(inst, inst)
		upd.PriorApprovals = guard
		if err := s.instances.ApplyAction(ctx, []*repository.Action{action}, upd); err != nil {
			return nil, nil, err
		}
		return action, inst, nil
	}

	// Step complete: re-invoke the sequencer against a fresh snapshot.
	entity, err := s.entities.GetSnapshot(ctx, inst.TargetKind, inst.TargetID)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.sequencer.NextApplicable(ctx, def.Steps, stepIndex+1, entity, inst.SubmittedBy)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	updated := *inst
	if res.Step == nil {
		updated.Status = repository.InstanceStatusApproved
		updated.CurrentStepID = nil
		updated.CompletedAt = &now
	} else {
		updated.Status = repository.InstanceStatusInProgress
		updated.CurrentStepID = &res.Step.ID
	}

	toWrite := append([]*repository.Action{action}, res.Bypassed...)
	upd := casUpdate(inst, &updated)
	upd.PriorApprovals = guard
	if err := s.instances.ApplyAction(ctx, toWrite, upd); err != nil {
		return nil, nil, err
	}

	if res.Step == nil {
		s.publish(ctx, EventApproved, &updated, action.ActorID, []string{updated.SubmittedBy}, nil)
	} else {
		s.publishProgress(ctx, &updated, action.ActorID, res)
	}
	return action, &updated, nil
}

// ── Cancel / resubmit ─────────────────────────────────────────────────────────

// Cancel terminates a pending instance. Only the submitter may cancel.
func (s *ApprovalService) Cancel(ctx context.Context, instanceID, actorID string) (*repository.Instance, error) {
	inst, err := s.instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !canTransition(inst.Status, repository.InstanceStatusCancelled) {
		return nil, errors.InstanceNotActionable(fmt.Sprintf("instance is %s", inst.Status))
	}
	if inst.SubmittedBy != actorID {
		return nil, errors.New(errors.ErrCodeUnauthorized, "only the submitter can cancel the instance")
	}

	updated, err := s.terminate(ctx, inst, repository.InstanceStatusCancelled, nil)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, EventCancelled, updated, actorID, []string{updated.SubmittedBy}, nil)
	return updated, nil
}

// Resubmit re-enters a changes-requested instance according to the
// configured policy: back at the step that requested changes, or from the
// first step. Approvals recorded before the resubmission no longer count
// toward parallel thresholds.
func (s *ApprovalService) Resubmit(ctx context.Context, instanceID, actorID string) (*repository.Instance, error) {
	inst, err := s.instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != repository.InstanceStatusChangesRequested {
		return nil, errors.InstanceNotActionable(fmt.Sprintf("instance is %s, not changes_requested", inst.Status))
	}
	if inst.SubmittedBy != actorID {
		return nil, errors.New(errors.ErrCodeUnauthorized, "only the submitter can resubmit the instance")
	}

	def, err := s.workflows.GetByID(ctx, inst.WorkflowID)
	if err != nil {
		return nil, err
	}

	fromIndex := 0
	if s.resubmitPolicy == config.ResubmitResumeAtRequestStep && inst.CurrentStepID != nil {
		if _, idx, err := findStep(def, *inst.CurrentStepID); err == nil {
			fromIndex = idx
		}
	}

	entity, err := s.entities.GetSnapshot(ctx, inst.TargetKind, inst.TargetID)
	if err != nil {
		return nil, err
	}
	res, err := s.sequencer.NextApplicable(ctx, def.Steps, fromIndex, entity, inst.SubmittedBy)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	updated := *inst
	updated.ResubmittedAt = &now
	if res.Step == nil {
		updated.Status = repository.InstanceStatusApproved
		updated.CurrentStepID = nil
		updated.CompletedAt = &now
	} else {
		updated.Status = repository.InstanceStatusInProgress
		updated.CurrentStepID = &res.Step.ID
	}

	upd := casUpdate(inst, &updated)
	upd.ResubmittedAt = &now
	if err := s.instances.ApplyAction(ctx, res.Bypassed, upd); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("policy", s.resubmitPolicy).
		Str("status", updated.Status).
		Msg("Instance resubmitted")

	if res.Step == nil {
		s.publish(ctx, EventApproved, &updated, actorID, []string{updated.SubmittedBy}, nil)
	} else {
		s.publishProgress(ctx, &updated, actorID, res)
	}
	return &updated, nil
}

// ── Read accessors ────────────────────────────────────────────────────────────

// GetInstance returns an instance by ID.
func (s *ApprovalService) GetInstance(ctx context.Context, id string) (*repository.Instance, error) {
	return s.instances.GetByID(ctx, id)
}

// GetInstanceActions returns the ordered, immutable action history.
func (s *ApprovalService) GetInstanceActions(ctx context.Context, instanceID string) ([]*repository.Action, error) {
	if _, err := s.instances.GetByID(ctx, instanceID); err != nil {
		return nil, err
	}
	return s.actions.ListByInstance(ctx, instanceID)
}

// GetInstancesByTarget returns all approval runs for an entity.
func (s *ApprovalService) GetInstancesByTarget(ctx context.Context, kind, targetID string) ([]*repository.Instance, error) {
	return s.instances.GetByTarget(ctx, kind, targetID)
}

// ListPendingForActor returns in-progress instances whose current step's
// freshly resolved approver set contains the actor.
func (s *ApprovalService) ListPendingForActor(ctx context.Context, actorID string) ([]*repository.Instance, error) {
	open, err := s.instances.ListInProgress(ctx)
	if err != nil {
		return nil, err
	}

	defs := make(map[string]*repository.WorkflowDefinition)
	var pending []*repository.Instance
	for _, inst := range open {
		if inst.CurrentStepID == nil {
			continue
		}
		def, ok := defs[inst.WorkflowID]
		if !ok {
			if def, err = s.workflows.GetByID(ctx, inst.WorkflowID); err != nil {
				return nil, err
			}
			defs[inst.WorkflowID] = def
		}
		step, _, err := findStep(def, *inst.CurrentStepID)
		if err != nil {
			continue
		}
		approvers, err := s.resolver.Resolve(ctx, step)
		if err != nil {
			return nil, err
		}
		if _, ok := approvers[actorID]; ok {
			pending = append(pending, inst)
		}
	}
	return pending, nil
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// terminate moves an instance to a terminal status, clearing the current
// step and stamping completion, together with any final actions.
func (s *ApprovalService) terminate(ctx context.Context, inst *repository.Instance, status string, actions []*repository.Action) (*repository.Instance, error) {
	now := time.Now()
	updated := *inst
	updated.Status = status
	updated.CurrentStepID = nil
	updated.CompletedAt = &now

	if err := s.instances.ApplyAction(ctx, actions, casUpdate(inst, &updated)); err != nil {
		return nil, err
	}
	return &updated, nil
}

// publishProgress emits the advanced event for a newly current step, and
// flags a stalled instance when the step's approver set resolved empty.
func (s *ApprovalService) publishProgress(ctx context.Context, inst *repository.Instance, actorID string, res *SequenceResult) {
	if res.Step == nil {
		if inst.Status == repository.InstanceStatusApproved {
			s.publish(ctx, EventApproved, inst, actorID, []string{inst.SubmittedBy}, nil)
		}
		return
	}

	recipients := make([]string, 0, len(res.Approvers))
	for actor := range res.Approvers {
		recipients = append(recipients, actor)
	}
	sort.Strings(recipients)

	if len(recipients) == 0 {
		// The instance stalls visibly: nobody can act on this step until
		// role/permission configuration is corrected.
		err := errors.EmptyApproverSet(res.Step.ID)
		s.log.Error().
			Str("instance_id", inst.ID).
			Str("step_id", res.Step.ID).
			Msg(err.Message)
		s.publish(ctx, EventStalled, inst, actorID, []string{inst.SubmittedBy}, map[string]any{
			"step_id": res.Step.ID,
			"reason":  "empty_approver_set",
		})
		return
	}

	s.publish(ctx, EventAdvanced, inst, actorID, recipients, map[string]any{
		"step_id": res.Step.ID,
	})
}

// publish emits an instance event; failures are the publisher's problem.
func (s *ApprovalService) publish(ctx context.Context, eventType string, inst *repository.Instance, actorID string, recipients []string, payload map[string]any) {
	if s.events == nil {
		return
	}
	s.events.PublishInstanceEvent(ctx, eventType, inst, actorID, recipients, payload)
}

// casUpdate builds the compare-and-set update from the observed state to
// the computed state.
func casUpdate(observed, computed *repository.Instance) repository.InstanceUpdate {
	return repository.InstanceUpdate{
		ID:             observed.ID,
		ExpectedStatus: observed.Status,
		ExpectedStepID: observed.CurrentStepID,
		Status:         computed.Status,
		CurrentStepID:  computed.CurrentStepID,
		CompletedAt:    computed.CompletedAt,
	}
}

func findStep(def *repository.WorkflowDefinition, stepID string) (*repository.Step, int, error) {
	for i, step := range def.Steps {
		if step.ID == stepID {
			return step, i, nil
		}
	}
	return nil, -1, errors.NotFound("workflow_step", stepID)
}

func hasComment(comments *string) bool {
	return comments != nil && strings.TrimSpace(*comments) != ""
}

// validateDefinition checks a definition at configuration time, including
// every step's conditional rule, before it can ever become active.
func validateDefinition(def *repository.WorkflowDefinition) error {
	if def.TargetKind == "" {
		return errors.InvalidInput("target_kind", "must not be empty")
	}
	if len(def.Steps) == 0 {
		return errors.InvalidInput("steps", "workflow requires at least one step")
	}

	seen := make(map[int]struct{}, len(def.Steps))
	for _, step := range def.Steps {
		if _, dup := seen[step.OrderIndex]; dup {
			return errors.InvalidInput("order_index", fmt.Sprintf("duplicate order index %d", step.OrderIndex))
		}
		seen[step.OrderIndex] = struct{}{}

		switch step.Type {
		case repository.StepTypeSequential:
			step.RequiredCount = 1
		case repository.StepTypeParallel:
			if step.RequiredCount < 1 {
				step.RequiredCount = 1
			}
		default:
			return errors.InvalidInput("step_type", "must be sequential or parallel")
		}

		switch step.Purpose {
		case repository.StepPurposeApproval, repository.StepPurposeAction:
		default:
			return errors.InvalidInput("purpose", "must be approval or action")
		}

		switch step.ApproverType {
		case repository.ApproverTypeUser, repository.ApproverTypeRole, repository.ApproverTypePermission:
		default:
			return errors.InvalidInput("approver_type", "must be user, role or permission")
		}
		if len(step.ApproverIdentifiers) == 0 {
			return errors.InvalidInput("approver_identifiers", "must not be empty")
		}

		if err := step.ConditionalRule.Validate(); err != nil {
			return err
		}
	}
	return nil
}
