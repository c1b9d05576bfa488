package service

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rule"
)

// Sequencer determines the next applicable step of a workflow from a
// starting point, applying conditional-rule gating and self-approval
// bypass. It is the single source of truth for "what happens next" and is
// re-invoked after every recorded action rather than cached.
type Sequencer struct {
	resolver *Resolver
}

// NewSequencer creates a Sequencer using resolver for bypass checks.
func NewSequencer(resolver *Resolver) *Sequencer {
	return &Sequencer{resolver: resolver}
}

// SequenceResult is the outcome of a sequencer walk.
type SequenceResult struct {
	// Step is the next step awaiting action, or nil when the workflow is
	// exhausted and the instance becomes approved.
	Step *repository.Step
	// StepIndex is the position of Step in the ordered step list.
	StepIndex int
	// Approvers is the approver set resolved for Step while selecting it.
	// It is informational (recipients, stall detection); action handling
	// resolves again at act time.
	Approvers map[string]struct{}
	// Bypassed holds synthesized system approve actions, in step order,
	// for approval steps the submitter was eligible to approve.
	Bypassed []*repository.Action
}

// NextApplicable walks steps from fromIndex. Steps whose rule evaluates
// false are skipped entirely and never recorded. Approval-purpose steps
// whose resolved approver set contains the submitter are auto-approved
// with a system action and the walk continues. Action-purpose steps are
// never bypassed: once their rule applies, they must be executed.
func (s *Sequencer) NextApplicable(
	ctx context.Context,
	steps []*repository.Step,
	fromIndex int,
	entity map[string]any,
	submitterID string,
) (*SequenceResult, error) {
	result := &SequenceResult{StepIndex: -1}

	for i := fromIndex; i < len(steps); i++ {
		step := steps[i]

		if !rule.Evaluate(step.ConditionalRule, entity) {
			continue
		}

		approvers, err := s.resolver.Resolve(ctx, step)
		if err != nil {
			return nil, err
		}

		if step.Purpose == repository.StepPurposeApproval {
			if _, eligible := approvers[submitterID]; eligible {
				result.Bypassed = append(result.Bypassed, systemBypassAction(step, submitterID))
				continue
			}
		}

		result.Step = step
		result.StepIndex = i
		result.Approvers = approvers
		return result, nil
	}

	return result, nil
}

// systemBypassAction builds the system-generated approve action recorded
// when a step is auto-approved because the submitter is an eligible
// approver.
func systemBypassAction(step *repository.Step, submitterID string) *repository.Action {
	return &repository.Action{
		StepID:     step.ID,
		ActionType: repository.ActionApprove,
		ActorID:    submitterID,
		Metadata: map[string]any{
			"system": true,
			"bypass": "self_approval",
		},
	}
}
