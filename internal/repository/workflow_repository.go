package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/rule"
)

// WorkflowRepository manages workflow definitions and their steps.
// Definition + step creation is always done together in a single
// transaction, and activation enforces the one-active-per-kind invariant
// transactionally.
type WorkflowRepository struct {
	db *database.DB
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// Create inserts a definition and its steps in one transaction. New
// definitions always start inactive.
func (r *WorkflowRepository) Create(ctx context.Context, def *WorkflowDefinition) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		defQuery := `
			INSERT INTO approval_workflows (target_kind, name, is_active)
			VALUES ($1, $2, FALSE)
			RETURNING id, is_active, created_at, updated_at
		`

		err := tx.QueryRow(ctx, defQuery, def.TargetKind, def.Name).
			Scan(&def.ID, &def.Active, &def.CreatedAt, &def.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow definition")
		}

		stepQuery := `
			INSERT INTO approval_steps
			    (workflow_id, order_index, step_type, purpose,
			     required_count, approver_type, approver_identifiers,
			     conditional_rule)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at, updated_at
		`

		for _, step := range def.Steps {
			step.WorkflowID = def.ID

			ruleJSON, err := marshalRule(step.ConditionalRule)
			if err != nil {
				return err
			}

			err = tx.QueryRow(ctx, stepQuery,
				step.WorkflowID,
				step.OrderIndex,
				step.Type,
				step.Purpose,
				step.RequiredCount,
				step.ApproverType,
				step.ApproverIdentifiers,
				ruleJSON,
			).Scan(&step.ID, &step.CreatedAt, &step.UpdatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow step")
			}
		}

		return nil
	})
}

// GetByID retrieves a definition with its ordered steps.
func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*WorkflowDefinition, error) {
	query := `
		SELECT id, target_kind, name, is_active, created_at, updated_at
		FROM approval_workflows
		WHERE id = $1
	`

	def := &WorkflowDefinition{}
	err := r.db.QueryRow(ctx, query, id).
		Scan(&def.ID, &def.TargetKind, &def.Name, &def.Active, &def.CreatedAt, &def.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow")
	}

	if def.Steps, err = r.loadSteps(ctx, def.ID); err != nil {
		return nil, err
	}
	return def, nil
}

// GetActiveByKind returns the single active definition for a target kind,
// or nil when none is active.
func (r *WorkflowRepository) GetActiveByKind(ctx context.Context, kind string) (*WorkflowDefinition, error) {
	query := `
		SELECT id, target_kind, name, is_active, created_at, updated_at
		FROM approval_workflows
		WHERE target_kind = $1 AND is_active = TRUE
	`

	def := &WorkflowDefinition{}
	err := r.db.QueryRow(ctx, query, kind).
		Scan(&def.ID, &def.TargetKind, &def.Name, &def.Active, &def.CreatedAt, &def.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get active workflow")
	}

	if def.Steps, err = r.loadSteps(ctx, def.ID); err != nil {
		return nil, err
	}
	return def, nil
}

// ListByKind returns all definitions for a kind, newest first, without steps.
func (r *WorkflowRepository) ListByKind(ctx context.Context, kind string) ([]*WorkflowDefinition, error) {
	query := `
		SELECT id, target_kind, name, is_active, created_at, updated_at
		FROM approval_workflows
		WHERE target_kind = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, kind)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflows")
	}
	defer rows.Close()

	var defs []*WorkflowDefinition
	for rows.Next() {
		def := &WorkflowDefinition{}
		if err := rows.Scan(&def.ID, &def.TargetKind, &def.Name, &def.Active, &def.CreatedAt, &def.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow")
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Activate makes the definition the single active one for its kind. The
// previous active definition (if any) is deactivated in the same
// transaction, keeping the one-active-per-kind invariant without relying
// on storage-specific generated columns.
func (r *WorkflowRepository) Activate(ctx context.Context, id string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var kind string
		err := tx.QueryRow(ctx,
			`SELECT target_kind FROM approval_workflows WHERE id = $1 FOR UPDATE`, id,
		).Scan(&kind)
		if err == pgx.ErrNoRows {
			return errors.NotFound("workflow", id)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock workflow")
		}

		_, err = tx.Exec(ctx, `
			UPDATE approval_workflows
			SET is_active = FALSE, updated_at = NOW()
			WHERE target_kind = $1 AND is_active = TRUE AND id <> $2
		`, kind, id)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate previous workflow")
		}

		_, err = tx.Exec(ctx, `
			UPDATE approval_workflows
			SET is_active = TRUE, updated_at = NOW()
			WHERE id = $1
		`, id)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to activate workflow")
		}
		return nil
	})
}

// ReorderSteps renumbers a definition's steps to match orderedStepIDs,
// atomically. Steps are first shifted out of the occupied index range so
// the (workflow_id, order_index) uniqueness constraint cannot collide
// mid-renumber.
func (r *WorkflowRepository) ReorderSteps(ctx context.Context, workflowID string, orderedStepIDs []string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var active bool
		err := tx.QueryRow(ctx,
			`SELECT is_active FROM approval_workflows WHERE id = $1 FOR UPDATE`, workflowID,
		).Scan(&active)
		if err == pgx.ErrNoRows {
			return errors.NotFound("workflow", workflowID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock workflow")
		}
		if active {
			return errors.New(errors.ErrCodeConflict, "cannot reorder steps of an active workflow")
		}

		var count int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM approval_steps WHERE workflow_id = $1`, workflowID,
		).Scan(&count); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to count workflow steps")
		}
		if count != len(orderedStepIDs) {
			return errors.InvalidInput("step_ids", "must list every step of the workflow exactly once")
		}

		_, err = tx.Exec(ctx, `
			UPDATE approval_steps
			SET order_index = order_index + 1000000
			WHERE workflow_id = $1
		`, workflowID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to shift step order")
		}

		for i, stepID := range orderedStepIDs {
			tag, err := tx.Exec(ctx, `
				UPDATE approval_steps
				SET order_index = $3, updated_at = NOW()
				WHERE workflow_id = $1 AND id = $2
			`, workflowID, stepID, i+1)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to renumber step")
			}
			if tag.RowsAffected() == 0 {
				return errors.NotFound("workflow_step", stepID)
			}
		}
		return nil
	})
}

// ── step loading / rule codec ────────────────────────────────────────────────

func (r *WorkflowRepository) loadSteps(ctx context.Context, workflowID string) ([]*Step, error) {
	query := `
		SELECT id, workflow_id, order_index, step_type, purpose,
		       required_count, approver_type, approver_identifiers,
		       conditional_rule, created_at, updated_at
		FROM approval_steps
		WHERE workflow_id = $1
		ORDER BY order_index ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load workflow steps")
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		step := &Step{}
		var ruleJSON []byte

		err := rows.Scan(
			&step.ID,
			&step.WorkflowID,
			&step.OrderIndex,
			&step.Type,
			&step.Purpose,
			&step.RequiredCount,
			&step.ApproverType,
			&step.ApproverIdentifiers,
			&ruleJSON,
			&step.CreatedAt,
			&step.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow step")
		}

		if step.ConditionalRule, err = unmarshalRule(ruleJSON); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func marshalRule(r *rule.Rule) ([]byte, error) {
	if r.IsEmpty() {
		return nil, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal conditional rule")
	}
	return data, nil
}

func unmarshalRule(data []byte) (*rule.Rule, error) {
	if len(data) == 0 {
		return nil, nil
	}
	parsed := &rule.Rule{}
	if err := json.Unmarshal(data, parsed); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal conditional rule")
	}
	if parsed.IsEmpty() {
		return nil, nil
	}
	return parsed, nil
}
