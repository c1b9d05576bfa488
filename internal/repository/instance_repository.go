package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// InstanceRepository manages approval instances. All writes that change
// instance state happen together with their action inserts in one
// transaction, guarded by a compare-and-set on (status, current_step_id)
// so concurrent actors cannot silently overwrite each other.
type InstanceRepository struct {
	db *database.DB
}

// NewInstanceRepository creates a new InstanceRepository.
func NewInstanceRepository(db *database.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// Create inserts a new instance together with any initial actions
// (self-approval bypasses synthesized during submission).
func (r *InstanceRepository) Create(ctx context.Context, inst *Instance, actions []*Action) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO approval_instances
			    (workflow_id, target_kind, target_id, status,
			     current_step_id, submitted_by, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, submitted_at, created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			inst.WorkflowID,
			inst.TargetKind,
			inst.TargetID,
			inst.Status,
			inst.CurrentStepID,
			inst.SubmittedBy,
			inst.CompletedAt,
		).Scan(&inst.ID, &inst.SubmittedAt, &inst.CreatedAt, &inst.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create instance")
		}

		for _, action := range actions {
			action.InstanceID = inst.ID
			if err := insertAction(ctx, tx, action); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetByID retrieves an instance by primary key.
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*Instance, error) {
	query := instanceSelect + ` WHERE id = $1`

	inst, err := scanInstance(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("instance", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get instance")
	}
	return inst, nil
}

// GetByTarget returns all instances for an approvable entity, newest first.
func (r *InstanceRepository) GetByTarget(ctx context.Context, kind, targetID string) ([]*Instance, error) {
	query := instanceSelect + `
		WHERE target_kind = $1 AND target_id = $2
		ORDER BY submitted_at DESC
	`

	rows, err := r.db.Query(ctx, query, kind, targetID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list instances for target")
	}
	defer rows.Close()

	return scanInstances(rows)
}

// ListInProgress returns every instance currently awaiting action.
func (r *InstanceRepository) ListInProgress(ctx context.Context) ([]*Instance, error) {
	query := instanceSelect + `
		WHERE status = 'in_progress'
		ORDER BY submitted_at ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list in-progress instances")
	}
	defer rows.Close()

	return scanInstances(rows)
}

// ApplyAction atomically inserts the given actions and applies the
// compare-and-set instance update. The instance row is locked first so
// concurrent actors serialize; when the expected state or the prior
// approval count no longer matches, nothing is written and
// InstanceStateChanged is returned so the caller can refresh and retry.
func (r *InstanceRepository) ApplyAction(ctx context.Context, actions []*Action, upd InstanceUpdate) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var lockedID string
		err := tx.QueryRow(ctx,
			`SELECT id FROM approval_instances WHERE id = $1 FOR UPDATE`, upd.ID,
		).Scan(&lockedID)
		if err == pgx.ErrNoRows {
			return errors.NotFound("instance", upd.ID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock instance")
		}

		// With the row locked, the count reads committed state: a caller
		// that decided on a stale count loses here instead of silently
		// recording one approval too many.
		if guard := upd.PriorApprovals; guard != nil {
			count, err := countDistinctApprovers(ctx, tx, upd.ID, guard.StepID, guard.Since)
			if err != nil {
				return err
			}
			if count != guard.Expected {
				return errors.InstanceStateChanged()
			}
		}

		query := `
			UPDATE approval_instances
			SET status          = $4,
			    current_step_id = $5,
			    completed_at    = $6,
			    resubmitted_at  = COALESCE($7, resubmitted_at),
			    updated_at      = NOW()
			WHERE id = $1
			  AND status = $2
			  AND current_step_id IS NOT DISTINCT FROM $3
			RETURNING id
		`

		var returnedID string
		err = tx.QueryRow(ctx, query,
			upd.ID,
			upd.ExpectedStatus,
			upd.ExpectedStepID,
			upd.Status,
			upd.CurrentStepID,
			upd.CompletedAt,
			upd.ResubmittedAt,
		).Scan(&returnedID)
		if err == pgx.ErrNoRows {
			return errors.InstanceStateChanged()
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update instance")
		}

		for _, action := range actions {
			action.InstanceID = upd.ID
			if err := insertAction(ctx, tx, action); err != nil {
				return err
			}
		}
		return nil
	})
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const instanceSelect = `
	SELECT id, workflow_id, target_kind, target_id, status,
	       current_step_id, submitted_by, submitted_at,
	       resubmitted_at, completed_at, created_at, updated_at
	FROM approval_instances
`

type instanceScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row instanceScanner) (*Instance, error) {
	inst := &Instance{}
	err := row.Scan(
		&inst.ID,
		&inst.WorkflowID,
		&inst.TargetKind,
		&inst.TargetID,
		&inst.Status,
		&inst.CurrentStepID,
		&inst.SubmittedBy,
		&inst.SubmittedAt,
		&inst.ResubmittedAt,
		&inst.CompletedAt,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func scanInstances(rows pgx.Rows) ([]*Instance, error) {
	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan instance")
		}
		instances = append(instances, inst)
	}
	return instances, nil
}
