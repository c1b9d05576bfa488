package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// ActionRepository reads the append-only action log. Inserts happen only
// through InstanceRepository transactions (insertAction); no update or
// delete operation exists here, and the approval_actions table carries a
// trigger rejecting both regardless of caller privilege.
type ActionRepository struct {
	db *database.DB
}

// NewActionRepository creates a new ActionRepository.
func NewActionRepository(db *database.DB) *ActionRepository {
	return &ActionRepository{db: db}
}

// ListByInstance returns the full action history of an instance,
// oldest first.
func (r *ActionRepository) ListByInstance(ctx context.Context, instanceID string) ([]*Action, error) {
	query := `
		SELECT id, instance_id, step_id, action_type, actor_id,
		       comments, metadata, created_at
		FROM approval_actions
		WHERE instance_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list actions")
	}
	defer rows.Close()

	var actions []*Action
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// DistinctApprovers returns the distinct actors who approved the given
// step. When since is set (the instance was resubmitted), only approvals
// recorded after it count.
func (r *ActionRepository) DistinctApprovers(ctx context.Context, instanceID, stepID string, since *time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT actor_id
		FROM approval_actions
		WHERE instance_id = $1
		  AND step_id = $2
		  AND action_type = 'approve'
		  AND ($3::timestamptz IS NULL OR created_at > $3)
	`

	rows, err := r.db.Query(ctx, query, instanceID, stepID, since)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to count approvals")
	}
	defer rows.Close()

	var actors []string
	for rows.Next() {
		var actor string
		if err := rows.Scan(&actor); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approver")
		}
		actors = append(actors, actor)
	}
	return actors, nil
}

// countDistinctApprovers counts the distinct actors who approved a step,
// inside an existing transaction. Used by InstanceRepository.ApplyAction
// to re-check an ApprovalCountGuard under the instance row lock.
func countDistinctApprovers(ctx context.Context, tx pgx.Tx, instanceID, stepID string, since *time.Time) (int, error) {
	query := `
		SELECT COUNT(DISTINCT actor_id)
		FROM approval_actions
		WHERE instance_id = $1
		  AND step_id = $2
		  AND action_type = 'approve'
		  AND ($3::timestamptz IS NULL OR created_at > $3)
	`

	var count int
	if err := tx.QueryRow(ctx, query, instanceID, stepID, since).Scan(&count); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count approvals")
	}
	return count, nil
}

// insertAction appends one immutable action row inside an existing
// transaction.
func insertAction(ctx context.Context, tx pgx.Tx, action *Action) error {
	var metadataJSON []byte
	if action.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(action.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal action metadata")
		}
	}

	query := `
		INSERT INTO approval_actions
		    (instance_id, step_id, action_type, actor_id, comments, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := tx.QueryRow(ctx, query,
		action.InstanceID,
		action.StepID,
		action.ActionType,
		action.ActorID,
		action.Comments,
		metadataJSON,
	).Scan(&action.ID, &action.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append action")
	}
	return nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type actionScanner interface {
	Scan(dest ...any) error
}

func scanAction(sc actionScanner) (*Action, error) {
	action := &Action{}
	var metadataJSON []byte

	err := sc.Scan(
		&action.ID,
		&action.InstanceID,
		&action.StepID,
		&action.ActionType,
		&action.ActorID,
		&action.Comments,
		&metadataJSON,
		&action.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan action")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &action.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal action metadata")
		}
	}
	return action, nil
}
