package service

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Resolver turns a step's approver configuration into the concrete set of
// authorized actor IDs. User identifiers are actor IDs directly; role and
// permission identifiers are expanded against the identity provider at
// resolution time, so org-chart changes take effect on pending steps
// without touching instances. Callers must resolve fresh for every action
// and never cache the set across an action boundary.
type Resolver struct {
	identity IdentityClient
}

// NewResolver creates a Resolver backed by the given identity client.
func NewResolver(identity IdentityClient) *Resolver {
	return &Resolver{identity: identity}
}

// Resolve returns the set of actors allowed to act on step. An empty set
// is a legitimate result, not an error: the step blocks until the
// configuration is corrected.
func (r *Resolver) Resolve(ctx context.Context, step *repository.Step) (map[string]struct{}, error) {
	set := make(map[string]struct{}, len(step.ApproverIdentifiers))

	switch step.ApproverType {
	case repository.ApproverTypeUser:
		for _, id := range step.ApproverIdentifiers {
			set[id] = struct{}{}
		}

	case repository.ApproverTypeRole:
		for _, role := range step.ApproverIdentifiers {
			users, err := r.identity.GetUsersWithRole(ctx, role)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve role members")
			}
			for _, u := range users {
				set[u] = struct{}{}
			}
		}

	case repository.ApproverTypePermission:
		for _, permission := range step.ApproverIdentifiers {
			users, err := r.identity.GetUsersWithPermission(ctx, permission)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve permission holders")
			}
			for _, u := range users {
				set[u] = struct{}{}
			}
		}

	default:
		return nil, errors.InvalidInput("approver_type", "unknown approver type: "+step.ApproverType)
	}

	return set, nil
}
