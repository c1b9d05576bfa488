package service

import "github.com/pesio-ai/be-plt-approvals/internal/repository"

// legalTransitions enumerates the instance lifecycle. Approved, rejected
// and cancelled are terminal: they have no outgoing transitions.
var legalTransitions = map[string][]string{
	repository.InstanceStatusDraft: {
		repository.InstanceStatusInProgress,
		repository.InstanceStatusApproved,
	},
	repository.InstanceStatusInProgress: {
		repository.InstanceStatusInProgress,
		repository.InstanceStatusChangesRequested,
		repository.InstanceStatusApproved,
		repository.InstanceStatusRejected,
		repository.InstanceStatusCancelled,
	},
	repository.InstanceStatusChangesRequested: {
		repository.InstanceStatusInProgress,
		repository.InstanceStatusApproved,
		repository.InstanceStatusCancelled,
	},
}

// canTransition reports whether from → to is a legal lifecycle move.
func canTransition(from, to string) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// isActionable reports whether approve/reject/request_changes actions may
// be recorded. ChangesRequested instances are not actionable: control sits
// with the submitter until an explicit resubmission.
func isActionable(status string) bool {
	return status == repository.InstanceStatusInProgress
}
