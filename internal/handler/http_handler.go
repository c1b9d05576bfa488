// Package handler exposes the approvals engine over HTTP JSON.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rule"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// HTTPHandler handles HTTP requests.
type HTTPHandler struct {
	service *service.ApprovalService
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(svc *service.ApprovalService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{service: svc, log: log}
}

// ── Workflow definitions ─────────────────────────────────────────────────────

type stepRequest struct {
	OrderIndex          int        `json:"order_index"`
	Type                string     `json:"type"`
	Purpose             string     `json:"purpose"`
	RequiredCount       int        `json:"required_count"`
	ApproverType        string     `json:"approver_type"`
	ApproverIdentifiers []string   `json:"approver_identifiers"`
	ConditionalRule     *rule.Rule `json:"conditional_rule"`
}

type createWorkflowRequest struct {
	TargetKind string        `json:"target_kind"`
	Name       string        `json:"name"`
	Steps      []stepRequest `json:"steps"`
}

// CreateWorkflow handles workflow definition creation.
func (h *HTTPHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	def := &repository.WorkflowDefinition{
		TargetKind: req.TargetKind,
		Name:       req.Name,
	}
	for _, s := range req.Steps {
		def.Steps = append(def.Steps, &repository.Step{
			OrderIndex:          s.OrderIndex,
			Type:                s.Type,
			Purpose:             s.Purpose,
			RequiredCount:       s.RequiredCount,
			ApproverType:        s.ApproverType,
			ApproverIdentifiers: s.ApproverIdentifiers,
			ConditionalRule:     s.ConditionalRule,
		})
	}

	if err := h.service.CreateWorkflow(r.Context(), def); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, workflowResponse(def))
}

// ActivateWorkflow handles workflow activation.
func (h *HTTPHandler) ActivateWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		h.writeError(w, r, errors.InvalidInput("id", "workflow id is required"))
		return
	}

	if err := h.service.ActivateWorkflow(r.Context(), req.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

// GetActiveWorkflow returns the active definition for a target kind.
func (h *HTTPHandler) GetActiveWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	kind := r.URL.Query().Get("kind")
	if kind == "" {
		h.writeError(w, r, errors.InvalidInput("kind", "target kind is required"))
		return
	}

	def, err := h.service.GetActiveWorkflow(r.Context(), kind)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, workflowResponse(def))
}

// GetWorkflow returns a definition with its ordered steps.
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, r, errors.InvalidInput("id", "workflow id is required"))
		return
	}

	def, err := h.service.GetWorkflow(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, workflowResponse(def))
}

// ReorderSteps renumbers a definition's steps.
func (h *HTTPHandler) ReorderSteps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		WorkflowID string   `json:"workflow_id"`
		StepIDs    []string `json:"step_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	if err := h.service.ReorderSteps(r.Context(), req.WorkflowID, req.StepIDs); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reordered"})
}

// ── Instances ────────────────────────────────────────────────────────────────

// SubmitInstance starts an approval run for an entity.
func (h *HTTPHandler) SubmitInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Kind        string `json:"kind"`
		EntityID    string `json:"entity_id"`
		SubmittedBy string `json:"submitted_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	inst, err := h.service.Submit(r.Context(), req.Kind, req.EntityID, req.SubmittedBy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, instanceResponse(inst))
}

// ActInstance records an approve/reject/request_changes action.
func (h *HTTPHandler) ActInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		InstanceID string  `json:"instance_id"`
		StepID     string  `json:"step_id"`
		ActorID    string  `json:"actor_id"`
		ActionType string  `json:"action_type"`
		Comments   *string `json:"comments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	action, inst, err := h.service.Act(r.Context(), req.InstanceID, req.StepID, req.ActorID, req.ActionType, req.Comments)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"action":   actionResponse(action),
		"instance": instanceResponse(inst),
	})
}

// ResubmitInstance re-enters a changes-requested instance.
func (h *HTTPHandler) ResubmitInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		InstanceID string `json:"instance_id"`
		ActorID    string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	inst, err := h.service.Resubmit(r.Context(), req.InstanceID, req.ActorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, instanceResponse(inst))
}

// CancelInstance terminates a pending instance (submitter only).
func (h *HTTPHandler) CancelInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		InstanceID string `json:"instance_id"`
		ActorID    string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	inst, err := h.service.Cancel(r.Context(), req.InstanceID, req.ActorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, instanceResponse(inst))
}

// GetInstance returns instance status and current step.
func (h *HTTPHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, r, errors.InvalidInput("id", "instance id is required"))
		return
	}

	inst, err := h.service.GetInstance(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, instanceResponse(inst))
}

// GetInstanceActions returns the ordered action history.
func (h *HTTPHandler) GetInstanceActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, r, errors.InvalidInput("id", "instance id is required"))
		return
	}

	actions, err := h.service.GetInstanceActions(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]map[string]any, 0, len(actions))
	for _, a := range actions {
		out = append(out, actionResponse(a))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"actions": out})
}

// GetInstancesByTarget returns every approval run for an entity,
// newest first.
func (h *HTTPHandler) GetInstancesByTarget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	kind := r.URL.Query().Get("kind")
	targetID := r.URL.Query().Get("target_id")
	if kind == "" || targetID == "" {
		h.writeError(w, r, errors.InvalidInput("target", "kind and target_id are required"))
		return
	}

	runs, err := h.service.GetInstancesByTarget(r.Context(), kind, targetID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]map[string]any, 0, len(runs))
	for _, inst := range runs {
		out = append(out, instanceResponse(inst))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"instances": out})
}

// GetPendingApprovals returns instances awaiting the actor.
func (h *HTTPHandler) GetPendingApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	actorID := r.URL.Query().Get("actor_id")
	if actorID == "" {
		h.writeError(w, r, errors.InvalidInput("actor_id", "actor id is required"))
		return
	}

	pending, err := h.service.ListPendingForActor(r.Context(), actorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]map[string]any, 0, len(pending))
	for _, inst := range pending {
		out = append(out, instanceResponse(inst))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"instances": out})
}

// ── Response shaping ─────────────────────────────────────────────────────────

func workflowResponse(def *repository.WorkflowDefinition) map[string]any {
	steps := make([]map[string]any, 0, len(def.Steps))
	for _, s := range def.Steps {
		steps = append(steps, map[string]any{
			"id":                   s.ID,
			"order_index":          s.OrderIndex,
			"type":                 s.Type,
			"purpose":              s.Purpose,
			"required_count":       s.RequiredCount,
			"approver_type":        s.ApproverType,
			"approver_identifiers": s.ApproverIdentifiers,
			"conditional_rule":     s.ConditionalRule,
		})
	}
	return map[string]any{
		"id":          def.ID,
		"target_kind": def.TargetKind,
		"name":        def.Name,
		"active":      def.Active,
		"steps":       steps,
		"created_at":  def.CreatedAt,
	}
}

func instanceResponse(inst *repository.Instance) map[string]any {
	return map[string]any{
		"id":              inst.ID,
		"workflow_id":     inst.WorkflowID,
		"target_kind":     inst.TargetKind,
		"target_id":       inst.TargetID,
		"status":          inst.Status,
		"current_step_id": inst.CurrentStepID,
		"submitted_by":    inst.SubmittedBy,
		"submitted_at":    inst.SubmittedAt,
		"completed_at":    inst.CompletedAt,
	}
}

func actionResponse(a *repository.Action) map[string]any {
	return map[string]any{
		"id":          a.ID,
		"instance_id": a.InstanceID,
		"step_id":     a.StepID,
		"action_type": a.ActionType,
		"actor_id":    a.ActorID,
		"comments":    a.Comments,
		"metadata":    a.Metadata,
		"created_at":  a.CreatedAt,
	}
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	h.writeJSON(w, status, map[string]any{
		"code":    errors.CodeOf(err),
		"message": err.Error(),
	})
}
