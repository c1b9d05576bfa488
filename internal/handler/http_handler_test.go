package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// ── in-memory backends ────────────────────────────────────────────────────────

type memStores struct {
	seq       int
	defs      map[string]*repository.WorkflowDefinition
	instances map[string]*repository.Instance
	actions   []*repository.Action
}

func newMemStores() *memStores {
	return &memStores{
		defs:      make(map[string]*repository.WorkflowDefinition),
		instances: make(map[string]*repository.Instance),
	}
}

func (m *memStores) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memStores) Create(_ context.Context, def *repository.WorkflowDefinition) error {
	def.ID = m.nextID("wf")
	for _, step := range def.Steps {
		step.ID = m.nextID("step")
		step.WorkflowID = def.ID
	}
	m.defs[def.ID] = def
	return nil
}

func (m *memStores) GetByID(_ context.Context, id string) (*repository.WorkflowDefinition, error) {
	def, ok := m.defs[id]
	if !ok {
		return nil, errors.NotFound("workflow", id)
	}
	return def, nil
}

func (m *memStores) GetActiveByKind(_ context.Context, kind string) (*repository.WorkflowDefinition, error) {
	for _, def := range m.defs {
		if def.TargetKind == kind && def.Active {
			return def, nil
		}
	}
	return nil, nil
}

func (m *memStores) ListByKind(_ context.Context, kind string) ([]*repository.WorkflowDefinition, error) {
	var out []*repository.WorkflowDefinition
	for _, def := range m.defs {
		if def.TargetKind == kind {
			out = append(out, def)
		}
	}
	return out, nil
}

func (m *memStores) Activate(_ context.Context, id string) error {
	target, ok := m.defs[id]
	if !ok {
		return errors.NotFound("workflow", id)
	}
	for _, def := range m.defs {
		if def.TargetKind == target.TargetKind {
			def.Active = false
		}
	}
	target.Active = true
	return nil
}

func (m *memStores) ReorderSteps(_ context.Context, workflowID string, orderedStepIDs []string) error {
	return errors.InvalidInput("step_ids", "not supported in this fixture")
}

type memInstances struct{ m *memStores }

func (s memInstances) Create(_ context.Context, inst *repository.Instance, actions []*repository.Action) error {
	inst.ID = s.m.nextID("inst")
	inst.SubmittedAt = time.Now()
	stored := *inst
	s.m.instances[inst.ID] = &stored
	for _, a := range actions {
		a.InstanceID = inst.ID
		a.ID = s.m.nextID("act")
		a.CreatedAt = time.Now()
		s.m.actions = append(s.m.actions, a)
	}
	return nil
}

func (s memInstances) GetByID(_ context.Context, id string) (*repository.Instance, error) {
	inst, ok := s.m.instances[id]
	if !ok {
		return nil, errors.NotFound("instance", id)
	}
	copied := *inst
	return &copied, nil
}

func (s memInstances) GetByTarget(_ context.Context, kind, targetID string) ([]*repository.Instance, error) {
	var out []*repository.Instance
	for _, inst := range s.m.instances {
		if inst.TargetKind == kind && inst.TargetID == targetID {
			copied := *inst
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s memInstances) ListInProgress(_ context.Context) ([]*repository.Instance, error) {
	var out []*repository.Instance
	for _, inst := range s.m.instances {
		if inst.Status == repository.InstanceStatusInProgress {
			copied := *inst
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s memInstances) ApplyAction(_ context.Context, actions []*repository.Action, upd repository.InstanceUpdate) error {
	inst, ok := s.m.instances[upd.ID]
	if !ok {
		return errors.NotFound("instance", upd.ID)
	}
	if inst.Status != upd.ExpectedStatus {
		return errors.InstanceStateChanged()
	}
	inst.Status = upd.Status
	inst.CurrentStepID = upd.CurrentStepID
	inst.CompletedAt = upd.CompletedAt
	if upd.ResubmittedAt != nil {
		inst.ResubmittedAt = upd.ResubmittedAt
	}
	for _, a := range actions {
		a.InstanceID = upd.ID
		a.ID = s.m.nextID("act")
		a.CreatedAt = time.Now()
		s.m.actions = append(s.m.actions, a)
	}
	return nil
}

type memActions struct{ m *memStores }

func (s memActions) ListByInstance(_ context.Context, instanceID string) ([]*repository.Action, error) {
	var out []*repository.Action
	for _, a := range s.m.actions {
		if a.InstanceID == instanceID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s memActions) DistinctApprovers(_ context.Context, instanceID, stepID string, since *time.Time) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range s.m.actions {
		if a.InstanceID != instanceID || a.StepID != stepID || a.ActionType != repository.ActionApprove {
			continue
		}
		if since != nil && !a.CreatedAt.After(*since) {
			continue
		}
		if _, dup := seen[a.ActorID]; !dup {
			seen[a.ActorID] = struct{}{}
			out = append(out, a.ActorID)
		}
	}
	return out, nil
}

type memIdentity struct{ users map[string][]string }

func (m memIdentity) GetUsersWithRole(_ context.Context, role string) ([]string, error) {
	return m.users[role], nil
}

func (m memIdentity) GetUsersWithPermission(_ context.Context, permission string) ([]string, error) {
	return m.users[permission], nil
}

type memEntities struct{ snapshots map[string]map[string]any }

func (m memEntities) GetSnapshot(_ context.Context, kind, id string) (map[string]any, error) {
	snapshot, ok := m.snapshots[kind+"/"+id]
	if !ok {
		return nil, errors.NotFound(kind, id)
	}
	return snapshot, nil
}

// ── fixture ───────────────────────────────────────────────────────────────────

func newTestHandler(t *testing.T) (*HTTPHandler, *memStores) {
	t.Helper()

	stores := newMemStores()
	log := logger.New(logger.Config{Level: "disabled", ServiceName: "approvals-test"})
	svc := service.NewApprovalService(
		stores,
		memInstances{stores},
		memActions{stores},
		memEntities{snapshots: map[string]map[string]any{
			"purchase_order/po-1": {"amount": 2000000},
		}},
		memIdentity{users: map[string][]string{
			"TEAM_LEAD": {"u1", "u2"},
		}},
		nil,
		"",
		log,
	)
	return NewHTTPHandler(svc, log), stores
}

func doJSON(t *testing.T, h http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

const workflowPayload = `{
	"target_kind": "purchase_order",
	"name": "Purchase order approval",
	"steps": [
		{
			"order_index": 1,
			"type": "sequential",
			"purpose": "approval",
			"approver_type": "role",
			"approver_identifiers": ["TEAM_LEAD"],
			"conditional_rule": {"field": "amount", "comparison": ">", "value": 1000000}
		}
	]
}`

// createActiveWorkflow drives the API itself: create then activate.
func createActiveWorkflow(t *testing.T, h *HTTPHandler) string {
	t.Helper()

	rec := doJSON(t, h.CreateWorkflow, http.MethodPost, "/api/v1/workflows", workflowPayload)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeBody(t, rec)["id"].(string)

	rec = doJSON(t, h.ActivateWorkflow, http.MethodPost, "/api/v1/workflows/activate",
		fmt.Sprintf(`{"id": %q}`, id))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return id
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestCreateWorkflowEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h.CreateWorkflow, http.MethodPost, "/api/v1/workflows", workflowPayload)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, "purchase_order", body["target_kind"])
	assert.Equal(t, false, body["active"])

	steps := body["steps"].([]any)
	require.Len(t, steps, 1)
	ruleBody := steps[0].(map[string]any)["conditional_rule"].(map[string]any)
	assert.Equal(t, "amount", ruleBody["field"])
}

func TestCreateWorkflowRejectsInvalidRule(t *testing.T) {
	h, _ := newTestHandler(t)

	payload := strings.Replace(workflowPayload,
		`{"field": "amount", "comparison": ">", "value": 1000000}`,
		`{"operator": "AND", "conditions": [{"operator": "OR", "conditions": []}]}`, 1)

	// The rule decode failure surfaces as a body validation error.
	rec := doJSON(t, h.CreateWorkflow, http.MethodPost, "/api/v1/workflows", payload)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(errors.ErrCodeInvalidInput), decodeBody(t, rec)["code"])
}

func TestGetActiveWorkflowEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h.GetActiveWorkflow, http.MethodGet, "/api/v1/workflows/active?kind=purchase_order", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(errors.ErrCodeNoActiveWorkflow), decodeBody(t, rec)["code"])

	id := createActiveWorkflow(t, h)

	rec = doJSON(t, h.GetActiveWorkflow, http.MethodGet, "/api/v1/workflows/active?kind=purchase_order", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decodeBody(t, rec)["id"])

	rec = doJSON(t, h.GetActiveWorkflow, http.MethodGet, "/api/v1/workflows/active", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitAndActEndpoints(t *testing.T) {
	h, stores := newTestHandler(t)
	createActiveWorkflow(t, h)

	rec := doJSON(t, h.SubmitInstance, http.MethodPost, "/api/v1/instances",
		`{"kind": "purchase_order", "entity_id": "po-1", "submitted_by": "u9"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	instanceID := body["id"].(string)
	assert.Equal(t, repository.InstanceStatusInProgress, body["status"])
	stepID := body["current_step_id"].(string)

	rec = doJSON(t, h.ActInstance, http.MethodPost, "/api/v1/instances/act",
		fmt.Sprintf(`{"instance_id": %q, "step_id": %q, "actor_id": "u1", "action_type": "approve"}`,
			instanceID, stepID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body = decodeBody(t, rec)
	instBody := body["instance"].(map[string]any)
	assert.Equal(t, repository.InstanceStatusApproved, instBody["status"])
	actionBody := body["action"].(map[string]any)
	assert.Equal(t, "u1", actionBody["actor_id"])

	// Stored state matches the response.
	assert.Equal(t, repository.InstanceStatusApproved, stores.instances[instanceID].Status)

	rec = doJSON(t, h.GetInstanceActions, http.MethodGet, "/api/v1/instances/actions?id="+instanceID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["actions"].([]any), 1)
}

func TestActEndpointErrorMapping(t *testing.T) {
	h, _ := newTestHandler(t)
	createActiveWorkflow(t, h)

	rec := doJSON(t, h.SubmitInstance, http.MethodPost, "/api/v1/instances",
		`{"kind": "purchase_order", "entity_id": "po-1", "submitted_by": "u9"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	instanceID := body["id"].(string)
	stepID := body["current_step_id"].(string)

	// Ineligible actor maps to 403.
	rec = doJSON(t, h.ActInstance, http.MethodPost, "/api/v1/instances/act",
		fmt.Sprintf(`{"instance_id": %q, "step_id": %q, "actor_id": "u9", "action_type": "approve"}`,
			instanceID, stepID))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, string(errors.ErrCodeNotEligibleApprover), decodeBody(t, rec)["code"])

	// Reject without comments maps to 400.
	rec = doJSON(t, h.ActInstance, http.MethodPost, "/api/v1/instances/act",
		fmt.Sprintf(`{"instance_id": %q, "step_id": %q, "actor_id": "u1", "action_type": "reject"}`,
			instanceID, stepID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(errors.ErrCodeMissingRequiredComment), decodeBody(t, rec)["code"])

	// Unknown instance maps to 404.
	rec = doJSON(t, h.GetInstance, http.MethodGet, "/api/v1/instances/get?id=missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEndpointsRejectWrongMethod(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h.CreateWorkflow, http.MethodGet, "/api/v1/workflows", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doJSON(t, h.GetInstance, http.MethodPost, "/api/v1/instances/get", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestGetInstancesByTargetEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)
	createActiveWorkflow(t, h)

	rec := doJSON(t, h.SubmitInstance, http.MethodPost, "/api/v1/instances",
		`{"kind": "purchase_order", "entity_id": "po-1", "submitted_by": "u9"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h.GetInstancesByTarget, http.MethodGet,
		"/api/v1/instances/by-target?kind=purchase_order&target_id=po-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["instances"].([]any), 1)

	rec = doJSON(t, h.GetInstancesByTarget, http.MethodGet,
		"/api/v1/instances/by-target?kind=purchase_order", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)
	createActiveWorkflow(t, h)

	rec := doJSON(t, h.SubmitInstance, http.MethodPost, "/api/v1/instances",
		`{"kind": "purchase_order", "entity_id": "po-1", "submitted_by": "u9"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	instanceID := decodeBody(t, rec)["id"].(string)

	rec = doJSON(t, h.CancelInstance, http.MethodPost, "/api/v1/instances/cancel",
		fmt.Sprintf(`{"instance_id": %q, "actor_id": "u1"}`, instanceID))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h.CancelInstance, http.MethodPost, "/api/v1/instances/cancel",
		fmt.Sprintf(`{"instance_id": %q, "actor_id": "u9"}`, instanceID))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, repository.InstanceStatusCancelled, decodeBody(t, rec)["status"])
}
