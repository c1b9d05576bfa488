package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// ── identity ──────────────────────────────────────────────────────────────────

type fakeIdentity struct {
	mu    sync.Mutex
	roles map[string][]string
	perms map[string][]string
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{
		roles: make(map[string][]string),
		perms: make(map[string][]string),
	}
}

func (f *fakeIdentity) GetUsersWithRole(_ context.Context, role string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.roles[role]...), nil
}

func (f *fakeIdentity) GetUsersWithPermission(_ context.Context, permission string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.perms[permission]...), nil
}

func (f *fakeIdentity) setRole(role string, users ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[role] = users
}

func (f *fakeIdentity) setPermission(permission string, users ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perms[permission] = users
}

// ── entity snapshots ──────────────────────────────────────────────────────────

type fakeEntities struct {
	snapshots map[string]map[string]any
}

func newFakeEntities() *fakeEntities {
	return &fakeEntities{snapshots: make(map[string]map[string]any)}
}

func (f *fakeEntities) set(kind, id string, snapshot map[string]any) {
	f.snapshots[kind+"/"+id] = snapshot
}

func (f *fakeEntities) GetSnapshot(_ context.Context, kind, id string) (map[string]any, error) {
	snapshot, ok := f.snapshots[kind+"/"+id]
	if !ok {
		return nil, errors.NotFound(kind, id)
	}
	return snapshot, nil
}

// ── events ────────────────────────────────────────────────────────────────────

type publishedEvent struct {
	eventType  string
	instanceID string
	actorID    string
	recipients []string
	payload    map[string]any
}

type fakeEvents struct {
	events []publishedEvent
}

func (f *fakeEvents) PublishInstanceEvent(_ context.Context, eventType string, inst *repository.Instance, actorID string, recipients []string, payload map[string]any) {
	f.events = append(f.events, publishedEvent{
		eventType:  eventType,
		instanceID: inst.ID,
		actorID:    actorID,
		recipients: recipients,
		payload:    payload,
	})
}

func (f *fakeEvents) ofType(eventType string) []publishedEvent {
	var out []publishedEvent
	for _, e := range f.events {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// ── workflow store ────────────────────────────────────────────────────────────

type fakeWorkflowStore struct {
	seq  int
	defs map[string]*repository.WorkflowDefinition
}

func newFakeWorkflowStore() *fakeWorkflowStore {
	return &fakeWorkflowStore{defs: make(map[string]*repository.WorkflowDefinition)}
}

func (f *fakeWorkflowStore) Create(_ context.Context, def *repository.WorkflowDefinition) error {
	f.seq++
	def.ID = fmt.Sprintf("wf-%d", f.seq)
	def.CreatedAt = time.Now()
	for i, step := range def.Steps {
		step.ID = fmt.Sprintf("%s-step-%d", def.ID, i+1)
		step.WorkflowID = def.ID
	}
	f.defs[def.ID] = def
	return nil
}

func (f *fakeWorkflowStore) GetByID(_ context.Context, id string) (*repository.WorkflowDefinition, error) {
	def, ok := f.defs[id]
	if !ok {
		return nil, errors.NotFound("workflow", id)
	}
	return def, nil
}

func (f *fakeWorkflowStore) GetActiveByKind(_ context.Context, kind string) (*repository.WorkflowDefinition, error) {
	for _, def := range f.defs {
		if def.TargetKind == kind && def.Active {
			return def, nil
		}
	}
	return nil, nil
}

func (f *fakeWorkflowStore) ListByKind(_ context.Context, kind string) ([]*repository.WorkflowDefinition, error) {
	var out []*repository.WorkflowDefinition
	for _, def := range f.defs {
		if def.TargetKind == kind {
			out = append(out, def)
		}
	}
	return out, nil
}

func (f *fakeWorkflowStore) Activate(_ context.Context, id string) error {
	target, ok := f.defs[id]
	if !ok {
		return errors.NotFound("workflow", id)
	}
	for _, def := range f.defs {
		if def.TargetKind == target.TargetKind {
			def.Active = false
		}
	}
	target.Active = true
	return nil
}

func (f *fakeWorkflowStore) ReorderSteps(_ context.Context, workflowID string, orderedStepIDs []string) error {
	def, ok := f.defs[workflowID]
	if !ok {
		return errors.NotFound("workflow", workflowID)
	}
	if len(orderedStepIDs) != len(def.Steps) {
		return errors.InvalidInput("step_ids", "must list every step exactly once")
	}
	byID := make(map[string]*repository.Step, len(def.Steps))
	for _, step := range def.Steps {
		byID[step.ID] = step
	}
	reordered := make([]*repository.Step, 0, len(orderedStepIDs))
	for i, id := range orderedStepIDs {
		step, ok := byID[id]
		if !ok {
			return errors.NotFound("workflow_step", id)
		}
		step.OrderIndex = i + 1
		reordered = append(reordered, step)
	}
	def.Steps = reordered
	return nil
}

// ── instance store and action log ─────────────────────────────────────────────

type fakeActionLog struct {
	seq     int
	actions []*repository.Action

	// staleApprovers, when set, is returned by the next DistinctApprovers
	// call instead of the real log, simulating a reader that raced ahead
	// of a concurrent writer.
	staleApprovers *[]string
}

func (f *fakeActionLog) append(action *repository.Action) {
	f.seq++
	action.ID = fmt.Sprintf("act-%d", f.seq)
	action.CreatedAt = time.Now()
	f.actions = append(f.actions, action)
}

func (f *fakeActionLog) ListByInstance(_ context.Context, instanceID string) ([]*repository.Action, error) {
	var out []*repository.Action
	for _, a := range f.actions {
		if a.InstanceID == instanceID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeActionLog) DistinctApprovers(_ context.Context, instanceID, stepID string, since *time.Time) ([]string, error) {
	if f.staleApprovers != nil {
		stale := *f.staleApprovers
		f.staleApprovers = nil
		return stale, nil
	}
	return f.distinctApprovers(instanceID, stepID, since), nil
}

func (f *fakeActionLog) distinctApprovers(instanceID, stepID string, since *time.Time) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range f.actions {
		if a.InstanceID != instanceID || a.StepID != stepID || a.ActionType != repository.ActionApprove {
			continue
		}
		if since != nil && !a.CreatedAt.After(*since) {
			continue
		}
		if _, dup := seen[a.ActorID]; dup {
			continue
		}
		seen[a.ActorID] = struct{}{}
		out = append(out, a.ActorID)
	}
	return out
}

type fakeInstanceStore struct {
	seq         int
	instances   map[string]*repository.Instance
	log         *fakeActionLog
	failNextCAS bool
}

func newFakeInstanceStore(log *fakeActionLog) *fakeInstanceStore {
	return &fakeInstanceStore{
		instances: make(map[string]*repository.Instance),
		log:       log,
	}
}

func (f *fakeInstanceStore) Create(_ context.Context, inst *repository.Instance, actions []*repository.Action) error {
	f.seq++
	inst.ID = fmt.Sprintf("inst-%d", f.seq)
	now := time.Now()
	inst.SubmittedAt = now
	inst.CreatedAt = now
	inst.UpdatedAt = now

	stored := *inst
	f.instances[inst.ID] = &stored
	for _, action := range actions {
		action.InstanceID = inst.ID
		f.log.append(action)
	}
	return nil
}

func (f *fakeInstanceStore) GetByID(_ context.Context, id string) (*repository.Instance, error) {
	stored, ok := f.instances[id]
	if !ok {
		return nil, errors.NotFound("instance", id)
	}
	copied := *stored
	return &copied, nil
}

func (f *fakeInstanceStore) GetByTarget(_ context.Context, kind, targetID string) ([]*repository.Instance, error) {
	var out []*repository.Instance
	for _, stored := range f.instances {
		if stored.TargetKind == kind && stored.TargetID == targetID {
			copied := *stored
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeInstanceStore) ListInProgress(_ context.Context) ([]*repository.Instance, error) {
	var out []*repository.Instance
	for _, stored := range f.instances {
		if stored.Status == repository.InstanceStatusInProgress {
			copied := *stored
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeInstanceStore) ApplyAction(_ context.Context, actions []*repository.Action, upd repository.InstanceUpdate) error {
	if f.failNextCAS {
		f.failNextCAS = false
		return errors.InstanceStateChanged()
	}

	stored, ok := f.instances[upd.ID]
	if !ok {
		return errors.NotFound("instance", upd.ID)
	}
	if stored.Status != upd.ExpectedStatus || !stepPtrEqual(stored.CurrentStepID, upd.ExpectedStepID) {
		return errors.InstanceStateChanged()
	}
	if guard := upd.PriorApprovals; guard != nil {
		actual := f.log.distinctApprovers(upd.ID, guard.StepID, guard.Since)
		if len(actual) != guard.Expected {
			return errors.InstanceStateChanged()
		}
	}

	stored.Status = upd.Status
	stored.CurrentStepID = upd.CurrentStepID
	stored.CompletedAt = upd.CompletedAt
	if upd.ResubmittedAt != nil {
		stored.ResubmittedAt = upd.ResubmittedAt
	}
	stored.UpdatedAt = time.Now()

	for _, action := range actions {
		action.InstanceID = upd.ID
		f.log.append(action)
	}
	return nil
}

func stepPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ── wiring ────────────────────────────────────────────────────────────────────

type testEnv struct {
	svc       *ApprovalService
	workflows *fakeWorkflowStore
	instances *fakeInstanceStore
	actions   *fakeActionLog
	entities  *fakeEntities
	identity  *fakeIdentity
	events    *fakeEvents
}

func newTestEnv(resubmitPolicy string) *testEnv {
	log := &fakeActionLog{}
	env := &testEnv{
		workflows: newFakeWorkflowStore(),
		instances: newFakeInstanceStore(log),
		actions:   log,
		entities:  newFakeEntities(),
		identity:  newFakeIdentity(),
		events:    &fakeEvents{},
	}
	env.svc = NewApprovalService(
		env.workflows,
		env.instances,
		env.actions,
		env.entities,
		env.identity,
		env.events,
		resubmitPolicy,
		logger.New(logger.Config{Level: "disabled", ServiceName: "approvals-test"}),
	)
	return env
}
