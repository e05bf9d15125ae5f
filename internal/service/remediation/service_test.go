package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/guardrail-dev/guardrail/internal/domain"
	"github.com/guardrail-dev/guardrail/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func newTestService() (Service, *testActionRepo) {
	actions := &testActionRepo{}
	incidents := &testIncidentRepo{incidents: map[string]domain.Incident{
		"inc-1": {ID: "inc-1", ProjectID: "project-1", TriggerType: domain.TriggerErrorRate, Status: domain.IncidentStatusOpen},
	}}
	return New(actions, incidents, nil, testLogger()), actions
}

func TestCreateValidatesParams(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	cases := []struct {
		actionType string
		params     string
		wantErr    bool
	}{
		{domain.ActionSwitchModel, `{"newModel":"gpt-4o"}`, false},
		{domain.ActionSwitchModel, `{}`, true},
		{domain.ActionIncreaseSafetyThreshold, `{"newThreshold":60}`, false},
		{domain.ActionIncreaseSafetyThreshold, `{"newThreshold":150}`, true},
		{domain.ActionDisableEndpoint, `{"endpoint":"/v1/chat"}`, false},
		{domain.ActionDisableEndpoint, `{"endpoint":"  "}`, true},
		{domain.ActionChangeSystemPrompt, `{"newPrompt":"Be careful."}`, false},
		{domain.ActionChangeSystemPrompt, `{}`, true},
		{domain.ActionRateLimitUser, `{"requestsPerMinute":10}`, false},
		{domain.ActionRateLimitUser, `{"requestsPerMinute":0}`, true},
		{domain.ActionResetSettings, ``, false},
	}
	for _, tc := range cases {
		_, err := svc.Create(ctx, "inc-1", tc.actionType, json.RawMessage(tc.params), "")
		if tc.wantErr && err == nil {
			t.Fatalf("%s with params %q: expected error", tc.actionType, tc.params)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s with params %q: unexpected error %v", tc.actionType, tc.params, err)
		}
	}
}

func TestCreateInheritsIncidentProject(t *testing.T) {
	svc, actions := newTestService()

	action, err := svc.Create(context.Background(), "inc-1", domain.ActionSwitchModel, json.RawMessage(`{"newModel":"gpt-4o"}`), "runaway costs")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if action.ProjectID != "project-1" {
		t.Fatalf("expected project from parent incident, got %s", action.ProjectID)
	}
	if action.Executed {
		t.Fatalf("new actions must start unexecuted")
	}

	var meta map[string]any
	if err := json.Unmarshal(action.Metadata, &meta); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	if meta["reason"] != "runaway costs" {
		t.Fatalf("expected reason in metadata, got %v", meta)
	}
	if meta["incident_trigger"] != domain.TriggerErrorRate {
		t.Fatalf("expected incident trigger in metadata, got %v", meta)
	}

	if _, err := actions.GetActionByID(context.Background(), action.ID); err != nil {
		t.Fatalf("action was not persisted: %v", err)
	}
}

func TestCreateUnknownIncident(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Create(context.Background(), "ghost", domain.ActionResetSettings, nil, "")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateUnknownActionType(t *testing.T) {
	svc, _ := newTestService()

	if _, err := svc.Create(context.Background(), "inc-1", "self_destruct", nil, ""); err == nil {
		t.Fatalf("expected error for unknown action type")
	}
}

func TestApplyStampsExecution(t *testing.T) {
	svc, _ := newTestService()
	first := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return first }

	action, err := svc.Create(context.Background(), "inc-1", domain.ActionRateLimitUser, json.RawMessage(`{"requestsPerMinute":5}`), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	applied, err := svc.Apply(context.Background(), action.ID)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !applied.Executed || applied.ExecutedAt == nil {
		t.Fatalf("expected executed action with stamp, got %+v", applied)
	}
	if !applied.ExecutedAt.Equal(first) {
		t.Fatalf("expected stamp %s, got %s", first, applied.ExecutedAt)
	}

	second := first.Add(time.Hour)
	svc.now = func() time.Time { return second }
	reapplied, err := svc.Apply(context.Background(), action.ID)
	if err != nil {
		t.Fatalf("re-apply should not error: %v", err)
	}
	if !reapplied.ExecutedAt.Equal(second) {
		t.Fatalf("re-apply should re-stamp, got %s", reapplied.ExecutedAt)
	}
}

func TestApplyMissingAction(t *testing.T) {
	svc, _ := newTestService()

	if _, err := svc.Apply(context.Background(), "ghost"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCheckConstraintsSwitchModel(t *testing.T) {
	svc, actions := newTestService()
	actions.active = []domain.RemediationAction{
		activeAction("act-1", domain.ActionSwitchModel, domain.ActionParams{SwitchModel: &domain.SwitchModelParams{NewModel: "gpt-4o"}}),
	}

	req := &domain.CallRequest{ProjectID: "project-1", Model: "llama-2-uncensored"}
	violation := svc.CheckConstraints(context.Background(), req)
	if violation == nil {
		t.Fatalf("expected violation for blocked model")
	}
	if violation.ActionID != "act-1" || violation.Required != "gpt-4o" || violation.Actual != "llama-2-uncensored" {
		t.Fatalf("unexpected violation detail: %+v", violation)
	}

	req = &domain.CallRequest{ProjectID: "project-1", Model: "gpt-4o"}
	if v := svc.CheckConstraints(context.Background(), req); v != nil {
		t.Fatalf("required model should pass, got %+v", v)
	}

	req = &domain.CallRequest{ProjectID: "project-1"}
	if v := svc.CheckConstraints(context.Background(), req); v != nil {
		t.Fatalf("calls without a model are not constrained, got %+v", v)
	}
}

func TestCheckConstraintsSafetyThreshold(t *testing.T) {
	svc, actions := newTestService()
	actions.active = []domain.RemediationAction{
		activeAction("act-1", domain.ActionIncreaseSafetyThreshold, domain.ActionParams{SafetyThreshold: &domain.SafetyThresholdParams{NewThreshold: 50}}),
	}

	score := 80
	req := &domain.CallRequest{ProjectID: "project-1", RiskScore: &score}
	if v := svc.CheckConstraints(context.Background(), req); v == nil {
		t.Fatalf("expected violation above the enforced threshold")
	}

	low := 40
	req = &domain.CallRequest{ProjectID: "project-1", RiskScore: &low}
	if v := svc.CheckConstraints(context.Background(), req); v != nil {
		t.Fatalf("score under the threshold should pass, got %+v", v)
	}

	req = &domain.CallRequest{ProjectID: "project-1"}
	if v := svc.CheckConstraints(context.Background(), req); v != nil {
		t.Fatalf("unscored calls are not constrained, got %+v", v)
	}
}

func TestCheckConstraintsDisabledEndpoint(t *testing.T) {
	svc, actions := newTestService()
	actions.active = []domain.RemediationAction{
		activeAction("act-1", domain.ActionDisableEndpoint, domain.ActionParams{DisableEndpoint: &domain.DisableEndpointParams{Endpoint: "/v1/chat"}}),
	}

	req := &domain.CallRequest{ProjectID: "project-1", Endpoint: "/v1/chat"}
	if v := svc.CheckConstraints(context.Background(), req); v == nil {
		t.Fatalf("expected violation for disabled endpoint")
	}

	req = &domain.CallRequest{ProjectID: "project-1", Endpoint: "/v1/embeddings"}
	if v := svc.CheckConstraints(context.Background(), req); v != nil {
		t.Fatalf("other endpoints should pass, got %+v", v)
	}
}

func TestCheckConstraintsWritesDirectives(t *testing.T) {
	svc, actions := newTestService()
	actions.active = []domain.RemediationAction{
		activeAction("act-1", domain.ActionChangeSystemPrompt, domain.ActionParams{SystemPrompt: &domain.SystemPromptParams{NewPrompt: "Refuse unsafe requests."}}),
		activeAction("act-2", domain.ActionRateLimitUser, domain.ActionParams{RateLimit: &domain.RateLimitUserParams{RequestsPerMinute: 5}}),
		activeAction("act-3", domain.ActionResetSettings, domain.ActionParams{}),
	}

	req := &domain.CallRequest{ProjectID: "project-1", Model: "gpt-4o"}
	if v := svc.CheckConstraints(context.Background(), req); v != nil {
		t.Fatalf("directives are not violations, got %+v", v)
	}
	if req.SystemPrompt != "Refuse unsafe requests." {
		t.Fatalf("system prompt directive not applied: %q", req.SystemPrompt)
	}
	if len(req.RateCeilings) != 1 || req.RateCeilings[0].RequestsPerMinute != 5 {
		t.Fatalf("rate ceiling directive not applied: %+v", req.RateCeilings)
	}
	if req.MinCeiling(60) != 5 {
		t.Fatalf("expected composed ceiling 5, got %d", req.MinCeiling(60))
	}
}

func TestCheckConstraintsFirstViolationWins(t *testing.T) {
	svc, actions := newTestService()
	actions.active = []domain.RemediationAction{
		activeAction("act-1", domain.ActionSwitchModel, domain.ActionParams{SwitchModel: &domain.SwitchModelParams{NewModel: "gpt-4o"}}),
		activeAction("act-2", domain.ActionIncreaseSafetyThreshold, domain.ActionParams{SafetyThreshold: &domain.SafetyThresholdParams{NewThreshold: 10}}),
	}

	score := 90
	req := &domain.CallRequest{ProjectID: "project-1", Model: "mistral-7b", RiskScore: &score}
	violation := svc.CheckConstraints(context.Background(), req)
	if violation == nil {
		t.Fatalf("expected a violation")
	}
	if violation.ActionID != "act-1" {
		t.Fatalf("expected the earliest active constraint to win, got %s", violation.ActionID)
	}
}

func TestCheckConstraintsFailsOpen(t *testing.T) {
	svc, actions := newTestService()
	actions.activeErr = errors.New("db down")

	req := &domain.CallRequest{ProjectID: "project-1", Model: "anything"}
	if v := svc.CheckConstraints(context.Background(), req); v != nil {
		t.Fatalf("constraint lookup failure must admit the call, got %+v", v)
	}
}

func activeAction(id, actionType string, params domain.ActionParams) domain.RemediationAction {
	return domain.RemediationAction{
		ID:         id,
		IncidentID: "inc-1",
		ProjectID:  "project-1",
		ActionType: actionType,
		Params:     params,
		Executed:   true,
	}
}

type testActionRepo struct {
	mu        sync.Mutex
	actions   map[string]domain.RemediationAction
	active    []domain.RemediationAction
	activeErr error
}

func (r *testActionRepo) CreateAction(ctx context.Context, action *domain.RemediationAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.actions == nil {
		r.actions = make(map[string]domain.RemediationAction)
	}
	r.actions[action.ID] = *action
	return nil
}

func (r *testActionRepo) GetActionByID(ctx context.Context, actionID string) (*domain.RemediationAction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	action, ok := r.actions[actionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copy := action
	return &copy, nil
}

func (r *testActionRepo) ListActionsByIncident(ctx context.Context, incidentID string, limit, offset int) ([]domain.RemediationAction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]domain.RemediationAction, 0)
	for _, action := range r.actions {
		if action.IncidentID == incidentID {
			result = append(result, action)
		}
	}
	return result, nil
}

func (r *testActionRepo) MarkActionExecuted(ctx context.Context, actionID string, executedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	action, ok := r.actions[actionID]
	if !ok {
		return repository.ErrNotFound
	}
	action.Executed = true
	stamp := executedAt
	action.ExecutedAt = &stamp
	r.actions[actionID] = action
	return nil
}

func (r *testActionRepo) DeleteAction(ctx context.Context, actionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actions[actionID]; !ok {
		return repository.ErrNotFound
	}
	delete(r.actions, actionID)
	return nil
}

func (r *testActionRepo) ListActiveActions(ctx context.Context, projectID string) ([]domain.RemediationAction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeErr != nil {
		return nil, r.activeErr
	}
	return r.active, nil
}

type testIncidentRepo struct {
	incidents map[string]domain.Incident
}

func (r *testIncidentRepo) CreateIncident(context.Context, *domain.Incident) error { return nil }

func (r *testIncidentRepo) GetIncidentByID(ctx context.Context, incidentID string) (*domain.Incident, error) {
	incident, ok := r.incidents[incidentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copy := incident
	return &copy, nil
}

func (r *testIncidentRepo) ListIncidentsByProject(context.Context, string, string, int, int) ([]domain.Incident, error) {
	return nil, nil
}

func (r *testIncidentRepo) ListOpenIncidents(context.Context, string, int) ([]domain.Incident, error) {
	return nil, nil
}

func (r *testIncidentRepo) MarkIncidentResolved(context.Context, string, time.Time) (bool, error) {
	return false, nil
}

func (r *testIncidentRepo) AttachIncidentAnalysis(context.Context, string, domain.IncidentAnalysis) error {
	return nil
}
