package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/guardrail-dev/guardrail/internal/domain"
	"github.com/guardrail-dev/guardrail/internal/metrics"
	"github.com/guardrail-dev/guardrail/internal/repository"
	"github.com/guardrail-dev/guardrail/internal/ws"
)

const defaultListLimit = 50

// Service manages remediation actions and enforces them as constraints.
type Service struct {
	actions   repository.RemediationRepository
	incidents repository.IncidentRepository
	hub       *ws.Hub
	logger    *slog.Logger
	now       func() time.Time
}

// New constructs a remediation service.
func New(actions repository.RemediationRepository, incidents repository.IncidentRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{actions: actions, incidents: incidents, hub: hub, logger: logger, now: time.Now}
}

// Create records a remediation action against an open incident. The action
// starts unexecuted; it only constrains traffic after Apply.
func (s Service) Create(ctx context.Context, incidentID, actionType string, rawParams json.RawMessage, reason string) (*domain.RemediationAction, error) {
	incidentID = strings.TrimSpace(incidentID)
	if incidentID == "" {
		return nil, errors.New("incident id is required")
	}
	if !domain.ValidActionType(actionType) {
		return nil, fmt.Errorf("unknown action type %q", actionType)
	}

	incident, err := s.incidents.GetIncidentByID(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	params, err := domain.DecodeActionParams(actionType, rawParams)
	if err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if err := validateParams(actionType, params); err != nil {
		return nil, err
	}

	meta := map[string]any{"incident_trigger": incident.TriggerType}
	if reason = strings.TrimSpace(reason); reason != "" {
		meta["reason"] = reason
	}
	metadata, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	action := &domain.RemediationAction{
		ID:         uuid.NewString(),
		IncidentID: incident.ID,
		ProjectID:  incident.ProjectID,
		ActionType: actionType,
		Params:     params,
		Metadata:   metadata,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.actions.CreateAction(ctx, action); err != nil {
		return nil, fmt.Errorf("create action: %w", err)
	}
	s.logger.Info("remediation action created", "action_id", action.ID, "incident_id", incident.ID, "project_id", incident.ProjectID, "action_type", actionType)
	s.broadcast(ws.EventActionCreated, *action)
	return action, nil
}

// Apply marks an action executed, putting it in force while its incident
// stays open. Re-applying re-stamps the execution time without error.
func (s Service) Apply(ctx context.Context, actionID string) (*domain.RemediationAction, error) {
	actionID = strings.TrimSpace(actionID)
	if actionID == "" {
		return nil, errors.New("action id is required")
	}
	if err := s.actions.MarkActionExecuted(ctx, actionID, s.now().UTC()); err != nil {
		return nil, err
	}
	action, err := s.actions.GetActionByID(ctx, actionID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("remediation action applied", "action_id", action.ID, "incident_id", action.IncidentID, "project_id", action.ProjectID, "action_type", action.ActionType)
	s.broadcast(ws.EventActionApplied, *action)
	return action, nil
}

// Get fetches one action.
func (s Service) Get(ctx context.Context, actionID string) (*domain.RemediationAction, error) {
	actionID = strings.TrimSpace(actionID)
	if actionID == "" {
		return nil, errors.New("action id is required")
	}
	return s.actions.GetActionByID(ctx, actionID)
}

// List returns an incident's actions in creation order.
func (s Service) List(ctx context.Context, incidentID string, limit, offset int) ([]domain.RemediationAction, error) {
	incidentID = strings.TrimSpace(incidentID)
	if incidentID == "" {
		return nil, errors.New("incident id is required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.actions.ListActionsByIncident(ctx, incidentID, limit, offset)
}

// Delete removes an action, lifting any constraint it imposed.
func (s Service) Delete(ctx context.Context, actionID string) error {
	actionID = strings.TrimSpace(actionID)
	if actionID == "" {
		return errors.New("action id is required")
	}
	if err := s.actions.DeleteAction(ctx, actionID); err != nil {
		return err
	}
	s.logger.Info("remediation action deleted", "action_id", actionID)
	return nil
}

// ActiveConstraints lists the executed actions of open incidents, in creation
// order. These are the constraints CheckConstraints enforces.
func (s Service) ActiveConstraints(ctx context.Context, projectID string) ([]domain.RemediationAction, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("project id is required")
	}
	return s.actions.ListActiveActions(ctx, projectID)
}

// CheckConstraints evaluates a proposed call against the project's active
// constraints. Directives (rate ceilings, system prompt overrides) are
// written onto req in creation order; the first hard violation wins.
// Internal faults degrade to "not violated" so enforcement never blocks
// ingestion outright.
func (s Service) CheckConstraints(ctx context.Context, req *domain.CallRequest) *domain.ConstraintViolation {
	if req == nil {
		return nil
	}
	active, err := s.actions.ListActiveActions(ctx, req.ProjectID)
	if err != nil {
		s.logger.Warn("constraint lookup failed, admitting call", "project_id", req.ProjectID, "error", err)
		return nil
	}

	for _, action := range active {
		switch action.ActionType {
		case domain.ActionSwitchModel:
			if action.Params.SwitchModel == nil {
				continue
			}
			required := action.Params.SwitchModel.NewModel
			if req.Model != "" && req.Model != required {
				return s.violation(action, fmt.Sprintf("model %q is blocked while incident %s is open", req.Model, action.IncidentID), required, req.Model)
			}
		case domain.ActionIncreaseSafetyThreshold:
			if action.Params.SafetyThreshold == nil || req.RiskScore == nil {
				continue
			}
			threshold := action.Params.SafetyThreshold.NewThreshold
			if float64(*req.RiskScore) > threshold {
				return s.violation(action,
					fmt.Sprintf("risk score %d exceeds the enforced threshold %g", *req.RiskScore, threshold),
					strconv.FormatFloat(threshold, 'f', -1, 64),
					strconv.Itoa(*req.RiskScore))
			}
		case domain.ActionDisableEndpoint:
			if action.Params.DisableEndpoint == nil {
				continue
			}
			blocked := action.Params.DisableEndpoint.Endpoint
			if req.Endpoint != "" && req.Endpoint == blocked {
				return s.violation(action, fmt.Sprintf("endpoint %q is disabled while incident %s is open", blocked, action.IncidentID), "", req.Endpoint)
			}
		case domain.ActionChangeSystemPrompt:
			if action.Params.SystemPrompt == nil {
				continue
			}
			// Newest prompt wins when several are active.
			req.SystemPrompt = action.Params.SystemPrompt.NewPrompt
		case domain.ActionRateLimitUser:
			if action.Params.RateLimit == nil {
				continue
			}
			req.RateCeilings = append(req.RateCeilings, domain.RateCeiling{
				ActionID:          action.ID,
				RequestsPerMinute: action.Params.RateLimit.RequestsPerMinute,
			})
		case domain.ActionResetSettings:
			// Inert at check time.
		}
	}
	return nil
}

func (s Service) violation(action domain.RemediationAction, message, required, actual string) *domain.ConstraintViolation {
	metrics.RecordConstraintViolation(action.ActionType)
	s.logger.Info("call rejected by active constraint", "action_id", action.ID, "incident_id", action.IncidentID, "action_type", action.ActionType)
	return &domain.ConstraintViolation{
		ActionID:   action.ID,
		ActionType: action.ActionType,
		Message:    message,
		Required:   required,
		Actual:     actual,
	}
}

func (s Service) broadcast(eventType string, action domain.RemediationAction) {
	if s.hub == nil {
		return
	}
	payload, err := MarshalActionEvent(eventType, action)
	if err != nil {
		s.logger.Warn("failed to marshal action event", "action_id", action.ID, "error", err)
		return
	}
	s.hub.Publish(action.ProjectID, payload)
}

// MarshalActionEvent formats a remediation action event for streaming payloads.
func MarshalActionEvent(eventType string, action domain.RemediationAction) ([]byte, error) {
	wire, err := domain.EncodeActionParams(action.ActionType, action.Params)
	if err != nil {
		wire = json.RawMessage(`{}`)
	}
	payload := map[string]any{
		"type":        eventType,
		"id":          action.ID,
		"incident_id": action.IncidentID,
		"project_id":  action.ProjectID,
		"action_type": action.ActionType,
		"params":      wire,
		"executed":    action.Executed,
		"created_at":  action.CreatedAt.Format(time.RFC3339Nano),
	}
	if action.ExecutedAt != nil {
		payload["executed_at"] = action.ExecutedAt.Format(time.RFC3339Nano)
	}
	return json.Marshal(payload)
}

func validateParams(actionType string, params domain.ActionParams) error {
	switch actionType {
	case domain.ActionSwitchModel:
		if params.SwitchModel == nil || strings.TrimSpace(params.SwitchModel.NewModel) == "" {
			return errors.New("newModel is required")
		}
	case domain.ActionIncreaseSafetyThreshold:
		if params.SafetyThreshold == nil {
			return errors.New("newThreshold is required")
		}
		if t := params.SafetyThreshold.NewThreshold; t < 0 || t > 100 {
			return errors.New("newThreshold must be between 0 and 100")
		}
	case domain.ActionDisableEndpoint:
		if params.DisableEndpoint == nil || strings.TrimSpace(params.DisableEndpoint.Endpoint) == "" {
			return errors.New("endpoint is required")
		}
	case domain.ActionChangeSystemPrompt:
		if params.SystemPrompt == nil || strings.TrimSpace(params.SystemPrompt.NewPrompt) == "" {
			return errors.New("newPrompt is required")
		}
	case domain.ActionRateLimitUser:
		if params.RateLimit == nil || params.RateLimit.RequestsPerMinute <= 0 {
			return errors.New("requestsPerMinute must be positive")
		}
	}
	return nil
}
