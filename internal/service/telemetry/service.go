package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/guardrail-dev/guardrail/internal/admission"
	"github.com/guardrail-dev/guardrail/internal/domain"
	"github.com/guardrail-dev/guardrail/internal/metrics"
	"github.com/guardrail-dev/guardrail/internal/repository"
	"github.com/guardrail-dev/guardrail/internal/scoring"
	"github.com/guardrail-dev/guardrail/internal/ws"
	"github.com/guardrail-dev/guardrail/pkg/config"
)

const (
	promptMaxChars   = 50000
	responseMaxChars = 100000

	defaultListLimit = 50
	maxListLimit     = 200
)

// Admission scopes, by identifier precedence.
const (
	ScopeAPIKey = "api_key"
	ScopeUser   = "user"
)

var (
	errMissingProject  = errors.New("project id required")
	errPromptLength    = errors.New("prompt must be between 1 and 50000 characters")
	errResponseLength  = errors.New("response must be between 1 and 100000 characters")
	errMissingModel    = errors.New("model required")
	errNegativeLatency = errors.New("latency must not be negative")
	errNegativeTokens  = errors.New("token count must not be negative")
)

// ConstraintError reports a call rejected by an active remediation constraint.
type ConstraintError struct {
	Violation domain.ConstraintViolation
}

func (e *ConstraintError) Error() string { return e.Violation.Message }

// RateLimitError reports a call rejected by admission control.
type RateLimitError struct {
	Scope      string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d per window exceeded for %s", e.Limit, e.Scope)
}

// ConstraintChecker is the active-constraint view consulted before a call is
// admitted. Checks may rewrite the request's directive fields.
type ConstraintChecker interface {
	CheckConstraints(ctx context.Context, req *domain.CallRequest) *domain.ConstraintViolation
}

// IngestInput carries one observed LLM call as reported by the caller.
type IngestInput struct {
	ProjectID string
	Prompt    string
	Response  string
	Model     string
	LatencyMS int
	Tokens    int
	Error     string
	Endpoint  string
	UserID    string
	APIKey    string
}

// Service ingests, scores, and serves telemetry records.
type Service struct {
	repo        repository.TelemetryRepository
	constraints ConstraintChecker
	limiter     admission.Limiter
	hub         *ws.Hub
	logger      *slog.Logger
	maxRequests int
	window      time.Duration
	now         func() time.Time
}

// New constructs a telemetry service.
func New(repo repository.TelemetryRepository, constraints ConstraintChecker, limiter admission.Limiter, hub *ws.Hub, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{
		repo:        repo,
		constraints: constraints,
		limiter:     limiter,
		hub:         hub,
		logger:      logger,
		maxRequests: cfg.AdmissionMaxRequests,
		window:      cfg.AdmissionWindow,
		now:         time.Now,
	}
}

// Ingest validates, scores, and stores one observed call. Active remediation
// constraints are checked after scoring, since threshold constraints read the
// score; admission runs last so per-user rate ceilings written by the
// constraint pass compose into the limit. Records are append-only.
func (s Service) Ingest(ctx context.Context, input IngestInput) (*domain.TelemetryRecord, error) {
	input.ProjectID = strings.TrimSpace(input.ProjectID)
	if input.ProjectID == "" {
		return nil, errMissingProject
	}
	if n := len(input.Prompt); n == 0 || n > promptMaxChars {
		return nil, errPromptLength
	}
	if n := len(input.Response); n == 0 || n > responseMaxChars {
		return nil, errResponseLength
	}
	input.Model = strings.TrimSpace(input.Model)
	if input.Model == "" {
		return nil, errMissingModel
	}
	if input.LatencyMS < 0 {
		return nil, errNegativeLatency
	}
	if input.Tokens < 0 {
		return nil, errNegativeTokens
	}

	tokens := input.Tokens
	estimated := false
	if tokens == 0 {
		tokens = scoring.EstimateTokens(input.Prompt, input.Response)
		estimated = true
	}

	scored := scoring.Score(scoring.Input{
		Prompt:   input.Prompt,
		Response: input.Response,
		Model:    input.Model,
		Tokens:   tokens,
		Errored:  input.Error != "",
	})

	req := &domain.CallRequest{
		ProjectID: input.ProjectID,
		Model:     input.Model,
		Endpoint:  input.Endpoint,
		UserID:    input.UserID,
		APIKey:    input.APIKey,
		RiskScore: &scored.Score,
	}
	if s.constraints != nil {
		if violation := s.constraints.CheckConstraints(ctx, req); violation != nil {
			return nil, &ConstraintError{Violation: *violation}
		}
	}
	if err := s.admit(req); err != nil {
		return nil, err
	}

	record := &domain.TelemetryRecord{
		ID:              uuid.NewString(),
		ProjectID:       input.ProjectID,
		Model:           input.Model,
		Prompt:          input.Prompt,
		Response:        input.Response,
		TokensUsed:      tokens,
		TokensEstimated: estimated,
		LatencyMS:       input.LatencyMS,
		Error:           input.Error,
		Endpoint:        input.Endpoint,
		UserID:          input.UserID,
		RiskScore:       scored.Score,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.repo.InsertTelemetry(ctx, record); err != nil {
		return nil, fmt.Errorf("insert telemetry: %w", err)
	}
	s.logger.Info("telemetry ingested", "record_id", record.ID, "project_id", record.ProjectID, "model", record.Model, "risk_score", record.RiskScore)
	s.broadcast(*record)
	return record, nil
}

// List returns recent records for a project, newest first.
func (s Service) List(ctx context.Context, projectID string, limit, offset int) ([]domain.TelemetryRecord, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errMissingProject
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListTelemetry(ctx, projectID, limit, offset)
}

func (s Service) admit(req *domain.CallRequest) error {
	if s.limiter == nil {
		return nil
	}
	key := admission.KeyFor(req.APIKey, req.UserID)
	if key == "" {
		return nil
	}
	limit := req.MinCeiling(s.maxRequests)
	decision := s.limiter.Allow(key, limit, s.window)
	if decision.Allowed {
		return nil
	}
	scope := ScopeUser
	if req.APIKey != "" {
		scope = ScopeAPIKey
	}
	metrics.RecordAdmissionRejected(scope)
	s.logger.Info("call rejected by rate limiter", "project_id", req.ProjectID, "scope", scope, "limit", limit, "retry_after", decision.RetryAfter)
	return &RateLimitError{Scope: scope, Limit: limit, RetryAfter: decision.RetryAfter}
}

func (s Service) broadcast(record domain.TelemetryRecord) {
	if s.hub == nil {
		return
	}
	payload, err := MarshalRecordEvent(record)
	if err != nil {
		s.logger.Warn("failed to marshal telemetry event", "record_id", record.ID, "error", err)
		return
	}
	s.hub.Publish(record.ProjectID, payload)
}

// MarshalRecordEvent formats a stored record for streaming payloads. Prompt
// and response bodies stay out of the stream.
func MarshalRecordEvent(record domain.TelemetryRecord) ([]byte, error) {
	payload := map[string]any{
		"type":             ws.EventTelemetryReceived,
		"id":               record.ID,
		"project_id":       record.ProjectID,
		"model":            record.Model,
		"latency_ms":       record.LatencyMS,
		"tokens_used":      record.TokensUsed,
		"tokens_estimated": record.TokensEstimated,
		"risk_score":       record.RiskScore,
		"created_at":       record.CreatedAt.Format(time.RFC3339Nano),
	}
	if record.Error != "" {
		payload["error"] = record.Error
	}
	if record.Endpoint != "" {
		payload["endpoint"] = record.Endpoint
	}
	return json.Marshal(payload)
}
