package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/guardrail-dev/guardrail/internal/admission"
	"github.com/guardrail-dev/guardrail/internal/domain"
	"github.com/guardrail-dev/guardrail/pkg/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func testConfig() config.APIConfig {
	return config.APIConfig{AdmissionMaxRequests: 60, AdmissionWindow: time.Minute}
}

func validInput() IngestInput {
	return IngestInput{
		ProjectID: "project-1",
		Prompt:    "Summarize this quarterly report for me.",
		Response:  "The report shows steady growth across all regions.",
		Model:     "house-llm",
		LatencyMS: 420,
		Tokens:    128,
	}
}

func TestIngestStoresScoredRecord(t *testing.T) {
	repo := &testTelemetryRepo{}
	svc := New(repo, nil, nil, nil, testLogger(), testConfig())
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	record, err := svc.Ingest(context.Background(), validInput())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if record.ID == "" {
		t.Fatalf("expected a generated record id")
	}
	if record.RiskScore != 0 {
		t.Fatalf("benign call should score 0, got %d", record.RiskScore)
	}
	if record.TokensEstimated {
		t.Fatalf("reported token count must not be flagged as estimated")
	}
	if !record.CreatedAt.Equal(now) {
		t.Fatalf("expected creation stamp %s, got %s", now, record.CreatedAt)
	}
	if len(repo.inserted) != 1 || repo.inserted[0].ID != record.ID {
		t.Fatalf("record was not persisted: %+v", repo.inserted)
	}
}

func TestIngestScoresErroredCall(t *testing.T) {
	repo := &testTelemetryRepo{}
	svc := New(repo, nil, nil, nil, testLogger(), testConfig())

	input := validInput()
	input.Error = "upstream timeout"
	record, err := svc.Ingest(context.Background(), input)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if record.RiskScore != 25 {
		t.Fatalf("errored call should score 25, got %d", record.RiskScore)
	}
}

func TestIngestEstimatesMissingTokens(t *testing.T) {
	repo := &testTelemetryRepo{}
	svc := New(repo, nil, nil, nil, testLogger(), testConfig())

	input := validInput()
	input.Tokens = 0
	record, err := svc.Ingest(context.Background(), input)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !record.TokensEstimated {
		t.Fatalf("zero token count should be estimated")
	}
	if record.TokensUsed <= 0 {
		t.Fatalf("estimate should be positive, got %d", record.TokensUsed)
	}
}

func TestIngestValidation(t *testing.T) {
	svc := New(&testTelemetryRepo{}, nil, nil, nil, testLogger(), testConfig())
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*IngestInput)
	}{
		{"missing project", func(in *IngestInput) { in.ProjectID = "  " }},
		{"empty prompt", func(in *IngestInput) { in.Prompt = "" }},
		{"oversized prompt", func(in *IngestInput) { in.Prompt = strings.Repeat("a", promptMaxChars+1) }},
		{"empty response", func(in *IngestInput) { in.Response = "" }},
		{"oversized response", func(in *IngestInput) { in.Response = strings.Repeat("a", responseMaxChars+1) }},
		{"missing model", func(in *IngestInput) { in.Model = "" }},
		{"negative latency", func(in *IngestInput) { in.LatencyMS = -1 }},
		{"negative tokens", func(in *IngestInput) { in.Tokens = -1 }},
	}
	for _, tc := range cases {
		input := validInput()
		tc.mutate(&input)
		if _, err := svc.Ingest(ctx, input); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestIngestRejectsOnConstraintViolation(t *testing.T) {
	repo := &testTelemetryRepo{}
	checker := &testChecker{violation: &domain.ConstraintViolation{
		ActionID:   "act-1",
		ActionType: domain.ActionSwitchModel,
		Message:    "model blocked",
		Required:   "gpt-4o",
		Actual:     "house-llm",
	}}
	svc := New(repo, checker, nil, nil, testLogger(), testConfig())

	_, err := svc.Ingest(context.Background(), validInput())
	var constraintErr *ConstraintError
	if !errors.As(err, &constraintErr) {
		t.Fatalf("expected ConstraintError, got %v", err)
	}
	if constraintErr.Violation.Required != "gpt-4o" {
		t.Fatalf("violation detail lost: %+v", constraintErr.Violation)
	}
	if len(repo.inserted) != 0 {
		t.Fatalf("rejected call must not be persisted")
	}
}

func TestIngestPassesScoreToConstraints(t *testing.T) {
	checker := &testChecker{}
	svc := New(&testTelemetryRepo{}, checker, nil, nil, testLogger(), testConfig())

	input := validInput()
	input.Error = "upstream timeout"
	if _, err := svc.Ingest(context.Background(), input); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if checker.lastReq == nil || checker.lastReq.RiskScore == nil {
		t.Fatalf("constraint check must see the computed score")
	}
	if *checker.lastReq.RiskScore != 25 {
		t.Fatalf("expected score 25 on the request, got %d", *checker.lastReq.RiskScore)
	}
}

func TestIngestComposesRateCeilings(t *testing.T) {
	checker := &testChecker{ceiling: 5}
	limiter := &testLimiter{decision: admission.Decision{Allowed: true, Count: 1}}
	svc := New(&testTelemetryRepo{}, checker, limiter, nil, testLogger(), testConfig())

	input := validInput()
	input.UserID = "user-9"
	if _, err := svc.Ingest(context.Background(), input); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if limiter.lastKey != "user:user-9" {
		t.Fatalf("expected user-scoped key, got %q", limiter.lastKey)
	}
	if limiter.lastLimit != 5 {
		t.Fatalf("expected the remediation ceiling to win over the static limit, got %d", limiter.lastLimit)
	}
}

func TestIngestRejectsOverLimit(t *testing.T) {
	repo := &testTelemetryRepo{}
	limiter := &testLimiter{decision: admission.Decision{Allowed: false, Count: 60, RetryAfter: 12 * time.Second}}
	svc := New(repo, nil, limiter, nil, testLogger(), testConfig())

	input := validInput()
	input.APIKey = "key-1"
	input.UserID = "user-9"
	_, err := svc.Ingest(context.Background(), input)
	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rateErr.Scope != ScopeAPIKey {
		t.Fatalf("api key identity takes precedence, got scope %s", rateErr.Scope)
	}
	if rateErr.RetryAfter != 12*time.Second {
		t.Fatalf("expected retry-after 12s, got %s", rateErr.RetryAfter)
	}
	if len(repo.inserted) != 0 {
		t.Fatalf("rejected call must not be persisted")
	}
}

func TestIngestBypassesLimiterWithoutIdentity(t *testing.T) {
	limiter := &testLimiter{decision: admission.Decision{Allowed: false}}
	svc := New(&testTelemetryRepo{}, nil, limiter, nil, testLogger(), testConfig())

	if _, err := svc.Ingest(context.Background(), validInput()); err != nil {
		t.Fatalf("anonymous calls bypass admission: %v", err)
	}
	if limiter.calls != 0 {
		t.Fatalf("limiter must not be consulted without an identifier, got %d calls", limiter.calls)
	}
}

func TestListBoundsArguments(t *testing.T) {
	repo := &testTelemetryRepo{}
	svc := New(repo, nil, nil, nil, testLogger(), testConfig())

	if _, err := svc.List(context.Background(), " ", 10, 0); err == nil {
		t.Fatalf("expected error for missing project id")
	}
	if _, err := svc.List(context.Background(), "project-1", 1000, -5); err != nil {
		t.Fatalf("list: %v", err)
	}
	if repo.listLimit != maxListLimit {
		t.Fatalf("expected limit capped at %d, got %d", maxListLimit, repo.listLimit)
	}
	if repo.listOffset != 0 {
		t.Fatalf("expected negative offset clamped to 0, got %d", repo.listOffset)
	}
}

type testTelemetryRepo struct {
	inserted   []domain.TelemetryRecord
	listLimit  int
	listOffset int
}

func (r *testTelemetryRepo) InsertTelemetry(ctx context.Context, record *domain.TelemetryRecord) error {
	r.inserted = append(r.inserted, *record)
	return nil
}

func (r *testTelemetryRepo) ListTelemetry(ctx context.Context, projectID string, limit, offset int) ([]domain.TelemetryRecord, error) {
	r.listLimit = limit
	r.listOffset = offset
	return nil, nil
}

func (r *testTelemetryRepo) CountTelemetrySince(ctx context.Context, projectID string, since time.Time) (int, int, error) {
	return 0, 0, nil
}

func (r *testTelemetryRepo) ListModelUsageSince(ctx context.Context, projectID string, since time.Time) ([]domain.ModelUsage, error) {
	return nil, nil
}

func (r *testTelemetryRepo) ListActiveProjects(ctx context.Context, since time.Time) ([]string, error) {
	return nil, nil
}

type testChecker struct {
	violation *domain.ConstraintViolation
	ceiling   int
	lastReq   *domain.CallRequest
}

func (c *testChecker) CheckConstraints(ctx context.Context, req *domain.CallRequest) *domain.ConstraintViolation {
	c.lastReq = req
	if c.ceiling > 0 {
		req.RateCeilings = append(req.RateCeilings, domain.RateCeiling{ActionID: "act-1", RequestsPerMinute: c.ceiling})
	}
	return c.violation
}

type testLimiter struct {
	decision  admission.Decision
	calls     int
	lastKey   string
	lastLimit int
}

func (l *testLimiter) Allow(key string, limit int, window time.Duration) admission.Decision {
	l.calls++
	l.lastKey = key
	l.lastLimit = limit
	return l.decision
}

func (l *testLimiter) Close() {}
