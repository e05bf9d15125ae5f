package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"log/slog"

	"github.com/guardrail-dev/guardrail/internal/domain"
	"github.com/guardrail-dev/guardrail/internal/repository"
	"github.com/guardrail-dev/guardrail/pkg/config"
	"github.com/guardrail-dev/guardrail/pkg/crypto"
)

// ErrBadSignature reports a missing or mismatched alert signature.
var ErrBadSignature = errors.New("invalid webhook signature")

// ErrNoSecret reports that no signing secret is configured for the caller.
var ErrNoSecret = errors.New("no webhook secret configured")

// Alert is the inbound alert payload, parsed only after the signature over
// the raw body has been verified.
type Alert struct {
	ProjectID string            `json:"project_id"`
	Status    string            `json:"status"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Source    string            `json:"source"`
	Labels    map[string]string `json:"labels"`
}

// IncidentCreator opens incidents from externally sourced triggers.
type IncidentCreator interface {
	CreateFromTrigger(ctx context.Context, projectID string, result domain.DetectionResult) (*domain.Incident, error)
}

// Analyzer queues asynchronous root-cause analysis.
type Analyzer interface {
	EnqueueAnalysis(incidentID string)
}

// Service verifies and ingests external alert webhooks.
type Service struct {
	repo      repository.WebhookRepository
	incidents IncidentCreator
	analyzer  Analyzer
	cipher    crypto.Cipher
	logger    *slog.Logger
	shared    string
}

// New constructs a webhook service. cfg.WebhookSecret is the shared secret
// used when a project has no secret of its own.
func New(repo repository.WebhookRepository, incidents IncidentCreator, analyzer Analyzer, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{
		repo:      repo,
		incidents: incidents,
		analyzer:  analyzer,
		cipher:    crypto.New(cfg.SecretEncryptionKey),
		logger:    logger,
		shared:    cfg.WebhookSecret,
	}
}

// UpsertSecret stores a per-project signing secret, encrypted at rest.
func (s Service) UpsertSecret(ctx context.Context, projectID, secret string) error {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return errors.New("project id is required")
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return errors.New("secret is required")
	}
	payload, err := s.cipher.Encrypt(secret)
	if err != nil {
		return err
	}
	return s.repo.UpsertWebhook(ctx, projectID, payload)
}

// CheckSignature verifies the hex HMAC-SHA256 of body against the secret for
// projectID. An empty projectID, or a project without a stored secret, falls
// back to the shared secret.
func (s Service) CheckSignature(ctx context.Context, projectID string, body []byte, provided string) error {
	if strings.TrimSpace(provided) == "" {
		return fmt.Errorf("%w: signature missing", ErrBadSignature)
	}
	secret, err := s.secretFor(ctx, projectID)
	if err != nil {
		return err
	}
	hasher := hmac.New(sha256.New, []byte(secret))
	hasher.Write(body)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

// HandleAlert verifies the signature, parses the alert, and opens a webhook
// incident. RCA is queued fire-and-forget; the caller never waits on it.
func (s Service) HandleAlert(ctx context.Context, projectID string, body []byte, signature string) (*domain.Incident, error) {
	if err := s.CheckSignature(ctx, projectID, body, signature); err != nil {
		return nil, err
	}

	var alert Alert
	if err := json.Unmarshal(body, &alert); err != nil {
		return nil, fmt.Errorf("invalid alert payload: %w", err)
	}
	if projectID = strings.TrimSpace(projectID); projectID == "" {
		projectID = strings.TrimSpace(alert.ProjectID)
	}
	if projectID == "" {
		return nil, errors.New("alert does not name a project")
	}

	incident, err := s.incidents.CreateFromTrigger(ctx, projectID, alertResult(alert))
	if err != nil {
		return nil, err
	}
	s.logger.Info("webhook alert accepted", "incident_id", incident.ID, "project_id", projectID, "alert_status", alert.Status)
	if s.analyzer != nil {
		s.analyzer.EnqueueAnalysis(incident.ID)
	}
	return incident, nil
}

func (s Service) secretFor(ctx context.Context, projectID string) (string, error) {
	if strings.TrimSpace(projectID) != "" {
		stored, err := s.repo.GetWebhookSecret(ctx, projectID)
		switch {
		case err == nil:
			return s.cipher.Decrypt(stored)
		case errors.Is(err, repository.ErrNotFound):
		default:
			return "", err
		}
	}
	if s.shared == "" {
		return "", ErrNoSecret
	}
	return s.shared, nil
}

func alertResult(alert Alert) domain.DetectionResult {
	message := strings.TrimSpace(alert.Message)
	if message == "" {
		message = strings.TrimSpace(alert.Title)
	}
	if message == "" {
		message = "external alert received"
	}
	if source := strings.TrimSpace(alert.Source); source != "" {
		message = fmt.Sprintf("%s: %s", source, message)
	}
	return domain.DetectionResult{
		Triggered:   true,
		TriggerType: domain.TriggerWebhook,
		Severity:    SeverityFromAlertStatus(alert.Status),
		Message:     message,
	}
}

// SeverityFromAlertStatus maps the alert's own status vocabulary onto
// incident severity.
func SeverityFromAlertStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "critical", "alert":
		return domain.SeverityCritical
	case "warning":
		return domain.SeverityHigh
	case "unknown", "no-data":
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}
