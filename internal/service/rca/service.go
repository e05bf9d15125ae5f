package rca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/guardrail-dev/guardrail/internal/domain"
	"github.com/guardrail-dev/guardrail/internal/metrics"
	"github.com/guardrail-dev/guardrail/internal/repository"
	"github.com/guardrail-dev/guardrail/pkg/config"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultRecordLimit = 20

	// Prompt text included per telemetry record before truncation.
	promptSnippetChars = 200
)

// Service synthesizes root causes for incidents. Synthesis itself never
// fails: any generator or parse fault degrades to the static fallback table.
type Service struct {
	incidents   repository.IncidentRepository
	telemetry   repository.TelemetryRepository
	generator   TextGenerator
	logger      *slog.Logger
	timeout     time.Duration
	recordLimit int
}

// New constructs an RCA service. A nil generator is valid and routes every
// analysis to the fallback table.
func New(incidents repository.IncidentRepository, telemetry repository.TelemetryRepository, generator TextGenerator, logger *slog.Logger, cfg config.APIConfig) Service {
	timeout := cfg.RCATimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	recordLimit := cfg.RCARecordLimit
	if recordLimit <= 0 {
		recordLimit = defaultRecordLimit
	}
	return Service{
		incidents:   incidents,
		telemetry:   telemetry,
		generator:   generator,
		logger:      logger,
		timeout:     timeout,
		recordLimit: recordLimit,
	}
}

// Analyze synthesizes and attaches a root cause for one incident. Only the
// incident lookup and the attach write can fail; the synthesis in between
// always yields a usable analysis.
func (s Service) Analyze(ctx context.Context, incidentID string) (*domain.IncidentAnalysis, error) {
	incidentID = strings.TrimSpace(incidentID)
	if incidentID == "" {
		return nil, errors.New("incident id is required")
	}
	incident, err := s.incidents.GetIncidentByID(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	analysis := s.synthesize(ctx, incident)
	metrics.RecordRCAOutcome(analysis.Source)
	if err := s.incidents.AttachIncidentAnalysis(ctx, incident.ID, analysis); err != nil {
		return nil, fmt.Errorf("attach analysis: %w", err)
	}
	s.logger.Info("root cause attached", "incident_id", incident.ID, "project_id", incident.ProjectID, "source", analysis.Source, "severity", analysis.Severity)
	return &analysis, nil
}

func (s Service) synthesize(ctx context.Context, incident *domain.Incident) domain.IncidentAnalysis {
	if s.generator == nil {
		return fallbackFor(incident.TriggerType)
	}

	var records []domain.TelemetryRecord
	if s.telemetry != nil {
		var err error
		records, err = s.telemetry.ListTelemetry(ctx, incident.ProjectID, s.recordLimit, 0)
		if err != nil {
			s.logger.Warn("telemetry lookup for analysis failed", "incident_id", incident.ID, "error", err)
			records = nil
		}
	}

	genCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	reply, err := s.generator.Generate(genCtx, buildPrompt(incident, records))
	if err != nil {
		s.logger.Warn("root cause generation failed, using fallback", "incident_id", incident.ID, "error", err)
		return fallbackFor(incident.TriggerType)
	}
	analysis, err := parseAnalysis(reply)
	if err != nil {
		s.logger.Warn("root cause reply unusable, using fallback", "incident_id", incident.ID, "error", err)
		return fallbackFor(incident.TriggerType)
	}
	return analysis
}

func buildPrompt(incident *domain.Incident, records []domain.TelemetryRecord) string {
	var b strings.Builder
	b.WriteString("You are a reliability engineer investigating an anomaly on an LLM API project.\n\n")
	b.WriteString("Incident:\n")
	fmt.Fprintf(&b, "- trigger: %s\n", incident.TriggerType)
	fmt.Fprintf(&b, "- severity: %s\n", incident.Severity)
	fmt.Fprintf(&b, "- message: %s\n", incident.Message)
	if len(incident.Metadata) > 0 {
		fmt.Fprintf(&b, "- evidence: %s\n", incident.Metadata)
	}

	if len(records) > 0 {
		b.WriteString("\nRecent calls, newest first:\n")
		for _, rec := range records {
			fmt.Fprintf(&b, "- model=%s latency_ms=%d tokens=%d risk_score=%d", rec.Model, rec.LatencyMS, rec.TokensUsed, rec.RiskScore)
			if rec.Error != "" {
				fmt.Fprintf(&b, " error=%q", rec.Error)
			}
			fmt.Fprintf(&b, " prompt=%q\n", snippet(rec.Prompt, promptSnippetChars))
		}
	}

	b.WriteString("\nIdentify the most likely root cause and a concrete fix. ")
	b.WriteString(`Respond with a single JSON object of the form {"severity":"low|medium|high|critical","rootCause":"...","recommendedFix":"..."} and nothing else.`)
	return b.String()
}

func snippet(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}

// parseAnalysis extracts the first JSON object from a model reply and
// validates it into an analysis. Replies wrapped in prose or code fences are
// tolerated; missing fields are not.
func parseAnalysis(reply string) (domain.IncidentAnalysis, error) {
	var analysis domain.IncidentAnalysis
	object, ok := firstJSONObject(reply)
	if !ok {
		return analysis, errors.New("no JSON object in reply")
	}
	var wire struct {
		Severity       string `json:"severity"`
		RootCause      string `json:"rootCause"`
		RecommendedFix string `json:"recommendedFix"`
	}
	if err := json.Unmarshal([]byte(object), &wire); err != nil {
		return analysis, fmt.Errorf("decode reply: %w", err)
	}
	severity := strings.ToLower(strings.TrimSpace(wire.Severity))
	if !domain.ValidSeverity(severity) {
		return analysis, fmt.Errorf("unknown severity %q", wire.Severity)
	}
	rootCause := strings.TrimSpace(wire.RootCause)
	recommendedFix := strings.TrimSpace(wire.RecommendedFix)
	if rootCause == "" || recommendedFix == "" {
		return analysis, errors.New("rootCause and recommendedFix are required")
	}
	analysis.Severity = severity
	analysis.RootCause = rootCause
	analysis.RecommendedFix = recommendedFix
	analysis.Source = domain.AnalysisSourceModel
	return analysis, nil
}

// firstJSONObject returns the first balanced top-level object in text.
func firstJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
