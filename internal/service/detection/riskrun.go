package detection

import (
	"context"
	"fmt"

	"github.com/guardrail-dev/guardrail/internal/domain"
	"github.com/guardrail-dev/guardrail/internal/repository"
)

const riskRunScanLimit = 50

type riskRunCheck struct {
	repo repository.TelemetryRepository
}

func (riskRunCheck) Name() string { return domain.TriggerRiskScoreAnomaly }

func (c riskRunCheck) Evaluate(ctx context.Context, projectID string, cfg Config) (domain.DetectionResult, error) {
	if cfg.ConsecutiveHighRisk <= 0 {
		return domain.DetectionResult{}, nil
	}

	records, err := c.repo.ListTelemetry(ctx, projectID, riskRunScanLimit, 0)
	if err != nil {
		return domain.DetectionResult{}, fmt.Errorf("list telemetry: %w", err)
	}

	var longest, current, highRisk int
	for _, rec := range records {
		if rec.RiskScore > cfg.RiskScoreThreshold {
			highRisk++
			current++
			if current > longest {
				longest = current
			}
			continue
		}
		current = 0
	}
	if longest < cfg.ConsecutiveHighRisk {
		return domain.DetectionResult{}, nil
	}

	return domain.DetectionResult{
		Triggered:   true,
		TriggerType: domain.TriggerRiskScoreAnomaly,
		Severity:    domain.SeverityHigh,
		Message:     fmt.Sprintf("%d consecutive calls scored above %d", longest, cfg.RiskScoreThreshold),
		RiskRun: &domain.RiskRunEvidence{
			LongestRun:     longest,
			HighRiskCount:  highRisk,
			ScoreThreshold: cfg.RiskScoreThreshold,
			RequiredRun:    cfg.ConsecutiveHighRisk,
		},
	}, nil
}
