package detection

import (
	"context"
	"fmt"

	"github.com/guardrail-dev/guardrail/internal/domain"
	"github.com/guardrail-dev/guardrail/internal/repository"
)

// latencyScanLimit bounds the recent-records window examined per evaluation.
const latencyScanLimit = 100

type latencyCheck struct {
	repo repository.TelemetryRepository
}

func (latencyCheck) Name() string { return domain.TriggerLatencyThreshold }

func (c latencyCheck) Evaluate(ctx context.Context, projectID string, cfg Config) (domain.DetectionResult, error) {
	records, err := c.repo.ListTelemetry(ctx, projectID, latencyScanLimit, 0)
	if err != nil {
		return domain.DetectionResult{}, fmt.Errorf("list telemetry: %w", err)
	}

	var count, sum, max int
	for _, rec := range records {
		if rec.LatencyMS > cfg.LatencyThresholdMS {
			count++
			sum += rec.LatencyMS
			if rec.LatencyMS > max {
				max = rec.LatencyMS
			}
		}
	}
	if count == 0 {
		return domain.DetectionResult{}, nil
	}

	severity := domain.SeverityMedium
	if max > 2*cfg.LatencyThresholdMS {
		severity = domain.SeverityHigh
	}
	return domain.DetectionResult{
		Triggered:   true,
		TriggerType: domain.TriggerLatencyThreshold,
		Severity:    severity,
		Message:     fmt.Sprintf("%d calls exceeded %d ms (max %d ms)", count, cfg.LatencyThresholdMS, max),
		Latency: &domain.LatencyEvidence{
			ViolationCount: count,
			AvgViolationMS: float64(sum) / float64(count),
			MaxViolationMS: max,
			ThresholdMS:    cfg.LatencyThresholdMS,
		},
	}, nil
}
