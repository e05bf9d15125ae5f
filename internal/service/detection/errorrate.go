package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/guardrail-dev/guardrail/internal/domain"
	"github.com/guardrail-dev/guardrail/internal/repository"
)

const (
	errorRateWindow = time.Hour
	// Rates above this escalate to high regardless of the threshold.
	highErrorRatePercent = 30
)

type errorRateCheck struct {
	repo repository.TelemetryRepository
	now  func() time.Time
}

func (errorRateCheck) Name() string { return domain.TriggerErrorRate }

func (c errorRateCheck) Evaluate(ctx context.Context, projectID string, cfg Config) (domain.DetectionResult, error) {
	since := c.now().UTC().Add(-errorRateWindow)
	total, errored, err := c.repo.CountTelemetrySince(ctx, projectID, since)
	if err != nil {
		return domain.DetectionResult{}, fmt.Errorf("count telemetry: %w", err)
	}
	if total == 0 {
		return domain.DetectionResult{}, nil
	}

	rate := float64(errored) / float64(total) * 100
	if rate <= cfg.ErrorRatePercent {
		return domain.DetectionResult{}, nil
	}

	severity := domain.SeverityMedium
	if rate > highErrorRatePercent {
		severity = domain.SeverityHigh
	}
	return domain.DetectionResult{
		Triggered:   true,
		TriggerType: domain.TriggerErrorRate,
		Severity:    severity,
		Message:     fmt.Sprintf("error rate %.1f%% over the last hour (%d of %d calls)", rate, errored, total),
		ErrorRate: &domain.ErrorRateEvidence{
			RatePercent:      rate,
			ErrorCount:       errored,
			TotalCount:       total,
			ThresholdPercent: cfg.ErrorRatePercent,
		},
	}, nil
}
