package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/guardrail-dev/guardrail/internal/domain"
	"github.com/guardrail-dev/guardrail/internal/repository"
)

const (
	costWindowDays = 30
	// Spikes above this escalate to high.
	highCostSpikePercent = 100
)

type costSpikeCheck struct {
	repo repository.TelemetryRepository
	now  func() time.Time
}

func (costSpikeCheck) Name() string { return domain.TriggerCostSpike }

func (c costSpikeCheck) Evaluate(ctx context.Context, projectID string, cfg Config) (domain.DetectionResult, error) {
	today := c.now().UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -(costWindowDays - 1))

	usage, err := c.repo.ListModelUsageSince(ctx, projectID, since)
	if err != nil {
		return domain.DetectionResult{}, fmt.Errorf("list model usage: %w", err)
	}
	if len(usage) == 0 {
		return domain.DetectionResult{}, nil
	}

	daily := make(map[time.Time]float64)
	for _, u := range usage {
		day := u.Day.UTC().Truncate(24 * time.Hour)
		daily[day] += estimatedCost(u.Model, u.Tokens)
	}

	var total float64
	for _, cost := range daily {
		total += cost
	}
	mean := total / float64(len(daily))
	if mean <= 0 {
		return domain.DetectionResult{}, nil
	}

	todayCost := daily[today]
	increase := (todayCost - mean) / mean * 100
	if increase <= cfg.CostSpikePercent {
		return domain.DetectionResult{}, nil
	}

	severity := domain.SeverityMedium
	if increase > highCostSpikePercent {
		severity = domain.SeverityHigh
	}
	return domain.DetectionResult{
		Triggered:   true,
		TriggerType: domain.TriggerCostSpike,
		Severity:    severity,
		Message:     fmt.Sprintf("today's spend $%.4f is %.0f%% above the %d-day daily mean $%.4f", todayCost, increase, costWindowDays, mean),
		CostSpike: &domain.CostSpikeEvidence{
			TodayCost:        todayCost,
			MeanDailyCost:    mean,
			IncreasePercent:  increase,
			ThresholdPercent: cfg.CostSpikePercent,
		},
	}, nil
}
