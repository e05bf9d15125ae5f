package detection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/guardrail-dev/guardrail/internal/domain"
	"github.com/guardrail-dev/guardrail/internal/metrics"
	"github.com/guardrail-dev/guardrail/internal/repository"
)

// Check evaluates one anomaly signal against a project's recent telemetry.
type Check interface {
	Name() string
	Evaluate(ctx context.Context, projectID string, cfg Config) (domain.DetectionResult, error)
}

// Engine runs the configured checks and reports the highest-priority finding.
type Engine struct {
	checks []Check
	logger *slog.Logger
}

func New(repo repository.TelemetryRepository, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		checks: []Check{
			latencyCheck{repo: repo},
			errorRateCheck{repo: repo, now: time.Now},
			riskRunCheck{repo: repo},
			costSpikeCheck{repo: repo, now: time.Now},
		},
		logger: logger.With("component", "detection"),
	}
}

// RunAll evaluates every check concurrently and returns the first triggered
// result in check order. A check that fails is logged and treated as not
// triggered.
func (e *Engine) RunAll(ctx context.Context, projectID string, cfg Config) domain.DetectionResult {
	results := make([]domain.DetectionResult, len(e.checks))
	errs := make([]error, len(e.checks))

	var wg sync.WaitGroup
	for i, check := range e.checks {
		wg.Add(1)
		go func(i int, check Check) {
			defer wg.Done()
			results[i], errs[i] = check.Evaluate(ctx, projectID, cfg)
		}(i, check)
	}
	wg.Wait()

	var winner *domain.DetectionResult
	for i, check := range e.checks {
		switch {
		case errs[i] != nil:
			metrics.ObserveDetection(check.Name(), metrics.OutcomeError)
			e.logger.Warn("detection check failed", "check", check.Name(), "project_id", projectID, "error", errs[i])
		case results[i].Triggered:
			metrics.ObserveDetection(check.Name(), metrics.OutcomeTriggered)
			if winner == nil {
				winner = &results[i]
			}
		default:
			metrics.ObserveDetection(check.Name(), metrics.OutcomeClear)
		}
	}
	if winner != nil {
		return *winner
	}
	return domain.DetectionResult{}
}
