package detection

import (
	"context"
	"log/slog"
	"time"

	"github.com/guardrail-dev/guardrail/internal/domain"
	"github.com/guardrail-dev/guardrail/internal/repository"
	"github.com/guardrail-dev/guardrail/pkg/config"
)

const (
	defaultMonitorInterval = time.Minute
	defaultLookback        = 15 * time.Minute
	sweepTimeout           = 30 * time.Second
)

// IncidentOpener records a triggered detection as an incident.
type IncidentOpener interface {
	CreateFromDetection(ctx context.Context, projectID string, result domain.DetectionResult) (*domain.Incident, error)
}

// Analyzer queues an incident for root-cause analysis.
type Analyzer interface {
	EnqueueAnalysis(incidentID string)
}

// Monitor periodically runs detection checks against recently active projects
// and opens incidents for whatever they find.
type Monitor struct {
	engine    *Engine
	telemetry repository.TelemetryRepository
	incidents IncidentOpener
	analyzer  Analyzer
	logger    *slog.Logger

	cfg      Config
	interval time.Duration
	lookback time.Duration

	now func() time.Time
}

// NewMonitor constructs the background monitor. It returns nil when the
// required collaborators are missing.
func NewMonitor(engine *Engine, telemetry repository.TelemetryRepository, incidents IncidentOpener, analyzer Analyzer, logger *slog.Logger, cfg config.APIConfig) *Monitor {
	if engine == nil || telemetry == nil || incidents == nil {
		return nil
	}

	interval := cfg.DetectInterval
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	lookback := cfg.DetectLookback
	if lookback <= 0 {
		lookback = defaultLookback
	}

	m := &Monitor{
		engine:    engine,
		telemetry: telemetry,
		incidents: incidents,
		analyzer:  analyzer,
		logger:    logger,
		cfg:       ConfigFromAPI(cfg),
		interval:  interval,
		lookback:  lookback,
		now:       time.Now,
	}
	if m.logger != nil {
		m.logger = m.logger.With("component", "monitor")
	} else {
		m.logger = slog.Default()
	}
	return m
}

// Run executes the detection loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("detection monitor started", "interval", m.interval, "lookback", m.lookback)
	m.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("detection monitor stopped")
			return
		case <-ticker.C:
			m.runIteration(ctx)
		}
	}
}

func (m *Monitor) runIteration(parent context.Context) {
	if m == nil {
		return
	}
	timeout := sweepTimeout
	if m.interval > 0 && m.interval < timeout {
		timeout = m.interval
	}
	opCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	since := m.now().UTC().Add(-m.lookback)
	projects, err := m.telemetry.ListActiveProjects(opCtx, since)
	if err != nil {
		m.logger.Warn("failed to list active projects", "error", err)
		return
	}

	for _, projectID := range projects {
		m.sweepProject(opCtx, projectID)
	}
}

func (m *Monitor) sweepProject(ctx context.Context, projectID string) {
	result := m.engine.RunAll(ctx, projectID, m.cfg)
	if !result.Triggered {
		return
	}

	incident, err := m.incidents.CreateFromDetection(ctx, projectID, result)
	if err != nil {
		m.logger.Warn("failed to open incident", "project_id", projectID, "trigger", result.TriggerType, "error", err)
		return
	}

	if m.analyzer != nil {
		m.analyzer.EnqueueAnalysis(incident.ID)
	}
}
