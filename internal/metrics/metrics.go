package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for detection check runs.
const (
	OutcomeTriggered = "triggered"
	OutcomeClear     = "clear"
	OutcomeError     = "error"
)

var (
	detectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardrail",
			Name:      "detections_total",
			Help:      "Detection check evaluations, partitioned by check and outcome.",
		},
		[]string{"check", "outcome"},
	)

	incidentsOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardrail",
			Name:      "incidents_opened_total",
			Help:      "Incidents opened, partitioned by trigger type and severity.",
		},
		[]string{"trigger", "severity"},
	)

	incidentsResolvedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "guardrail",
			Name:      "incidents_resolved_total",
			Help:      "Incidents transitioned to resolved.",
		},
	)

	constraintViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardrail",
			Name:      "constraint_violations_total",
			Help:      "Ingest calls rejected by an active remediation constraint.",
		},
		[]string{"action_type"},
	)

	rcaAnalysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardrail",
			Name:      "rca_analyses_total",
			Help:      "Root-cause analyses produced, partitioned by source.",
		},
		[]string{"source"},
	)

	admissionRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardrail",
			Name:      "admission_rejected_total",
			Help:      "Calls rejected by the admission limiter, partitioned by identifier scope.",
		},
		[]string{"scope"},
	)
)

// Register attaches guardrail collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		detectionsTotal,
		incidentsOpenedTotal,
		incidentsResolvedTotal,
		constraintViolationsTotal,
		rcaAnalysesTotal,
		admissionRejectedTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveDetection records one check evaluation.
func ObserveDetection(check, outcome string) {
	detectionsTotal.WithLabelValues(check, outcome).Inc()
}

// RecordIncidentOpened counts a newly opened incident.
func RecordIncidentOpened(trigger, severity string) {
	incidentsOpenedTotal.WithLabelValues(trigger, severity).Inc()
}

// RecordIncidentResolved counts an incident resolution.
func RecordIncidentResolved() {
	incidentsResolvedTotal.Inc()
}

// RecordConstraintViolation counts a constraint rejection by action type.
func RecordConstraintViolation(actionType string) {
	constraintViolationsTotal.WithLabelValues(actionType).Inc()
}

// RecordRCAOutcome counts an analysis by its source (model or fallback).
func RecordRCAOutcome(source string) {
	rcaAnalysesTotal.WithLabelValues(source).Inc()
}

// RecordAdmissionRejected counts a limiter rejection by identifier scope.
func RecordAdmissionRejected(scope string) {
	admissionRejectedTotal.WithLabelValues(scope).Inc()
}
