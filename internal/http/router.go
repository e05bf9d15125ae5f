package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guardrail-dev/guardrail/internal/admission"
	"github.com/guardrail-dev/guardrail/internal/domain"
	"github.com/guardrail-dev/guardrail/internal/repository"
	"github.com/guardrail-dev/guardrail/internal/service/detection"
	"github.com/guardrail-dev/guardrail/internal/service/incident"
	"github.com/guardrail-dev/guardrail/internal/service/remediation"
	"github.com/guardrail-dev/guardrail/internal/service/telemetry"
	"github.com/guardrail-dev/guardrail/internal/service/webhook"
	"github.com/guardrail-dev/guardrail/internal/ws"
)

// Analyzer schedules asynchronous root-cause analysis for an incident.
type Analyzer interface {
	EnqueueAnalysis(incidentID string)
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	telemetry  telemetry.Service
	detector   *detection.Engine
	detectCfg  detection.Config
	incidents  incident.Service
	actions    remediation.Service
	webhooks   webhook.Service
	analyzer   Analyzer
	hub        *ws.Hub
	upgrader   websocket.Upgrader
	limiter    admission.Limiter
	authorizer Authorizer
	dbHealth   func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault      = time.Minute
	rateWindowRealtime     = 30 * time.Second
	rateLimitOperatorWrite = 60
	rateLimitOperatorRead  = 120
	rateLimitRealtime      = 30
	rateLimitWebhook       = 60
	healthCheckTimeout     = 2 * time.Second
	sseHeartbeatInterval   = 20 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, telemetrySvc telemetry.Service, detector *detection.Engine, detectCfg detection.Config, incidentSvc incident.Service, actionSvc remediation.Service, webhookSvc webhook.Service, analyzer Analyzer, hub *ws.Hub, limiter admission.Limiter, authorizer Authorizer, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		telemetry: telemetrySvc,
		detector:  detector,
		detectCfg: detectCfg,
		incidents: incidentSvc,
		actions:   actionSvc,
		webhooks:  webhookSvc,
		analyzer:  analyzer,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:    limiter,
		authorizer: authorizer,
		dbHealth:   dbHealth,
	}
	if r.limiter == nil {
		r.limiter = admission.NewMemoryLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/telemetry", r.audit(r.handleTelemetryIngest))
	r.mux.HandleFunc("/projects/", r.audit(r.handleProjectSubroutes))
	r.mux.HandleFunc("/incidents/", r.audit(r.handleIncidentSubroutes))
	r.mux.HandleFunc("/webhooks/", r.audit(r.handleWebhookSubroutes))
	r.mux.HandleFunc("/ws/events", r.audit(r.handlerAuthRate("/ws/events", rateLimitRealtime, rateWindowRealtime, r.handleEventsWS)))
	r.mux.HandleFunc("/sse/events", r.audit(r.handlerAuthRate("/sse/events", rateLimitRealtime, rateWindowRealtime, r.handleEventsSSE)))
}

func (r *Router) handleTelemetryIngest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	identity, ok := r.optionalIdentity(w, req)
	if !ok {
		return
	}
	if identity.UserID != "" {
		ctx := context.WithValue(req.Context(), contextKeyAuth, authInfo{UserID: identity.UserID, ProjectID: identity.ProjectID})
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		req = req.WithContext(ctx)
	}
	var payload struct {
		ProjectID string `json:"project_id"`
		Prompt    string `json:"prompt"`
		Response  string `json:"response"`
		Model     string `json:"model"`
		LatencyMS int    `json:"latency_ms"`
		Tokens    int    `json:"tokens"`
		Error     string `json:"error"`
		Endpoint  string `json:"endpoint"`
		UserID    string `json:"user_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	userID := payload.UserID
	if identity.UserID != "" {
		userID = identity.UserID
	}
	record, err := r.telemetry.Ingest(req.Context(), telemetry.IngestInput{
		ProjectID: payload.ProjectID,
		Prompt:    payload.Prompt,
		Response:  payload.Response,
		Model:     payload.Model,
		LatencyMS: payload.LatencyMS,
		Tokens:    payload.Tokens,
		Error:     payload.Error,
		Endpoint:  payload.Endpoint,
		UserID:    userID,
		APIKey:    apiKeyFrom(req),
	})
	if err != nil {
		r.writeIngestError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, telemetryView(*record))
}

func (r *Router) writeIngestError(w http.ResponseWriter, err error) {
	var constraintErr *telemetry.ConstraintError
	if errors.As(err, &constraintErr) {
		v := constraintErr.Violation
		writeErrorDetails(w, http.StatusUnprocessableEntity, v.Message, map[string]any{
			"action_id":   v.ActionID,
			"action_type": v.ActionType,
			"required":    v.Required,
			"actual":      v.Actual,
		})
		return
	}
	var rateErr *telemetry.RateLimitError
	if errors.As(err, &rateErr) {
		if rateErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rateErr.RetryAfter)))
		}
		r.recordRateLimitHit("/telemetry", rateErr.Scope)
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/projects/")
	parts := strings.Split(trimmed, "/")
	projectID := parts[0]
	if projectID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 2 && parts[1] == "telemetry":
		r.handlerAuthRate("/projects/{id}/telemetry", rateLimitOperatorRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleTelemetryList(w, req, projectID)
		})(w, req)
	case len(parts) == 2 && parts[1] == "incidents":
		r.handlerAuthRate("/projects/{id}/incidents", rateLimitOperatorRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleIncidentList(w, req, projectID)
		})(w, req)
	case len(parts) == 2 && parts[1] == "constraints":
		r.handlerAuthRate("/projects/{id}/constraints", rateLimitOperatorRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleConstraintList(w, req, projectID)
		})(w, req)
	case len(parts) == 3 && parts[1] == "detections" && parts[2] == "run":
		r.handlerAuthRate("/projects/{id}/detections/run", rateLimitOperatorWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleDetectionRun(w, req, projectID)
		})(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleTelemetryList(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	records, err := r.telemetry.List(req.Context(), projectID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]map[string]any, 0, len(records))
	for _, record := range records {
		views = append(views, telemetryView(record))
	}
	writeJSON(w, http.StatusOK, views)
}

func (r *Router) handleDetectionRun(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		LatencyThreshold         *int     `json:"latencyThreshold"`
		ErrorRateThreshold       *float64 `json:"errorRateThreshold"`
		RiskScoreThreshold       *int     `json:"riskScoreThreshold"`
		ConsecutiveHighRiskCount *int     `json:"consecutiveHighRiskCount"`
		CostSpikePercentage      *float64 `json:"costSpikePercentage"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	override := detection.Override{
		LatencyThresholdMS:  payload.LatencyThreshold,
		ErrorRatePercent:    payload.ErrorRateThreshold,
		RiskScoreThreshold:  payload.RiskScoreThreshold,
		ConsecutiveHighRisk: payload.ConsecutiveHighRiskCount,
		CostSpikePercent:    payload.CostSpikePercentage,
	}
	result := r.detector.RunAll(req.Context(), projectID, override.Apply(r.detectCfg))
	response := map[string]any{"triggered": result.Triggered}
	if !result.Triggered {
		writeJSON(w, http.StatusOK, response)
		return
	}
	response["trigger_type"] = result.TriggerType
	response["severity"] = result.Severity
	response["message"] = result.Message

	opened, err := r.incidents.CreateFromDetection(req.Context(), projectID, result)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if r.analyzer != nil {
		r.analyzer.EnqueueAnalysis(opened.ID)
	}
	response["incident_id"] = opened.ID
	response["incident"] = incidentView(*opened)
	writeJSON(w, http.StatusCreated, response)
}

func (r *Router) handleIncidentList(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	status := strings.TrimSpace(req.URL.Query().Get("status"))
	if status != "" && status != domain.IncidentStatusOpen && status != domain.IncidentStatusResolved {
		writeError(w, http.StatusBadRequest, "status must be open or resolved")
		return
	}
	page, _ := strconv.Atoi(req.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	incidents, err := r.incidents.List(req.Context(), projectID, status, limit, (page-1)*limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]map[string]any, 0, len(incidents))
	for _, inc := range incidents {
		views = append(views, incidentView(inc))
	}
	writeJSON(w, http.StatusOK, views)
}

func (r *Router) handleConstraintList(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	constraints, err := r.actions.ActiveConstraints(req.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]map[string]any, 0, len(constraints))
	for _, action := range constraints {
		views = append(views, actionView(action))
	}
	writeJSON(w, http.StatusOK, views)
}

func (r *Router) handleIncidentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/incidents/")
	parts := strings.Split(trimmed, "/")
	incidentID := parts[0]
	if incidentID == "" {
		r.notFound(w)
		return
	}
	limit := rateLimitOperatorRead
	if req.Method != http.MethodGet {
		limit = rateLimitOperatorWrite
	}
	var route string
	var handler http.HandlerFunc
	switch {
	case len(parts) == 1:
		route = "/incidents/{id}"
		handler = func(w http.ResponseWriter, req *http.Request) {
			r.handleIncidentGet(w, req, incidentID)
		}
	case len(parts) == 2 && parts[1] == "resolve":
		route = "/incidents/{id}/resolve"
		handler = func(w http.ResponseWriter, req *http.Request) {
			r.handleIncidentResolve(w, req, incidentID)
		}
	case len(parts) == 2 && parts[1] == "actions":
		route = "/incidents/{id}/actions"
		handler = func(w http.ResponseWriter, req *http.Request) {
			r.handleActionCollection(w, req, incidentID)
		}
	case len(parts) == 3 && parts[1] == "actions" && parts[2] != "":
		route = "/incidents/{id}/actions/{action_id}"
		actionID := parts[2]
		handler = func(w http.ResponseWriter, req *http.Request) {
			r.handleActionItem(w, req, actionID)
		}
	case len(parts) == 4 && parts[1] == "actions" && parts[2] != "" && parts[3] == "apply":
		route = "/incidents/{id}/actions/{action_id}/apply"
		actionID := parts[2]
		handler = func(w http.ResponseWriter, req *http.Request) {
			r.handleActionApply(w, req, actionID)
		}
	default:
		r.notFound(w)
		return
	}
	r.handlerAuthRate(route, limit, rateWindowDefault, handler)(w, req)
}

func (r *Router) handleIncidentGet(w http.ResponseWriter, req *http.Request, incidentID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	inc, err := r.incidents.Get(req.Context(), incidentID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repository.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, incidentView(*inc))
}

func (r *Router) handleIncidentResolve(w http.ResponseWriter, req *http.Request, incidentID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	inc, err := r.incidents.Resolve(req.Context(), incidentID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repository.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, incidentView(*inc))
}

func (r *Router) handleActionCollection(w http.ResponseWriter, req *http.Request, incidentID string) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			ActionType string          `json:"action_type"`
			Params     json.RawMessage `json:"params"`
			Reason     string          `json:"reason"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		action, err := r.actions.Create(req.Context(), incidentID, payload.ActionType, payload.Params, payload.Reason)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, repository.ErrNotFound) {
				status = http.StatusNotFound
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, actionView(*action))
	case http.MethodGet:
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
		actions, err := r.actions.List(req.Context(), incidentID, limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views := make([]map[string]any, 0, len(actions))
		for _, action := range actions {
			views = append(views, actionView(action))
		}
		writeJSON(w, http.StatusOK, views)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleActionItem(w http.ResponseWriter, req *http.Request, actionID string) {
	switch req.Method {
	case http.MethodGet:
		action, err := r.actions.Get(req.Context(), actionID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, repository.ErrNotFound) {
				status = http.StatusNotFound
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, actionView(*action))
	case http.MethodDelete:
		if err := r.actions.Delete(req.Context(), actionID); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, repository.ErrNotFound) {
				status = http.StatusNotFound
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleActionApply(w http.ResponseWriter, req *http.Request, actionID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	action, err := r.actions.Apply(req.Context(), actionID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repository.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, actionView(*action))
}

func (r *Router) handleWebhookSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/webhooks/")
	parts := strings.Split(trimmed, "/")
	if parts[0] == "" {
		r.notFound(w)
		return
	}
	if len(parts) == 1 && parts[0] == "alerts" {
		r.withRateLimit("/webhooks/alerts", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleWebhookAlert)(w, req)
		return
	}
	if len(parts) == 2 && parts[1] == "secret" {
		projectID := parts[0]
		r.handlerAuthRate("/webhooks/{id}/secret", rateLimitOperatorWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleWebhookSecret(w, req, projectID)
		})(w, req)
		return
	}
	r.notFound(w)
}

func (r *Router) handleWebhookAlert(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	signature := req.Header.Get("X-Guardrail-Signature")
	projectID := strings.TrimSpace(req.URL.Query().Get("project_id"))
	opened, err := r.webhooks.HandleAlert(req.Context(), projectID, body, signature)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrBadSignature):
			writeError(w, http.StatusUnauthorized, err.Error())
		case errors.Is(err, webhook.ErrNoSecret):
			r.logger.Error("webhook secret not configured", "path", req.URL.Path)
			writeError(w, http.StatusInternalServerError, "webhook authentication misconfigured")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":      "accepted",
		"incident_id": opened.ID,
	})
}

func (r *Router) handleWebhookSecret(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for webhook secret", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	var payload struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	payload.Secret = strings.TrimSpace(payload.Secret)
	if payload.Secret == "" {
		writeError(w, http.StatusBadRequest, "secret is required")
		return
	}
	if err := r.webhooks.UpsertSecret(req.Context(), projectID, payload.Secret); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for event websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	projectID := strings.TrimSpace(req.URL.Query().Get("project_id"))
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(projectID, client)
	go func() {
		defer func() {
			r.hub.Unregister(projectID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for event stream", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	projectID := strings.TrimSpace(req.URL.Query().Get("project_id"))
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(projectID, client)
	defer func() {
		r.hub.Unregister(projectID, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
			if info.ProjectID != "" {
				fields = append(fields, "project_id", info.ProjectID)
			}
		} else if strings.HasPrefix(req.URL.Path, "/webhooks/alerts") {
			actor = "alert-source"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

// routeLabel collapses path parameters so metric cardinality stays bounded.
func routeLabel(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "projects":
		label := "/projects/{id}"
		if len(parts) > 2 {
			label += "/" + strings.Join(parts[2:], "/")
		}
		return label
	case "incidents":
		label := "/incidents/{id}"
		if len(parts) > 2 {
			label += "/" + parts[2]
		}
		if len(parts) > 3 {
			label += "/{action_id}"
		}
		if len(parts) > 4 {
			label += "/" + parts[4]
		}
		return label
	case "webhooks":
		if len(parts) == 2 && parts[1] == "alerts" {
			return "/webhooks/alerts"
		}
		if len(parts) == 3 && parts[2] == "secret" {
			return "/webhooks/{id}/secret"
		}
		return "/webhooks"
	}
	return "/" + trimmed
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision admission.Decision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.Count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.Allowed && decision.RetryAfter > 0 {
		headers.Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
	}
}

// retryAfterSeconds rounds up so clients never retry inside the window.
func retryAfterSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

func telemetryView(record domain.TelemetryRecord) map[string]any {
	view := map[string]any{
		"id":               record.ID,
		"project_id":       record.ProjectID,
		"model":            record.Model,
		"prompt":           record.Prompt,
		"response":         record.Response,
		"tokens_used":      record.TokensUsed,
		"tokens_estimated": record.TokensEstimated,
		"latency_ms":       record.LatencyMS,
		"risk_score":       record.RiskScore,
		"created_at":       record.CreatedAt.Format(time.RFC3339Nano),
	}
	if record.Error != "" {
		view["error"] = record.Error
	}
	if record.Endpoint != "" {
		view["endpoint"] = record.Endpoint
	}
	if record.UserID != "" {
		view["user_id"] = record.UserID
	}
	return view
}

func incidentView(inc domain.Incident) map[string]any {
	var metadata any
	if len(inc.Metadata) > 0 {
		metadata = json.RawMessage(inc.Metadata)
	}
	view := map[string]any{
		"id":           inc.ID,
		"project_id":   inc.ProjectID,
		"trigger_type": inc.TriggerType,
		"severity":     inc.Severity,
		"status":       inc.Status,
		"message":      inc.Message,
		"metadata":     metadata,
		"created_at":   inc.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":   inc.UpdatedAt.Format(time.RFC3339Nano),
	}
	if inc.RootCause != "" {
		view["root_cause"] = inc.RootCause
		view["recommended_fix"] = inc.RecommendedFix
		view["analysis_source"] = inc.AnalysisSource
	}
	if inc.AffectedRequests != nil {
		view["affected_requests"] = *inc.AffectedRequests
	}
	if inc.ResolvedAt != nil {
		view["resolved_at"] = inc.ResolvedAt.Format(time.RFC3339Nano)
	}
	return view
}

func actionView(action domain.RemediationAction) map[string]any {
	wire, err := domain.EncodeActionParams(action.ActionType, action.Params)
	if err != nil {
		wire = json.RawMessage(`{}`)
	}
	var metadata any
	if len(action.Metadata) > 0 {
		metadata = json.RawMessage(action.Metadata)
	}
	view := map[string]any{
		"id":          action.ID,
		"incident_id": action.IncidentID,
		"project_id":  action.ProjectID,
		"action_type": action.ActionType,
		"params":      wire,
		"executed":    action.Executed,
		"metadata":    metadata,
		"created_at":  action.CreatedAt.Format(time.RFC3339Nano),
	}
	if action.ExecutedAt != nil {
		view["executed_at"] = action.ExecutedAt.Format(time.RFC3339Nano)
	}
	return view
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
