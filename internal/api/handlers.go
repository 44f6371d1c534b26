package api

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"polyglot-sandbox/internal/backend"
	"polyglot-sandbox/internal/event"
	"polyglot-sandbox/internal/monitor"
	"polyglot-sandbox/internal/sandbox"
	"polyglot-sandbox/internal/security"
	"polyglot-sandbox/internal/storage"
)

type Handlers struct {
	dispatcher     *sandbox.Dispatcher
	sink           *SwitchSink
	registry       *backend.Registry
	coordinator    *security.Coordinator
	db             *storage.DB
	auditWriter    *storage.AuditWriter
	metrics        *monitor.Metrics
	defaultTimeout time.Duration
	maxTimeout     time.Duration

	// execMu mirrors the dispatcher's single execution slot so the
	// sink swap and the dispatch happen atomically per request.
	execMu sync.Mutex
}

func NewHandlers(dispatcher *sandbox.Dispatcher, sink *SwitchSink, registry *backend.Registry, coordinator *security.Coordinator, db *storage.DB, auditWriter *storage.AuditWriter, metrics *monitor.Metrics, defaultTimeout, maxTimeout time.Duration) *Handlers {
	return &Handlers{
		dispatcher:     dispatcher,
		sink:           sink,
		registry:       registry,
		coordinator:    coordinator,
		db:             db,
		auditWriter:    auditWriter,
		metrics:        metrics,
		defaultTimeout: defaultTimeout,
		maxTimeout:     maxTimeout,
	}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeExecutionRequest(w, r)
	if !ok {
		return
	}

	if !h.execMu.TryLock() {
		writeError(w, "an execution is already running", "ALREADY_RUNNING", http.StatusConflict, r)
		return
	}
	defer h.execMu.Unlock()

	collector := event.NewCollector()
	h.sink.swap(collector)
	defer h.sink.swap(nil)

	violationsBefore := len(h.coordinator.Violations())
	start := time.Now()
	err := h.dispatcher.ExecuteCode(r.Context(), req.Code, sandbox.Config{Timeout: req.Timeout.Duration}, req.Language)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, sandbox.ErrAlreadyRunning) {
			writeError(w, "an execution is already running", "ALREADY_RUNNING", http.StatusConflict, r)
			return
		}
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed")
		writeError(w, "execution failed", "EXECUTION_FAILED", http.StatusInternalServerError, r)
		return
	}

	state := collector.ExecutionState()
	compile := collector.CompileState()
	resp := ExecutionResponse{
		ID:       state.ExecutionID,
		Events:   collector.Events(),
		State:    state,
		Duration: duration.Round(time.Millisecond).String(),
	}
	if req.Language == "typescript" {
		resp.Compile = &compile
	}

	h.logAudit(req, collector, duration, violationsBefore, r)

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleExecuteStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeExecutionRequest(w, r)
	if !ok {
		return
	}

	sse := NewSSEWriter(w)
	if sse == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	if !h.execMu.TryLock() {
		writeError(w, "an execution is already running", "ALREADY_RUNNING", http.StatusConflict, r)
		return
	}
	defer h.execMu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	stream := newStreamSink(sse)
	h.sink.swap(stream)
	defer h.sink.swap(nil)

	violationsBefore := len(h.coordinator.Violations())
	start := time.Now()
	err := h.dispatcher.ExecuteCode(r.Context(), req.Code, sandbox.Config{Timeout: req.Timeout.Duration}, req.Language)
	duration := time.Since(start)

	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("streaming execution failed")
		sendSSEError(sse, "execution failed")
		return
	}

	state := stream.collector.ExecutionState()
	doneData, _ := json.Marshal(map[string]any{
		"id":       state.ExecutionID,
		"events":   len(stream.collector.Events()),
		"duration": duration.Round(time.Millisecond).String(),
	})
	sendSSEDone(sse, string(doneData))

	h.logAudit(req, stream.collector, duration, violationsBefore, r)
}

func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	result := h.coordinator.AnalyzeCode(req.Code)

	if h.metrics != nil {
		h.metrics.AnalysisDuration.Observe(result.Duration.Seconds())
		if !result.Safe {
			h.metrics.RecordSecurityEvent("analysis_unsafe")
		}
	}

	writeJSON(w, http.StatusOK, AnalyzeResponse{
		Safe:       result.Safe,
		RiskLevel:  result.RiskLevel.String(),
		Confidence: result.Confidence,
		Issues:     result.Issues,
		Duration:   result.Duration.String(),
	})
}

func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.dispatcher.StopExecution()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stop_requested"})
}

func (h *Handlers) HandleLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"languages": h.registry.Languages()})
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st := h.dispatcher.Status()
	writeJSON(w, http.StatusOK, StatusResponse{
		Running:     st.Running,
		Ready:       st.Ready,
		ExecutionID: st.ExecutionID,
		Languages:   h.registry.Languages(),
	})
}

func (h *Handlers) HandleSecurityReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.coordinator.ExportSecurityReport()
	if err != nil {
		writeError(w, "report generation failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(report)
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exec, err := h.db.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	filter := storage.ExecutionFilter{
		Language: r.URL.Query().Get("language"),
		Status:   r.URL.Query().Get("status"),
		Limit:    100,
	}

	execs, err := h.db.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, execs)
}

func (h *Handlers) decodeExecutionRequest(w http.ResponseWriter, r *http.Request) (ExecutionRequest, bool) {
	var req ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}
	if req.Language == "" {
		writeError(w, "language is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}
	if _, err := h.registry.Get(req.Language); err != nil {
		writeError(w, err.Error(), "UNSUPPORTED_LANGUAGE", http.StatusBadRequest, r)
		return req, false
	}
	if req.Timeout.Duration <= 0 {
		req.Timeout.Duration = h.defaultTimeout
	}
	if req.Timeout.Duration > h.maxTimeout {
		req.Timeout.Duration = h.maxTimeout
	}
	return req, true
}

// logAudit queues one execution record plus its security events for
// asynchronous persistence. violationsBefore is the monitor ledger
// size when the request began.
func (h *Handlers) logAudit(req ExecutionRequest, collector *event.Collector, duration time.Duration, violationsBefore int, r *http.Request) {
	if h.auditWriter == nil {
		return
	}
	h.auditWriter.Log(buildAuditRecord(req, collector, duration, h.coordinator.SecuritySummary(), violationsBefore, r.RemoteAddr))
}

// buildAuditRecord derives the audit row for one finished execution.
// The monitor's violation ledger is cumulative across executions, so
// only the growth since violationsBefore is attributed to this row.
func buildAuditRecord(req ExecutionRequest, collector *event.Collector, duration time.Duration, summary security.Summary, violationsBefore int, remoteAddr string) *storage.Execution {
	state := collector.ExecutionState()
	events := collector.Events()

	status := "success"
	var lastOutput string
	violations := 0
	for _, ev := range events {
		lastOutput = ev.Message
		switch ev.Origin {
		case event.OriginTimeout:
			status = "timeout"
		case event.OriginSecurity:
			if ev.Kind == event.KindError {
				status = "blocked"
				violations++
			}
		case event.OriginError:
			status = "error"
		}
	}

	runtimeViolations := summary.TotalViolations - violationsBefore
	if runtimeViolations < 0 {
		// The capped ledger can shrink between snapshots.
		runtimeViolations = 0
	}

	completedAt := time.Now()
	return &storage.Execution{
		ID:          state.ExecutionID,
		Language:    req.Language,
		CodeHash:    fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code))),
		Status:      status,
		RiskLevel:   summary.OverallRisk.String(),
		EventCount:  len(events),
		Violations:  violations + runtimeViolations,
		DurationMS:  duration.Milliseconds(),
		LastOutput:  lastOutput,
		RequestIP:   remoteAddr,
		CreatedAt:   completedAt.Add(-duration),
		CompletedAt: &completedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
