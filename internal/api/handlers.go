package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"playground-sandbox/internal/engine"
	"playground-sandbox/internal/metrics"
	"playground-sandbox/internal/monitor"
	"playground-sandbox/internal/sandbox"
	"playground-sandbox/internal/security"
	"playground-sandbox/internal/storage"
)

// Handlers holds the API handler dependencies.
type Handlers struct {
	executor   *sandbox.Executor
	resMonitor *sandbox.ResourceMonitor
	controller *sandbox.ExecutionController
	collector  *metrics.Collector
	prod       *monitor.ProductionMonitor
	engines    *engine.Registry
	db         *storage.DB
	audit      *storage.AuditWriter
	tracer     *monitor.Tracer
}

// NewHandlers wires the handler set. db and audit may be nil when
// persistence is disabled.
func NewHandlers(
	executor *sandbox.Executor,
	resMonitor *sandbox.ResourceMonitor,
	controller *sandbox.ExecutionController,
	collector *metrics.Collector,
	prod *monitor.ProductionMonitor,
	engines *engine.Registry,
	db *storage.DB,
	audit *storage.AuditWriter,
) *Handlers {
	return &Handlers{
		executor:   executor,
		resMonitor: resMonitor,
		controller: controller,
		collector:  collector,
		prod:       prod,
		engines:    engines,
		db:         db,
		audit:      audit,
		tracer:     monitor.NewTracer(),
	}
}

// HandleExecute runs submitted code and returns the result. The executor
// never fails the HTTP request for user-code outcomes; only malformed
// requests produce non-200 responses.
func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}
	if req.Code == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "code is required")
		return
	}
	if req.Language == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "language is required")
		return
	}

	execReq := sandbox.ExecutionRequest{
		Code:      req.Code,
		Language:  req.Language,
		SessionID: req.SessionID,
	}
	if req.Options != nil {
		execReq.Options = &sandbox.ExecutionOptions{
			Timeout:          req.Options.Timeout.Duration,
			MemoryLimitBytes: req.Options.MemoryLimitBytes,
			Packages:         req.Options.Packages,
		}
	}

	ctx, span := h.tracer.StartSpan(r.Context(), "api.execute",
		monitor.AttrLanguage.String(req.Language),
		monitor.AttrSessionID.String(req.SessionID),
	)
	res := h.executor.Execute(ctx, execReq)
	span.SetAttributes(
		monitor.AttrSuccess.Bool(res.Success),
		monitor.AttrDurationMS.Int64(res.ExecutionTime.Milliseconds()),
	)
	if id, ok := res.Metadata["executionId"].(string); ok {
		span.SetAttributes(monitor.AttrExecID.String(id))
	}
	span.End()

	h.auditExecution(r, &req, res)

	writeJSON(w, http.StatusOK, toResponse(res))
}

// HandleListExecutions returns stored execution records from the database.
func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, r, http.StatusServiceUnavailable, "storage_disabled", "execution storage is not configured")
		return
	}
	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		Language: q.Get("language"),
		Status:   q.Get("status"),
		Session:  q.Get("session_id"),
		Limit:    50,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}
	execs, err := h.db.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "storage_error", "failed to list executions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs, "count": len(execs)})
}

// HandleGetExecution returns one stored execution by id.
func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, r, http.StatusServiceUnavailable, "storage_disabled", "execution storage is not configured")
		return
	}
	id := r.PathValue("id")
	exec, err := h.db.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "not_found", "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// HandleCancelExecution terminates a running execution by id.
func (h *Handlers) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.executor.Cancel(id) {
		writeError(w, r, http.StatusNotFound, "not_found", "no running execution with that id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "id": id})
}

// HandleHistory returns the in-memory bounded execution history.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	hist := h.resMonitor.History()
	writeJSON(w, http.StatusOK, map[string]any{"history": hist, "count": len(hist)})
}

// HandleStats returns aggregated and real-time execution statistics.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Resource:    h.resMonitor.PerformanceStats(),
		Performance: h.collector.Stats(),
		RealTime:    h.collector.RealTimeSnapshot(),
		Queue:       h.controller.Queue(),
	})
}

// HandleAlerts lists operational alerts. Pass ?resolved=true to include
// resolved alerts.
func (h *Handlers) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	includeResolved := r.URL.Query().Get("resolved") == "true"
	alerts := h.prod.Alerts(includeResolved)
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

// HandleResolveAlert marks an alert as resolved.
func (h *Handlers) HandleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.prod.ResolveAlert(id) {
		writeError(w, r, http.StatusNotFound, "not_found", "no open alert with that id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": true, "id": id})
}

// HandleLanguages lists the languages the registry can execute.
func (h *Handlers) HandleLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"languages": h.engines.Languages()})
}

func (h *Handlers) auditExecution(r *http.Request, req *ExecuteRequest, res *sandbox.ExecutionResult) {
	if h.audit == nil {
		return
	}
	id, _ := res.Metadata["executionId"].(string)
	status := "completed"
	if !res.Success {
		status = "failed"
	}
	var records []storage.ViolationRecord
	if vs, ok := res.Metadata["securityViolations"].([]security.Violation); ok {
		for _, v := range vs {
			records = append(records, storage.ViolationRecord{
				RuleID:   v.RuleID,
				Severity: v.Severity.String(),
				Message:  v.Message,
			})
		}
	}
	sum := sha256.Sum256([]byte(req.Code))
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	now := time.Now().UTC()
	h.audit.Log(storage.AuditEntry{
		Execution: &storage.Execution{
			ID:          id,
			SessionID:   req.SessionID,
			Language:    req.Language,
			CodeHash:    hex.EncodeToString(sum[:]),
			Success:     res.Success,
			Output:      res.Output,
			Error:       res.Error,
			DurationMS:  res.ExecutionTime.Milliseconds(),
			MemoryBytes: res.MemoryUsage,
			Violations:  len(records),
			Status:      status,
			RequestIP:   host,
			CreatedAt:   now.Add(-res.ExecutionTime),
			CompletedAt: &now,
		},
		Violations: records,
	})
}

func toResponse(res *sandbox.ExecutionResult) ExecuteResponse {
	return ExecuteResponse{
		Success:       res.Success,
		Output:        res.Output,
		Error:         res.Error,
		VisualOutput:  res.VisualOutput,
		ExecutionTime: res.ExecutionTime.String(),
		MemoryUsage:   res.MemoryUsage,
		SessionID:     res.SessionID,
		Metadata:      res.Metadata,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	})
}
