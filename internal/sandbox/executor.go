package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"playground-sandbox/internal/engine"
	"playground-sandbox/internal/metrics"
	"playground-sandbox/internal/security"
)

// Recorder receives completed execution metrics. The production monitor
// implements it; failures there are logged and swallowed, never surfaced
// to the user's execution.
type Recorder interface {
	RecordExecution(m *ExecutionMetrics)
}

// ExecutorConfig is the orchestrator's own tunables.
type ExecutorConfig struct {
	MaxCodeSize     int
	MaxOutputSize   int
	MaxPerSession   int
	DefaultPackages map[string][]string
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxCodeSize:   1 << 20,  // 1MB
		MaxOutputSize: 256 << 10, // 256KB
		MaxPerSession: 3,
	}
}

// Executor validates a request and runs it through the full pipeline:
// detector, policy, admission, engine, bookkeeping. It is an explicitly
// constructed, dependency-injected instance; "one per process" is the
// composition root's call.
type Executor struct {
	cfg        ExecutorConfig
	limits     *LimitsTable
	detector   *security.Detector
	policy     *security.PolicyManager
	monitor    *ResourceMonitor
	controller *ExecutionController
	engines    *engine.Registry
	collector  *metrics.Collector
	recorder   Recorder

	sessionMu sync.Mutex
	sessions  map[string]int

	reasonMu sync.Mutex
	reasons  map[string]error
}

// NewExecutor wires the pipeline. The recorder may be nil.
func NewExecutor(
	cfg ExecutorConfig,
	limits *LimitsTable,
	detector *security.Detector,
	policy *security.PolicyManager,
	monitor *ResourceMonitor,
	controller *ExecutionController,
	engines *engine.Registry,
	collector *metrics.Collector,
	recorder Recorder,
) *Executor {
	if cfg.MaxCodeSize <= 0 {
		cfg.MaxCodeSize = 1 << 20
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = 256 << 10
	}
	if cfg.MaxPerSession <= 0 {
		cfg.MaxPerSession = 3
	}

	e := &Executor{
		cfg:        cfg,
		limits:     limits,
		detector:   detector,
		policy:     policy,
		monitor:    monitor,
		controller: controller,
		engines:    engines,
		collector:  collector,
		recorder:   recorder,
		sessions:   make(map[string]int),
		reasons:    make(map[string]error),
	}

	// Forced terminations (timeout, memory ceiling) flow from the monitor
	// into the controller's cancellation path, with the reason retained so
	// the settlement can report it distinctly.
	monitor.SetTerminateHook(func(id string, reason error) {
		e.noteReason(id, reason)
		e.controller.Cancel(id)
	})

	return e
}

// Execute runs one request through the pipeline. It always returns a
// result; internal panics and errors never cross this boundary.
func (e *Executor) Execute(ctx context.Context, req ExecutionRequest) (res *ExecutionResult) {
	res = &ExecutionResult{
		SessionID: req.SessionID,
		Metadata:  make(map[string]any),
	}
	started := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("language", req.Language).Msg("executor panic recovered")
			res.Success = false
			res.Error = "internal execution error"
			res.ExecutionTime = time.Since(started)
		}
	}()

	// Stage 1: request shape.
	if strings.TrimSpace(req.Code) == "" {
		return e.fail(res, started, fmt.Sprintf("%s: code is empty", ErrInvalidRequest))
	}
	if req.Language == "" {
		return e.fail(res, started, fmt.Sprintf("%s: language is required", ErrInvalidRequest))
	}
	if len(req.Code) > e.cfg.MaxCodeSize {
		return e.fail(res, started, fmt.Sprintf("%s: code exceeds %d byte limit", ErrInvalidRequest, e.cfg.MaxCodeSize))
	}

	// Stage 2: malicious-code gate, ahead of everything else. No resource
	// admission happens for refused code.
	report := e.detector.Analyze(req.Code, req.Language)
	if report.Malicious {
		mergeMetadata(res.Metadata, map[string]any{
			"maliciousCodeDetection": report.Violations,
		})
		return e.fail(res, started, fmt.Sprintf("%s: %s", ErrMaliciousCode, report.Violations[0].Message))
	}

	// Stage 3: policy gate. Critical blocks; the rest rides along in
	// metadata as advisory findings.
	violations := e.policy.Validate(req.Code, req.Language)
	if len(violations) > 0 {
		mergeMetadata(res.Metadata, map[string]any{
			"securityViolations": violations,
		})
	}
	if crit := security.FirstCritical(violations); crit != nil {
		return e.fail(res, started, fmt.Sprintf("%s: %s", ErrSecurityPolicy, crit.Message))
	}

	// Per-session ceiling, independent of the per-language limit.
	if !e.acquireSession(req.SessionID) {
		return e.fail(res, started, fmt.Sprintf("%s: session %q already has %d executions in flight",
			ErrSessionLimit, req.SessionID, e.cfg.MaxPerSession))
	}
	defer e.releaseSession(req.SessionID)

	// Stage 4: per-language admission. Check and registration are a
	// single critical section inside the monitor.
	id := uuid.New().String()
	if !e.monitor.TryStart(id, req.Language) {
		return e.fail(res, started, fmt.Sprintf("%s: language %q is at its concurrent execution limit",
			ErrConcurrencyLimit, req.Language))
	}
	defer e.clearReason(id)

	// Stage 5: performance bookkeeping. Independent store, same id.
	e.collector.StartExecution(id, req.Language, len(req.Code))

	mergeMetadata(res.Metadata, map[string]any{"executionId": id})
	for _, v := range violations {
		e.monitor.RecordViolation(id, fmt.Sprintf("%s: %s", v.RuleID, v.Message))
	}

	// Stage 6: engine resolution and option merge; admission is already
	// charged, so a dispatch miss must release bookkeeping.
	eng, err := e.engines.Resolve(req.Language)
	if err != nil {
		e.endBookkeeping(res, id, false, "unsupported_language", violations)
		return e.fail(res, started, fmt.Sprintf("%s: %s", ErrUnsupportedLanguage, err))
	}
	mergeMetadata(res.Metadata, map[string]any{"engine": eng.Name()})

	engReq := e.mergeOptions(req)

	logger := log.With().
		Str("exec_id", id).
		Str("language", req.Language).
		Str("session_id", req.SessionID).
		Str("engine", eng.Name()).
		Logger()
	logger.Info().Int("code_size", len(req.Code)).Dur("timeout", engReq.Timeout).Msg("execution admitted")

	// Stage 7: the controlled engine run. This is the pipeline's only
	// suspension point.
	engRes, runErr := e.controller.Run(ctx, id, req.Language,
		func(runCtx context.Context) (*engine.Result, error) {
			return eng.Execute(runCtx, engReq)
		},
		RunOptions{
			Timeout:   engReq.Timeout,
			OnTimeout: func() { e.monitor.Terminate(id, ErrTimeout) },
			OnCancel:  func() { e.monitor.Terminate(id, ErrCancelled) },
		},
	)

	// Stage 8: settlement.
	switch {
	case runErr == nil && engRes != nil && engRes.Error == "":
		res.Success = true
		res.Output = truncateOutput(engRes.Output, e.cfg.MaxOutputSize)
		res.VisualOutput = engRes.VisualOutput
		mergeMetadata(res.Metadata, engRes.Metadata)
		e.endBookkeeping(res, id, true, "", violations)
		logger.Info().Dur("duration", time.Since(started)).Msg("execution completed")

	case runErr == nil && engRes != nil:
		// The user's code failed inside the sandbox: an expected outcome,
		// surfaced with the engine's own error text.
		res.Success = false
		res.Output = truncateOutput(engRes.Output, e.cfg.MaxOutputSize)
		res.VisualOutput = engRes.VisualOutput
		res.Error = engRes.Error
		mergeMetadata(res.Metadata, engRes.Metadata)
		e.endBookkeeping(res, id, false, "engine_error", violations)
		logger.Info().Str("error", engRes.Error).Msg("user code failed")

	case runErr == nil:
		// A misbehaving engine handed back neither a result nor an error.
		res.Success = false
		res.Error = "execution error: engine returned no result"
		e.endBookkeeping(res, id, false, "engine_failure", violations)
		logger.Error().Msg("engine returned no result")

	case IsTimeout(runErr) || IsTimeout(e.reasonFor(id)):
		res.Success = false
		res.Error = fmt.Sprintf("%s after %s", ErrTimeout, engReq.Timeout)
		e.endBookkeeping(res, id, false, "timeout", violations)
		logger.Warn().Msg("execution timed out")

	case IsMemoryLimit(e.reasonFor(id)):
		res.Success = false
		res.Error = fmt.Sprintf("%s: sampled memory exceeded the %d byte ceiling",
			ErrMemoryLimit, e.limits.For(req.Language).MaxMemoryBytes)
		e.endBookkeeping(res, id, false, "memory_limit", violations)
		logger.Warn().Msg("execution exceeded memory ceiling")

	case errors.Is(runErr, ErrCancelled) || errors.Is(runErr, context.Canceled):
		res.Success = false
		res.Error = ErrCancelled.Error()
		e.endBookkeeping(res, id, false, "cancelled", violations)
		logger.Info().Msg("execution cancelled")

	default:
		wrapped := &ExecutionError{ExecID: id, Op: "engine run", Err: runErr}
		res.Success = false
		res.Error = wrapped.Error()
		e.endBookkeeping(res, id, false, "engine_failure", violations)
		logger.Error().Err(wrapped).Msg("engine failure")
	}

	res.ExecutionTime = time.Since(started)
	return res
}

// Cancel requests cancellation of an in-flight execution. The reason is
// noted before the cancel so the settlement path can see it; for ids the
// controller does not track, the note is removed again.
func (e *Executor) Cancel(id string) bool {
	e.noteReason(id, ErrCancelled)
	if !e.controller.Cancel(id) {
		e.clearReason(id)
		return false
	}
	return true
}

// CancelLanguage bulk-cancels every in-flight execution for a language.
func (e *Executor) CancelLanguage(language string) int {
	return e.controller.CancelByLanguage(language)
}

// fail finalizes a pre-admission or post-settlement failure result.
func (e *Executor) fail(res *ExecutionResult, started time.Time, msg string) *ExecutionResult {
	res.Success = false
	res.Error = msg
	res.ExecutionTime = time.Since(started)
	return res
}

// endBookkeeping closes out both stores for the id and folds the final
// resource snapshot into the result. End returning nil (already
// force-terminated) is a normal no-op.
func (e *Executor) endBookkeeping(res *ExecutionResult, id string, success bool, errType string, violations []security.Violation) {
	final := e.monitor.End(id, success)
	if final == nil {
		final = e.monitor.Lookup(id)
	}
	if final != nil {
		res.MemoryUsage = final.ResourceUsage.MemoryUsage
		mergeMetadata(res.Metadata, map[string]any{
			"resourceMetrics": map[string]any{
				"status":        string(final.Status),
				"executionTime": final.ResourceUsage.ExecutionTime.Milliseconds(),
				"memoryUsage":   final.ResourceUsage.MemoryUsage,
				"violations":    final.Violations,
			},
		})
	}

	record := e.collector.EndExecution(id, success, len(res.Output), errType, security.Messages(violations))
	mergeMetadata(res.Metadata, map[string]any{
		"performance": map[string]any{
			"codeSize":   record.CodeSize,
			"outputSize": record.OutputSize,
			"durationMs": record.Duration.Milliseconds(),
		},
	})

	if e.recorder != nil && final != nil {
		// Monitoring must never fail the user's execution.
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error().Interface("panic", rec).Msg("execution recorder panicked")
				}
			}()
			e.recorder.RecordExecution(final)
		}()
	}
}

// mergeOptions applies per-language defaults as the base with
// caller-supplied options winning on conflict, clamped to the language's
// hard ceilings.
func (e *Executor) mergeOptions(req ExecutionRequest) engine.Request {
	limits := e.limits.For(req.Language)

	out := engine.Request{
		Code:             req.Code,
		Language:         req.Language,
		Timeout:          limits.MaxExecutionTime,
		MemoryLimitBytes: limits.MaxMemoryBytes,
		Packages:         append([]string(nil), e.cfg.DefaultPackages[req.Language]...),
	}

	if req.Options == nil {
		return out
	}
	if t := req.Options.Timeout; t > 0 && t < limits.MaxExecutionTime {
		out.Timeout = t
	}
	if m := req.Options.MemoryLimitBytes; m > 0 && m < limits.MaxMemoryBytes {
		out.MemoryLimitBytes = m
	}
	for _, p := range req.Options.Packages {
		found := false
		for _, existing := range out.Packages {
			if existing == p {
				found = true
				break
			}
		}
		if !found {
			out.Packages = append(out.Packages, p)
		}
	}
	return out
}

func (e *Executor) acquireSession(sessionID string) bool {
	if sessionID == "" {
		return true
	}
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()
	if e.sessions[sessionID] >= e.cfg.MaxPerSession {
		return false
	}
	e.sessions[sessionID]++
	return true
}

// releaseSession runs in the terminal path regardless of outcome.
func (e *Executor) releaseSession(sessionID string) {
	if sessionID == "" {
		return
	}
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()
	if e.sessions[sessionID] <= 1 {
		delete(e.sessions, sessionID)
	} else {
		e.sessions[sessionID]--
	}
}

func (e *Executor) noteReason(id string, reason error) {
	e.reasonMu.Lock()
	if _, exists := e.reasons[id]; !exists {
		e.reasons[id] = reason
	}
	e.reasonMu.Unlock()
}

func (e *Executor) reasonFor(id string) error {
	e.reasonMu.Lock()
	defer e.reasonMu.Unlock()
	return e.reasons[id]
}

func (e *Executor) clearReason(id string) {
	e.reasonMu.Lock()
	delete(e.reasons, id)
	e.reasonMu.Unlock()
}
