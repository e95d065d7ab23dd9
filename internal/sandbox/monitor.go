package sandbox

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ResourceMonitor is the admission and tracking authority for in-flight
// executions. It owns the active-execution table and the bounded history;
// all mutation goes through its methods. One monitor per process is a
// composition-root decision, not enforced here, so tests can build
// isolated instances.
type ResourceMonitor struct {
	limits      *LimitsTable
	sampler     MemorySampler
	sampleEvery time.Duration
	historyCap  int

	mu           sync.Mutex
	active       map[string]*ExecutionMetrics
	timers       map[string]*time.Timer
	history      []*ExecutionMetrics
	stopSampling chan struct{}
	onTerminate  func(id string, reason error)
	closed       bool
}

// MonitorOption configures a ResourceMonitor.
type MonitorOption func(*ResourceMonitor)

// WithSampler overrides the memory sampler (tests use a deterministic fake).
func WithSampler(s MemorySampler) MonitorOption {
	return func(m *ResourceMonitor) { m.sampler = s }
}

// WithSampleInterval overrides the memory polling interval.
func WithSampleInterval(d time.Duration) MonitorOption {
	return func(m *ResourceMonitor) {
		if d > 0 {
			m.sampleEvery = d
		}
	}
}

// WithHistorySize overrides how many finished executions are retained.
func WithHistorySize(n int) MonitorOption {
	return func(m *ResourceMonitor) {
		if n > 0 {
			m.historyCap = n
		}
	}
}

// NewResourceMonitor creates a monitor over the given limits table.
func NewResourceMonitor(limits *LimitsTable, opts ...MonitorOption) *ResourceMonitor {
	m := &ResourceMonitor{
		limits:      limits,
		sampler:     RuntimeSampler{},
		sampleEvery: time.Second,
		historyCap:  1000,
		active:      make(map[string]*ExecutionMetrics),
		timers:      make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetTerminateHook registers the callback invoked after the monitor
// force-terminates an execution (timeout or memory ceiling). The executor
// wires this to the controller's cancellation path.
func (m *ResourceMonitor) SetTerminateHook(fn func(id string, reason error)) {
	m.mu.Lock()
	m.onTerminate = fn
	m.mu.Unlock()
}

// CanStart reports whether a new execution for the language would be
// admitted right now. Introspection only; admission itself must go
// through TryStart so the check and the registration are one step.
func (m *ResourceMonitor) CanStart(language string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.runningLocked(language) < m.limits.For(language).MaxConcurrent
}

// TryStart performs the admission check and, if it passes, registers the
// execution under a single critical section. There is no suspension point
// between the two, so concurrent callers can never over-admit.
func (m *ResourceMonitor) TryStart(id, language string) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	limits := m.limits.For(language)
	if m.runningLocked(language) >= limits.MaxConcurrent {
		m.mu.Unlock()
		return false
	}
	if _, exists := m.active[id]; exists {
		m.mu.Unlock()
		return false
	}

	m.active[id] = &ExecutionMetrics{
		ID:        id,
		Language:  language,
		StartTime: time.Now(),
		Status:    StatusRunning,
	}
	// Wall-clock safety net independent of controller cooperation.
	m.timers[id] = time.AfterFunc(limits.MaxExecutionTime, func() {
		m.terminate(id, ErrTimeout)
	})

	if len(m.active) == 1 {
		m.startSamplingLocked()
	}
	m.mu.Unlock()
	return true
}

// End transitions the execution to completed or failed, moves it to
// history, and returns the final snapshot. Unknown ids (already ended or
// force-terminated) return nil; callers treat that as a no-op.
func (m *ResourceMonitor) End(id string, success bool) *ExecutionMetrics {
	m.mu.Lock()
	entry, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}

	if success {
		entry.Status = StatusCompleted
	} else {
		entry.Status = StatusFailed
	}
	m.finishLocked(id, entry)
	snapshot := entry.Clone()
	m.mu.Unlock()
	return snapshot
}

// RecordViolation appends an advisory violation to an active execution.
func (m *ResourceMonitor) RecordViolation(id, violation string) {
	m.mu.Lock()
	if entry, ok := m.active[id]; ok {
		entry.Violations = append(entry.Violations, violation)
	}
	m.mu.Unlock()
}

// Get returns a snapshot of an active execution, or nil.
func (m *ResourceMonitor) Get(id string) *ExecutionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.active[id]; ok {
		return entry.Clone()
	}
	return nil
}

// Lookup searches active executions and history for an id.
func (m *ResourceMonitor) Lookup(id string) *ExecutionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.active[id]; ok {
		return entry.Clone()
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == id {
			return m.history[i].Clone()
		}
	}
	return nil
}

// ActiveCount returns the number of running executions for a language,
// or across all languages when language is empty.
func (m *ResourceMonitor) ActiveCount(language string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if language == "" {
		return len(m.active)
	}
	return m.runningLocked(language)
}

// History returns snapshots of retained finished executions, most recent last.
func (m *ResourceMonitor) History() []*ExecutionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ExecutionMetrics, len(m.history))
	for i, e := range m.history {
		out[i] = e.Clone()
	}
	return out
}

// PerformanceStats aggregates over the retained history.
type PerformanceStats struct {
	TotalExecutions      int           `json:"total_executions"`
	SuccessRate          float64       `json:"success_rate"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	ViolationRate        float64       `json:"violation_rate"`
	AverageMemoryUsage   int64         `json:"average_memory_usage"`
	PeakMemoryUsage      int64         `json:"peak_memory_usage"`
}

// PerformanceStats computes aggregate statistics over the history.
// An empty history yields all zeros, never NaN.
func (m *ResourceMonitor) PerformanceStats() PerformanceStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := len(m.history)
	if total == 0 {
		return PerformanceStats{}
	}

	var succeeded, violated int
	var totalTime time.Duration
	var totalMem, peakMem int64
	for _, e := range m.history {
		if e.Status == StatusCompleted {
			succeeded++
		}
		if len(e.Violations) > 0 {
			violated++
		}
		totalTime += e.ResourceUsage.ExecutionTime
		totalMem += e.ResourceUsage.MemoryUsage
		if e.ResourceUsage.MemoryUsage > peakMem {
			peakMem = e.ResourceUsage.MemoryUsage
		}
	}

	return PerformanceStats{
		TotalExecutions:      total,
		SuccessRate:          float64(succeeded) / float64(total),
		AverageExecutionTime: totalTime / time.Duration(total),
		ViolationRate:        float64(violated) / float64(total),
		AverageMemoryUsage:   totalMem / int64(total),
		PeakMemoryUsage:      peakMem,
	}
}

// Close terminates all active executions and stops the sampling loop.
func (m *ResourceMonitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.terminate(id, ErrCancelled)
	}
}

// Terminate force-ends a running execution with the given reason.
// Unknown ids are a no-op.
func (m *ResourceMonitor) Terminate(id string, reason error) {
	m.terminate(id, reason)
}

// terminate force-ends a running execution: status terminated, violation
// recorded, then the controller hook fires outside the lock. Terminations
// target one execution only; others keep running.
func (m *ResourceMonitor) terminate(id string, reason error) {
	m.mu.Lock()
	entry, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	entry.Status = StatusTerminated
	entry.Violations = append(entry.Violations, reason.Error())
	m.finishLocked(id, entry)
	hook := m.onTerminate
	m.mu.Unlock()

	log.Warn().
		Str("exec_id", id).
		Str("language", entry.Language).
		Str("reason", reason.Error()).
		Msg("execution force-terminated")

	if hook != nil {
		hook(id, reason)
	}
}

// finishLocked stamps end fields and atomically moves the entry from the
// active table to the history ring. Callers hold m.mu.
func (m *ResourceMonitor) finishLocked(id string, entry *ExecutionMetrics) {
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
	entry.EndTime = time.Now()
	entry.ResourceUsage.ExecutionTime = entry.EndTime.Sub(entry.StartTime)
	delete(m.active, id)

	m.history = append(m.history, entry)
	if len(m.history) > m.historyCap {
		m.history = m.history[len(m.history)-m.historyCap:]
	}

	if len(m.active) == 0 {
		m.stopSamplingLocked()
	}
}

func (m *ResourceMonitor) runningLocked(language string) int {
	n := 0
	for _, e := range m.active {
		if e.Language == language && e.Status == StatusRunning {
			n++
		}
	}
	return n
}

// startSamplingLocked launches the memory polling loop. The loop is owned
// by the monitor's lifecycle: started when the active set becomes
// non-empty, stopped when it empties, so no timer leaks across tests.
func (m *ResourceMonitor) startSamplingLocked() {
	if m.stopSampling != nil {
		return
	}
	stop := make(chan struct{})
	m.stopSampling = stop

	go func() {
		ticker := time.NewTicker(m.sampleEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.sampleOnce()
			}
		}
	}()
}

func (m *ResourceMonitor) stopSamplingLocked() {
	if m.stopSampling != nil {
		close(m.stopSampling)
		m.stopSampling = nil
	}
}

// sampleOnce polls memory and terminates any execution over its
// language's ceiling. The sample is process-wide; it is charged to each
// active execution as an upper bound.
func (m *ResourceMonitor) sampleOnce() {
	sample := m.sampler.Sample()

	m.mu.Lock()
	var over []string
	for id, entry := range m.active {
		if sample > entry.ResourceUsage.MemoryUsage {
			entry.ResourceUsage.MemoryUsage = sample
		}
		if sample > m.limits.For(entry.Language).MaxMemoryBytes {
			over = append(over, id)
		}
	}
	m.mu.Unlock()

	for _, id := range over {
		m.terminate(id, ErrMemoryLimit)
	}
}
