// Package monitor is the ops-facing collaborator: it consumes recorded
// execution metrics, takes periodic system snapshots, and raises alerts
// when configured thresholds are crossed. It sits alongside the request
// path and must never fail it.
package monitor

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"playground-sandbox/internal/sandbox"
)

// AlertType classifies what tripped.
type AlertType string

const (
	AlertErrorRate   AlertType = "error_rate"
	AlertPerformance AlertType = "performance"
	AlertResource    AlertType = "resource"
	AlertSecurity    AlertType = "security"
)

// Alert is one threshold crossing. Lifecycle is open → resolved; only an
// operator action resolves it, retention cleanup aside.
type Alert struct {
	ID        string         `json:"id"`
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Resolved  bool           `json:"resolved"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SystemMetrics is a periodic point-in-time snapshot.
type SystemMetrics struct {
	Timestamp           time.Time     `json:"timestamp"`
	ActiveExecutions    int           `json:"active_executions"`
	TotalMemoryUsage    int64         `json:"total_memory_usage"`
	CPUUsage            float64       `json:"cpu_usage"`
	ErrorRate           float64       `json:"error_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	Throughput          float64       `json:"throughput_per_min"`
}

// Thresholds configures when alerts fire.
type Thresholds struct {
	MaxErrorRate    float64       `yaml:"max_error_rate"`
	MaxResponseTime time.Duration `yaml:"max_response_time"`
	MaxMemoryBytes  int64         `yaml:"max_memory_bytes"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxErrorRate:    0.5,
		MaxResponseTime: 5 * time.Second,
		MaxMemoryBytes:  1 << 30,
		MaxConcurrent:   50,
	}
}

type executionSample struct {
	at         time.Time
	duration   time.Duration
	success    bool
	terminated bool
	violations int
}

// ProductionMonitor implements the sandbox's Recorder boundary.
type ProductionMonitor struct {
	thresholds    Thresholds
	window        time.Duration
	snapshotEvery time.Duration
	retention     time.Duration
	activeFn      func() int
	sampler       sandbox.MemorySampler

	mu        sync.Mutex
	samples   []executionSample
	snapshots []SystemMetrics
	alerts    []*Alert

	done chan struct{}
	wg   sync.WaitGroup
}

// ProductionOption configures the monitor.
type ProductionOption func(*ProductionMonitor)

func WithSnapshotInterval(d time.Duration) ProductionOption {
	return func(m *ProductionMonitor) {
		if d > 0 {
			m.snapshotEvery = d
		}
	}
}

func WithRetention(d time.Duration) ProductionOption {
	return func(m *ProductionMonitor) {
		if d > 0 {
			m.retention = d
		}
	}
}

func WithMemorySampler(s sandbox.MemorySampler) ProductionOption {
	return func(m *ProductionMonitor) { m.sampler = s }
}

// NewProductionMonitor creates the collaborator. activeFn reports the
// current number of in-flight executions (wired to the controller).
func NewProductionMonitor(thresholds Thresholds, activeFn func() int, opts ...ProductionOption) *ProductionMonitor {
	m := &ProductionMonitor{
		thresholds:    thresholds,
		window:        5 * time.Minute,
		snapshotEvery: 30 * time.Second,
		retention:     24 * time.Hour,
		activeFn:      activeFn,
		sampler:       sandbox.RuntimeSampler{},
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the snapshot loop.
func (m *ProductionMonitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.snapshotEvery)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.takeSnapshot()
			}
		}
	}()
	log.Info().Dur("interval", m.snapshotEvery).Msg("production monitor started")
}

// Stop terminates the snapshot loop.
func (m *ProductionMonitor) Stop() {
	close(m.done)
	m.wg.Wait()
}

// RecordExecution ingests one completed execution.
func (m *ProductionMonitor) RecordExecution(em *sandbox.ExecutionMetrics) {
	if em == nil {
		return
	}
	sample := executionSample{
		at:         time.Now(),
		duration:   em.ResourceUsage.ExecutionTime,
		success:    em.Status == sandbox.StatusCompleted,
		terminated: em.Status == sandbox.StatusTerminated,
		violations: len(em.Violations),
	}

	m.mu.Lock()
	m.samples = append(m.samples, sample)
	m.pruneLocked(time.Now())
	m.mu.Unlock()

	if sample.terminated && sample.violations > 0 {
		m.raiseAlert(AlertSecurity, "warning",
			"execution force-terminated with violations",
			map[string]any{"execution_id": em.ID, "language": em.Language, "violations": em.Violations})
	}
}

// takeSnapshot computes a SystemMetrics point and checks thresholds.
func (m *ProductionMonitor) takeSnapshot() {
	now := time.Now()
	active := 0
	if m.activeFn != nil {
		active = m.activeFn()
	}
	memory := m.sampler.Sample()

	m.mu.Lock()
	m.pruneLocked(now)

	var failures int
	var totalDur time.Duration
	for _, s := range m.samples {
		if !s.success {
			failures++
		}
		totalDur += s.duration
	}
	total := len(m.samples)

	snap := SystemMetrics{
		Timestamp:        now,
		ActiveExecutions: active,
		TotalMemoryUsage: memory,
	}
	if total > 0 {
		snap.ErrorRate = float64(failures) / float64(total)
		snap.AverageResponseTime = totalDur / time.Duration(total)
		snap.Throughput = float64(total) / m.window.Minutes()
	}
	m.snapshots = append(m.snapshots, snap)
	if cutoff := now.Add(-m.retention); len(m.snapshots) > 0 && m.snapshots[0].Timestamp.Before(cutoff) {
		kept := m.snapshots[:0]
		for _, s := range m.snapshots {
			if !s.Timestamp.Before(cutoff) {
				kept = append(kept, s)
			}
		}
		m.snapshots = kept
	}
	m.mu.Unlock()

	m.checkThresholds(snap, total)
}

func (m *ProductionMonitor) checkThresholds(snap SystemMetrics, sampleCount int) {
	if sampleCount >= 5 && snap.ErrorRate > m.thresholds.MaxErrorRate {
		m.raiseAlert(AlertErrorRate, "critical",
			"error rate over threshold",
			map[string]any{"error_rate": snap.ErrorRate, "threshold": m.thresholds.MaxErrorRate})
	}
	if sampleCount > 0 && snap.AverageResponseTime > m.thresholds.MaxResponseTime {
		m.raiseAlert(AlertPerformance, "warning",
			"average response time over threshold",
			map[string]any{"average": snap.AverageResponseTime.String(), "threshold": m.thresholds.MaxResponseTime.String()})
	}
	if snap.TotalMemoryUsage > m.thresholds.MaxMemoryBytes {
		m.raiseAlert(AlertResource, "critical",
			"process memory over threshold",
			map[string]any{"memory": snap.TotalMemoryUsage, "threshold": m.thresholds.MaxMemoryBytes})
	}
	if snap.ActiveExecutions > m.thresholds.MaxConcurrent {
		m.raiseAlert(AlertResource, "warning",
			"concurrent executions over threshold",
			map[string]any{"active": snap.ActiveExecutions, "threshold": m.thresholds.MaxConcurrent})
	}
}

// raiseAlert opens a new alert unless the same type is already open.
func (m *ProductionMonitor) raiseAlert(t AlertType, severity, message string, metadata map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.alerts {
		if a.Type == t && !a.Resolved {
			return
		}
	}

	alert := &Alert{
		ID:        uuid.New().String(),
		Type:      t,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
	m.alerts = append(m.alerts, alert)

	log.Warn().
		Str("alert_id", alert.ID).
		Str("type", string(t)).
		Str("severity", severity).
		Msg(message)
}

// ResolveAlert marks an alert resolved. Returns false for unknown ids.
func (m *ProductionMonitor) ResolveAlert(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.ID == id {
			if !a.Resolved {
				a.Resolved = true
				log.Info().Str("alert_id", id).Msg("alert resolved")
			}
			return true
		}
	}
	return false
}

// Alerts returns current alerts, optionally including resolved ones.
func (m *ProductionMonitor) Alerts(includeResolved bool) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if includeResolved || !a.Resolved {
			out = append(out, *a)
		}
	}
	return out
}

// Snapshots returns the retained system metrics series.
func (m *ProductionMonitor) Snapshots() []SystemMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SystemMetrics(nil), m.snapshots...)
}

// pruneLocked drops samples outside the rolling window and resolved
// alerts past retention. Callers hold m.mu.
func (m *ProductionMonitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.window)
	kept := m.samples[:0]
	for _, s := range m.samples {
		if !s.at.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	m.samples = kept

	alertCutoff := now.Add(-m.retention)
	keptAlerts := m.alerts[:0]
	for _, a := range m.alerts {
		if !a.Resolved || !a.Timestamp.Before(alertCutoff) {
			keptAlerts = append(keptAlerts, a)
		}
	}
	m.alerts = keptAlerts
}
