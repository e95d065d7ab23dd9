// Package metrics is the per-execution performance bookkeeping. It is
// purely additive: no method panics, and ending an unknown id yields a
// best-effort empty record. Aggregates are mirrored into a dedicated
// Prometheus registry for the ops surface.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Record is the finished view of one execution's performance data.
type Record struct {
	ID               string        `json:"id"`
	Language         string        `json:"language"`
	CodeSize         int           `json:"code_size"`
	OutputSize       int           `json:"output_size"`
	Success          bool          `json:"success"`
	Duration         time.Duration `json:"duration"`
	ErrorType        string        `json:"error_type,omitempty"`
	SecurityMessages []string      `json:"security_messages,omitempty"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time"`
}

// RealTimeMetrics is the live view for dashboards.
type RealTimeMetrics struct {
	ActiveExecutions int     `json:"active_executions"`
	TotalExecutions  int     `json:"total_executions"`
	ErrorRate        float64 `json:"error_rate"`
	ThroughputPerMin float64 `json:"throughput_per_min"`
}

// Stats aggregates over retained records.
type Stats struct {
	TotalExecutions   int           `json:"total_executions"`
	SuccessRate       float64       `json:"success_rate"`
	AverageDuration   time.Duration `json:"average_duration"`
	AverageCodeSize   int           `json:"average_code_size"`
	AverageOutputSize int           `json:"average_output_size"`
	ErrorsByType      map[string]int `json:"errors_by_type"`
}

// Collector tracks per-execution performance counters. It keys by the
// same execution id as the resource monitor but is an independent store;
// callers must explicitly end both.
type Collector struct {
	Registry *prometheus.Registry

	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	executionErrors   *prometheus.CounterVec
	activeExecutions  prometheus.Gauge
	securityFindings  *prometheus.CounterVec
	codeSizeBytes     prometheus.Histogram
	outputSizeBytes   prometheus.Histogram

	mu         sync.Mutex
	active     map[string]*Record
	records    []Record
	recordsCap int
	started    time.Time
}

// NewCollector creates a collector with its own Prometheus registry.
func NewCollector(historySize int) *Collector {
	if historySize < 1 {
		historySize = 1000
	}
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry:   reg,
		active:     make(map[string]*Record),
		recordsCap: historySize,
		started:    time.Now(),

		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "playground",
				Name:      "executions_total",
				Help:      "Total number of sandbox executions by language and status.",
			},
			[]string{"language", "status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "playground",
				Name:      "execution_duration_seconds",
				Help:      "Duration of sandbox executions in seconds.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"language"},
		),
		executionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "playground",
				Name:      "execution_errors_total",
				Help:      "Total sandbox execution errors by type.",
			},
			[]string{"type"},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "playground",
				Name:      "active_executions",
				Help:      "Number of currently running sandbox executions.",
			},
		),
		securityFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "playground",
				Name:      "security_findings_total",
				Help:      "Total security findings attached to executions.",
			},
			[]string{"language"},
		),
		codeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "playground",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),
		outputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "playground",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		c.executionsTotal,
		c.executionDuration,
		c.executionErrors,
		c.activeExecutions,
		c.securityFindings,
		c.codeSizeBytes,
		c.outputSizeBytes,
	)

	return c
}

// StartExecution begins tracking an execution.
func (c *Collector) StartExecution(id, language string, codeSize int) {
	c.mu.Lock()
	c.active[id] = &Record{
		ID:        id,
		Language:  language,
		CodeSize:  codeSize,
		StartTime: time.Now(),
	}
	c.mu.Unlock()

	c.activeExecutions.Inc()
	c.codeSizeBytes.Observe(float64(codeSize))
}

// EndExecution finalizes tracking and returns the record. An unknown id
// returns an empty best-effort record rather than raising.
func (c *Collector) EndExecution(id string, success bool, outputSize int, errorType string, securityMessages []string) Record {
	c.mu.Lock()
	rec, ok := c.active[id]
	if !ok {
		c.mu.Unlock()
		return Record{ID: id, Success: success, OutputSize: outputSize, ErrorType: errorType}
	}
	delete(c.active, id)

	rec.EndTime = time.Now()
	rec.Duration = rec.EndTime.Sub(rec.StartTime)
	rec.Success = success
	rec.OutputSize = outputSize
	rec.ErrorType = errorType
	rec.SecurityMessages = append([]string(nil), securityMessages...)

	c.records = append(c.records, *rec)
	if len(c.records) > c.recordsCap {
		c.records = c.records[len(c.records)-c.recordsCap:]
	}
	snapshot := *rec
	c.mu.Unlock()

	c.activeExecutions.Dec()
	status := "success"
	if !success {
		status = "failure"
	}
	c.executionsTotal.WithLabelValues(snapshot.Language, status).Inc()
	c.executionDuration.WithLabelValues(snapshot.Language).Observe(snapshot.Duration.Seconds())
	c.outputSizeBytes.Observe(float64(outputSize))
	if errorType != "" {
		c.executionErrors.WithLabelValues(errorType).Inc()
	}
	if len(securityMessages) > 0 {
		c.securityFindings.WithLabelValues(snapshot.Language).Add(float64(len(securityMessages)))
	}

	return snapshot
}

// RealTimeSnapshot returns the live metrics view.
func (c *Collector) RealTimeSnapshot() RealTimeMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := len(c.records)
	failures := 0
	for _, r := range c.records {
		if !r.Success {
			failures++
		}
	}

	m := RealTimeMetrics{
		ActiveExecutions: len(c.active),
		TotalExecutions:  total,
	}
	if total > 0 {
		m.ErrorRate = float64(failures) / float64(total)
	}
	if elapsed := time.Since(c.started).Minutes(); elapsed > 0 {
		m.ThroughputPerMin = float64(total) / elapsed
	}
	return m
}

// Stats aggregates over retained records; empty history yields zeros.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{ErrorsByType: make(map[string]int)}
	total := len(c.records)
	if total == 0 {
		return s
	}

	var succeeded, codeSize, outputSize int
	var totalDur time.Duration
	for _, r := range c.records {
		if r.Success {
			succeeded++
		} else if r.ErrorType != "" {
			s.ErrorsByType[r.ErrorType]++
		}
		codeSize += r.CodeSize
		outputSize += r.OutputSize
		totalDur += r.Duration
	}

	s.TotalExecutions = total
	s.SuccessRate = float64(succeeded) / float64(total)
	s.AverageDuration = totalDur / time.Duration(total)
	s.AverageCodeSize = codeSize / total
	s.AverageOutputSize = outputSize / total
	return s
}
