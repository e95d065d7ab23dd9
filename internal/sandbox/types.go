package sandbox

import (
	"time"
	"unicode/utf8"
)

// ExecutionRequest is a single code submission from the platform.
// It is immutable once handed to the executor.
type ExecutionRequest struct {
	Code      string            `json:"code"`
	Language  string            `json:"language"`
	SessionID string            `json:"session_id"`
	Options   *ExecutionOptions `json:"options,omitempty"`
}

// ExecutionOptions carries caller overrides. Zero values mean
// "use the per-language default".
type ExecutionOptions struct {
	Timeout          time.Duration `json:"timeout,omitempty"`
	MemoryLimitBytes int64         `json:"memory_limit_bytes,omitempty"`
	Packages         []string      `json:"packages,omitempty"`
}

// ExecutionResult is produced exactly once per request. Callers always
// receive a result, never an error or panic, regardless of outcome.
type ExecutionResult struct {
	Success       bool           `json:"success"`
	Output        string         `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	VisualOutput  string         `json:"visual_output,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
	MemoryUsage   int64          `json:"memory_usage,omitempty"`
	SessionID     string         `json:"session_id"`
	Metadata      map[string]any `json:"metadata"`
}

// Status is the lifecycle state of a tracked execution.
type Status string

const (
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

// ResourceUsage is what an execution consumed, as far as the host
// runtime can attribute it.
type ResourceUsage struct {
	ExecutionTime   time.Duration `json:"execution_time"`
	MemoryUsage     int64         `json:"memory_usage"`
	CPUUsage        float64       `json:"cpu_usage,omitempty"`
	NetworkRequests int           `json:"network_requests"`
	StorageUsage    int64         `json:"storage_usage"`
}

// ExecutionMetrics tracks one in-flight or finished execution. The
// ResourceMonitor owns the entry exclusively until it reaches a terminal
// status, after which it only lives in the bounded history.
type ExecutionMetrics struct {
	ID            string        `json:"id"`
	Language      string        `json:"language"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time,omitempty"`
	ResourceUsage ResourceUsage `json:"resource_usage"`
	Violations    []string      `json:"violations,omitempty"`
	Status        Status        `json:"status"`
}

// Clone returns a copy safe to hand outside the monitor's lock.
func (m *ExecutionMetrics) Clone() *ExecutionMetrics {
	c := *m
	c.Violations = append([]string(nil), m.Violations...)
	return &c
}

// TruncationMarker is appended when output exceeds the configured ceiling.
const TruncationMarker = "\n... [output truncated]"

func truncateOutput(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	// Back off to a rune boundary so the cut never emits invalid UTF-8.
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncationMarker
}

// mergeMetadata copies src into dst without overwriting keys an earlier
// stage already contributed.
func mergeMetadata(dst, src map[string]any) {
	for k, v := range src {
		if _, exists := dst[k]; !exists {
			dst[k] = v
		}
	}
}
