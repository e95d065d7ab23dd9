package api

import "time"

// ExecuteRequest is the API-level request to run code in the sandbox.
type ExecuteRequest struct {
	Code      string          `json:"code"`
	Language  string          `json:"language"` // javascript, lua, python, sql, json, yaml, toml
	SessionID string          `json:"session_id,omitempty"`
	Options   *ExecuteOptions `json:"options,omitempty"`
}

// ExecuteOptions carries caller overrides for one run.
type ExecuteOptions struct {
	Timeout          Duration `json:"timeout,omitempty"`
	MemoryLimitBytes int64    `json:"memory_limit_bytes,omitempty"`
	Packages         []string `json:"packages,omitempty"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ExecuteResponse is the API-level view of an execution result.
type ExecuteResponse struct {
	Success       bool           `json:"success"`
	Output        string         `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	VisualOutput  string         `json:"visual_output,omitempty"`
	ExecutionTime string         `json:"execution_time"`
	MemoryUsage   int64          `json:"memory_usage,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status    string   `json:"status"`
	Database  bool     `json:"database"`
	Languages []string `json:"languages"`
	Uptime    string   `json:"uptime"`
}

// StatsResponse bundles the introspection surfaces.
type StatsResponse struct {
	Resource    any `json:"resource"`
	Performance any `json:"performance"`
	RealTime    any `json:"real_time"`
	Queue       any `json:"queue"`
}
