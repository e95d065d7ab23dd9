package storage

import "time"

// Execution is a stored sandbox execution record.
type Execution struct {
	ID            string     `json:"id" db:"id"`
	SessionID     string     `json:"session_id" db:"session_id"`
	Language      string     `json:"language" db:"language"`
	CodeHash      string     `json:"code_hash" db:"code_hash"`
	Success       bool       `json:"success" db:"success"`
	Output        string     `json:"output" db:"output"`
	Error         string     `json:"error" db:"error"`
	DurationMS    int64      `json:"duration_ms" db:"duration_ms"`
	MemoryBytes   int64      `json:"memory_bytes" db:"memory_bytes"`
	Violations    int        `json:"violations" db:"violations"`
	Status        string     `json:"status" db:"status"` // completed, failed, terminated
	RequestIP     string     `json:"request_ip" db:"request_ip"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// ViolationRecord stores a security finding for audit.
type ViolationRecord struct {
	ID          string    `json:"id" db:"id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	RuleID      string    `json:"rule_id" db:"rule_id"`
	Severity    string    `json:"severity" db:"severity"`
	Message     string    `json:"message" db:"message"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Language string
	Status   string
	Session  string
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}
