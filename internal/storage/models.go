package storage

import "time"

// Execution is a stored record of one dispatch through the sandbox.
type Execution struct {
	ID            string     `json:"id" db:"id"`
	Language      string     `json:"language" db:"language"`
	CodeHash      string     `json:"code_hash" db:"code_hash"`
	Status        string     `json:"status" db:"status"` // success, error, timeout, stopped, blocked, compile_error, rejected
	RiskLevel     string     `json:"risk_level" db:"risk_level"`
	Confidence    float64    `json:"confidence" db:"confidence"`
	IssueCount    int        `json:"issue_count" db:"issue_count"`
	EventCount    int        `json:"event_count" db:"event_count"`
	Violations    int        `json:"violations" db:"violations"`
	DurationMS    int64      `json:"duration_ms" db:"duration_ms"`
	LastOutput    string     `json:"last_output" db:"last_output"`
	RequestIP     string     `json:"request_ip" db:"request_ip"`
	APIKeyHash    string     `json:"api_key_hash,omitempty" db:"api_key_hash"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// SecurityEventRecord stores a static-analysis issue or runtime
// violation for audit.
type SecurityEventRecord struct {
	ID          string    `json:"id" db:"id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	Type        string    `json:"type" db:"type"`
	Severity    string    `json:"severity" db:"severity"`
	Detail      string    `json:"detail" db:"detail"`
	Line        int       `json:"line,omitempty" db:"line"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Language string
	Status   string
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}
