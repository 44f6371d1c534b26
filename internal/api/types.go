package api

import (
	"time"

	"polyglot-sandbox/internal/event"
	"polyglot-sandbox/internal/security"
)

// ExecutionRequest is the API-level request to execute code.
type ExecutionRequest struct {
	Code     string   `json:"code"`
	Language string   `json:"language"` // javascript, typescript, python, php
	Timeout  Duration `json:"timeout,omitempty"`
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

// ExecutionResponse is the API-level response after an execution
// settles. Events preserve emission order.
type ExecutionResponse struct {
	ID       string               `json:"id"`
	Events   []event.Event        `json:"events"`
	State    event.ExecutionState `json:"state"`
	Compile  *event.CompileState  `json:"compile,omitempty"`
	Duration string               `json:"duration"`
}

// AnalyzeRequest asks for static analysis without execution.
type AnalyzeRequest struct {
	Code string `json:"code"`
}

// AnalyzeResponse carries the analysis verdict.
type AnalyzeResponse struct {
	Safe       bool             `json:"safe"`
	RiskLevel  string           `json:"risk_level"`
	Confidence float64          `json:"confidence"`
	Issues     []security.Issue `json:"issues"`
	Duration   string           `json:"duration"`
}

// StatusResponse reports the dispatcher's execution slot.
type StatusResponse struct {
	Running     bool     `json:"running"`
	Ready       bool     `json:"ready"`
	ExecutionID string   `json:"execution_id,omitempty"`
	Languages   []string `json:"languages"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}
