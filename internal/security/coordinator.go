package security

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EnvironmentCheck is the pre-flight verdict the dispatcher consults
// before invoking any backend.
type EnvironmentCheck struct {
	Safe     bool           `json:"safe"`
	Errors   []string       `json:"errors,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Analysis AnalysisResult `json:"analysis"`
}

// Summary aggregates runtime violations into an overall risk level.
type Summary struct {
	TotalViolations  int                   `json:"total_violations"`
	ByKind           map[ViolationKind]int `json:"by_kind"`
	BySeverity       map[string]int        `json:"by_severity"`
	OverallRisk      Severity              `json:"overall_risk"`
	MonitoringActive bool                  `json:"monitoring_active"`
}

// Report is the exportable security audit bundle.
type Report struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Summary     Summary      `json:"summary"`
	Violations  []Violation  `json:"violations"`
	AuditLog    []AuditEvent `json:"audit_log"`
}

// Coordinator composes the static analyzer and the runtime monitor
// behind one façade: pre-flight analysis, live monitoring, API
// gatekeeping and the violations ledger.
type Coordinator struct {
	analyzer *Analyzer
	monitor  *Monitor

	mu      sync.Mutex
	enabled bool
}

// NewCoordinator creates an enabled coordinator. Disabling security
// is an explicit opt-out for trusted contexts, never the default.
func NewCoordinator(cfg MonitorConfig) *Coordinator {
	return &Coordinator{
		analyzer: NewAnalyzer(),
		monitor:  NewMonitor(cfg),
		enabled:  true,
	}
}

// SetEnabled toggles the whole security layer. When disabled,
// analysis short-circuits to an always-safe result and monitoring
// calls become permissive no-ops.
func (c *Coordinator) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
	if !enabled {
		log.Warn().Msg("security layer disabled")
	}
}

// Enabled reports whether the security layer is active.
func (c *Coordinator) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// AnalyzeCode runs the static analyzer and records the result in the
// audit log.
func (c *Coordinator) AnalyzeCode(code string) AnalysisResult {
	if !c.Enabled() {
		return AnalysisResult{Safe: true, RiskLevel: SeverityLow, Confidence: 1.0}
	}
	result := c.analyzer.Analyze(code)
	c.monitor.RecordAudit(AuditEvent{
		Kind:   AuditAnalysis,
		Result: &result,
	})
	return result
}

// CreateSecureExecutionEnvironment classifies each analyzer issue as
// an error (high/critical) or warning (low/medium) and computes the
// final go/no-go verdict: unsafe if the risk level is critical, or
// high with more than 2 classified errors. Evaluated exactly once per
// execution attempt, before any backend resource is allocated.
func (c *Coordinator) CreateSecureExecutionEnvironment(code string) EnvironmentCheck {
	analysis := c.AnalyzeCode(code)

	check := EnvironmentCheck{Analysis: analysis}
	for _, issue := range analysis.Issues {
		msg := issue.Message
		if issue.Line > 0 {
			msg = formatIssue(issue)
		}
		if issue.Severity >= SeverityHigh {
			check.Errors = append(check.Errors, msg)
		} else {
			check.Warnings = append(check.Warnings, msg)
		}
	}

	check.Safe = true
	if analysis.RiskLevel == SeverityCritical {
		check.Safe = false
	} else if analysis.RiskLevel == SeverityHigh && len(check.Errors) > 2 {
		check.Safe = false
	}

	kind := AuditAllow
	if !check.Safe {
		kind = AuditBlock
	}
	c.monitor.RecordAudit(AuditEvent{
		Kind: kind,
		Metadata: map[string]any{
			"risk_level": analysis.RiskLevel.String(),
			"issues":     len(analysis.Issues),
		},
	})

	return check
}

// StartRuntimeMonitoring begins a monitoring window bounded by the
// execution's own timeout; a non-positive value falls back to the
// configured MaxExecutionTime. No-op while disabled.
func (c *Coordinator) StartRuntimeMonitoring(timeout time.Duration) {
	if !c.Enabled() {
		return
	}
	c.monitor.Start(timeout)
}

// StopRuntimeMonitoring ends the monitoring window. Idempotent.
func (c *Coordinator) StopRuntimeMonitoring() {
	c.monitor.Stop()
}

// CheckAPIAccess gatekeeps a sensitive API by name. Permissive while
// disabled.
func (c *Coordinator) CheckAPIAccess(name string) bool {
	if !c.Enabled() {
		return true
	}
	return c.monitor.CheckAPIAccess(name)
}

// CheckResourceLimits samples resource usage against configured
// limits. Permissive while disabled.
func (c *Coordinator) CheckResourceLimits() bool {
	if !c.Enabled() {
		return true
	}
	return c.monitor.CheckResourceLimits()
}

// Aborted is closed when a critical runtime violation forces a hard
// abort of the current execution.
func (c *Coordinator) Aborted() <-chan struct{} {
	return c.monitor.Aborted()
}

// Err surfaces the hard-abort signal, if any.
func (c *Coordinator) Err() error {
	return c.monitor.Err()
}

// Violations exposes the runtime violation ledger.
func (c *Coordinator) Violations() []Violation {
	return c.monitor.Violations()
}

// SecuritySummary aggregates violation counts and derives an overall
// risk level with the same rule shape as static analysis, applied to
// runtime violations.
func (c *Coordinator) SecuritySummary() Summary {
	violations := c.monitor.Violations()

	s := Summary{
		TotalViolations:  len(violations),
		ByKind:           make(map[ViolationKind]int),
		BySeverity:       make(map[string]int),
		MonitoringActive: c.monitor.Active(),
	}

	var critical, high, medium int
	for _, v := range violations {
		s.ByKind[v.Kind]++
		s.BySeverity[v.Severity.String()]++
		switch v.Severity {
		case SeverityCritical:
			critical++
		case SeverityHigh:
			high++
		case SeverityMedium:
			medium++
		}
	}

	switch {
	case critical > 0:
		s.OverallRisk = SeverityCritical
	case high > 2:
		s.OverallRisk = SeverityHigh
	case high > 0 || medium > 3:
		s.OverallRisk = SeverityMedium
	default:
		s.OverallRisk = SeverityLow
	}

	return s
}

// ExportSecurityReport serializes the summary, ledger and audit log.
func (c *Coordinator) ExportSecurityReport() ([]byte, error) {
	report := Report{
		GeneratedAt: time.Now(),
		Summary:     c.SecuritySummary(),
		Violations:  c.monitor.Violations(),
		AuditLog:    c.monitor.AuditEvents(),
	}
	return json.MarshalIndent(report, "", "  ")
}

// ResetLedgers clears violation and audit history.
func (c *Coordinator) ResetLedgers() {
	c.monitor.Reset()
}

func formatIssue(issue Issue) string {
	return fmt.Sprintf("%s (line %d)", issue.Message, issue.Line)
}
