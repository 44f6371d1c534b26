package security

import (
	"encoding/json"
	"strings"
	"testing"
)

func newTestCoordinator() *Coordinator {
	return NewCoordinator(testMonitorConfig())
}

func TestCoordinator_DisabledBypassesAnalysis(t *testing.T) {
	c := newTestCoordinator()
	c.SetEnabled(false)

	result := c.AnalyzeCode(`eval("anything")`)
	if !result.Safe {
		t.Error("disabled coordinator flagged code unsafe")
	}
	if result.RiskLevel != SeverityLow {
		t.Errorf("got risk %s, want low", result.RiskLevel)
	}
	if result.Confidence != 1.0 {
		t.Errorf("got confidence %v, want 1.0", result.Confidence)
	}

	check := c.CreateSecureExecutionEnvironment(`eval("anything")`)
	if !check.Safe {
		t.Error("disabled coordinator blocked execution")
	}

	if !c.CheckAPIAccess("eval") {
		t.Error("disabled coordinator denied API access")
	}
	if !c.CheckResourceLimits() {
		t.Error("disabled coordinator failed resource check")
	}
}

func TestCoordinator_CriticalRiskBlocksExecution(t *testing.T) {
	c := newTestCoordinator()

	check := c.CreateSecureExecutionEnvironment(`eval("x")`)
	if check.Safe {
		t.Fatal("critical-risk code allowed")
	}
	if len(check.Errors) == 0 {
		t.Fatal("no error messages for critical issue")
	}
}

func TestCoordinator_MediumIssuesBecomeWarnings(t *testing.T) {
	c := newTestCoordinator()

	check := c.CreateSecureExecutionEnvironment(`el.innerHTML = "<b>"`)
	if !check.Safe {
		t.Fatalf("medium-risk code blocked: errors=%v", check.Errors)
	}
	if len(check.Errors) != 0 {
		t.Errorf("medium issue classified as error: %v", check.Errors)
	}
	if len(check.Warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(check.Warnings))
	}
	if !strings.Contains(check.Warnings[0], "(line 1)") {
		t.Errorf("warning %q missing line reference", check.Warnings[0])
	}
}

func TestCoordinator_HighRiskNeedsManyErrorsToBlock(t *testing.T) {
	c := newTestCoordinator()

	// One high issue: risk medium, runs with the issue as an error.
	check := c.CreateSecureExecutionEnvironment(`process.exit(1)`)
	if !check.Safe {
		t.Errorf("single high issue blocked execution")
	}
	if len(check.Errors) != 1 {
		t.Errorf("got %d errors, want 1", len(check.Errors))
	}

	// Three high issues: risk high with >2 errors, blocked.
	code := "process.exit(1)\ndocument.write('x')\n__import__('os')"
	check = c.CreateSecureExecutionEnvironment(code)
	if check.Safe {
		t.Errorf("three high issues (risk %s, %d errors) not blocked",
			check.Analysis.RiskLevel, len(check.Errors))
	}
}

func TestCoordinator_SummaryAggregatesViolations(t *testing.T) {
	c := newTestCoordinator()
	c.StartRuntimeMonitoring(0)
	defer c.StopRuntimeMonitoring()

	c.CheckAPIAccess("eval")
	c.CheckAPIAccess("fetch")

	summary := c.SecuritySummary()
	if summary.TotalViolations != 2 {
		t.Fatalf("got %d violations, want 2", summary.TotalViolations)
	}
	if summary.ByKind[ViolationBlockedAPI] != 2 {
		t.Errorf("got %d blocked_api, want 2", summary.ByKind[ViolationBlockedAPI])
	}
	if summary.BySeverity["high"] != 2 {
		t.Errorf("got %d high, want 2", summary.BySeverity["high"])
	}
	// Two high violations: medium overall, mirroring risk derivation.
	if summary.OverallRisk != SeverityMedium {
		t.Errorf("got overall risk %s, want medium", summary.OverallRisk)
	}
	if !summary.MonitoringActive {
		t.Error("monitoring not reported active")
	}
}

func TestCoordinator_ExportSecurityReport(t *testing.T) {
	c := newTestCoordinator()
	c.StartRuntimeMonitoring(0)
	c.CheckAPIAccess("eval")
	c.StopRuntimeMonitoring()

	data, err := c.ExportSecurityReport()
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if report.Summary.TotalViolations != 1 {
		t.Errorf("got %d violations in report, want 1", report.Summary.TotalViolations)
	}
	if len(report.AuditLog) == 0 {
		t.Error("report has no audit entries")
	}
	if report.GeneratedAt.IsZero() {
		t.Error("report missing timestamp")
	}
}

func TestCoordinator_ResetLedgers(t *testing.T) {
	c := newTestCoordinator()
	c.StartRuntimeMonitoring(0)
	c.CheckAPIAccess("eval")
	c.StopRuntimeMonitoring()

	c.ResetLedgers()

	if got := c.SecuritySummary().TotalViolations; got != 0 {
		t.Errorf("got %d violations after reset, want 0", got)
	}
}

func TestCoordinator_AnalysisRecordedInAuditLog(t *testing.T) {
	c := newTestCoordinator()
	c.AnalyzeCode(`console.log(1)`)

	data, err := c.ExportSecurityReport()
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	found := false
	for _, ev := range report.AuditLog {
		if ev.Kind == AuditAnalysis && ev.Result != nil {
			found = true
		}
	}
	if !found {
		t.Error("no analysis entry in audit log")
	}
}
