package api

import (
	"testing"
	"time"

	"polyglot-sandbox/internal/event"
	"polyglot-sandbox/internal/security"
)

func TestBuildAuditRecord_ViolationsAreDelta(t *testing.T) {
	req := ExecutionRequest{Code: `fetch("x")`, Language: "javascript"}

	col := event.NewCollector()
	col.AddOutput(event.Record{Kind: event.KindError, Origin: event.OriginSecurity, Message: "Access to blocked API"})
	col.SetExecutionState(event.ExecutionPatch{ExecutionID: event.Ptr("e1")})

	// The ledger held 5 violations before this run and 7 after: only
	// the 2 new ones belong to this row, plus the 1 security event.
	summary := security.Summary{TotalViolations: 7, OverallRisk: security.SeverityHigh}
	rec := buildAuditRecord(req, col, 40*time.Millisecond, summary, 5, "10.0.0.1:1234")

	if rec.Violations != 3 {
		t.Errorf("got %d violations, want 3", rec.Violations)
	}
	if rec.Status != "blocked" {
		t.Errorf("got status %q, want blocked", rec.Status)
	}
	if rec.ID != "e1" || rec.Language != "javascript" {
		t.Errorf("record identity: %+v", rec)
	}
	if rec.RiskLevel != "high" {
		t.Errorf("got risk %q, want high", rec.RiskLevel)
	}
}

func TestBuildAuditRecord_CleanRunIgnoresOldLedger(t *testing.T) {
	req := ExecutionRequest{Code: `console.log(1)`, Language: "javascript"}

	col := event.NewCollector()
	col.AddOutput(event.Record{Kind: event.KindLog, Origin: event.OriginConsole, Message: "1"})
	col.AddOutput(event.Record{Kind: event.KindInfo, Origin: event.OriginSystem, Message: "Execution completed in 2ms"})

	// Earlier executions left 7 entries in the ledger; this run added
	// none and must not inherit them.
	summary := security.Summary{TotalViolations: 7, OverallRisk: security.SeverityLow}
	rec := buildAuditRecord(req, col, 2*time.Millisecond, summary, 7, "10.0.0.1:1234")

	if rec.Violations != 0 {
		t.Errorf("got %d violations, want 0", rec.Violations)
	}
	if rec.Status != "success" {
		t.Errorf("got status %q, want success", rec.Status)
	}
	if rec.EventCount != 2 {
		t.Errorf("got %d events, want 2", rec.EventCount)
	}
	if rec.LastOutput != "Execution completed in 2ms" {
		t.Errorf("last output %q", rec.LastOutput)
	}
}

func TestBuildAuditRecord_ShrunkLedgerClampsToZero(t *testing.T) {
	req := ExecutionRequest{Code: `1`, Language: "javascript"}
	col := event.NewCollector()

	// A capped or reset ledger can report fewer entries than the
	// pre-dispatch snapshot.
	summary := security.Summary{TotalViolations: 2, OverallRisk: security.SeverityLow}
	rec := buildAuditRecord(req, col, time.Millisecond, summary, 10, "10.0.0.1:1234")

	if rec.Violations != 0 {
		t.Errorf("got %d violations, want 0", rec.Violations)
	}
}
