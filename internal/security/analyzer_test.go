package security

import (
	"strings"
	"testing"
)

func TestAnalyze_CleanCodeIsSafe(t *testing.T) {
	a := NewAnalyzer()
	result := a.Analyze(`console.log("hi")`)

	if !result.Safe {
		t.Errorf("clean code flagged unsafe: %+v", result.Issues)
	}
	if len(result.Issues) != 0 {
		t.Errorf("got %d issues, want 0", len(result.Issues))
	}
	if result.RiskLevel != SeverityLow {
		t.Errorf("got risk %s, want low", result.RiskLevel)
	}
	if result.Confidence != 1.0 {
		t.Errorf("got confidence %v, want 1.0 for clean code", result.Confidence)
	}
}

func TestAnalyze_EvalIsCritical(t *testing.T) {
	a := NewAnalyzer()
	result := a.Analyze(`eval("x")`)

	if result.Safe {
		t.Fatal("eval() call reported safe")
	}
	if len(result.Issues) != 1 {
		t.Fatalf("got %d issues, want exactly 1", len(result.Issues))
	}
	issue := result.Issues[0]
	if issue.Kind != KindDangerousAPI {
		t.Errorf("got kind %q, want dangerous_api", issue.Kind)
	}
	if issue.Severity != SeverityCritical {
		t.Errorf("got severity %s, want critical", issue.Severity)
	}
	if result.RiskLevel != SeverityCritical {
		t.Errorf("got risk %s, want critical", result.RiskLevel)
	}
}

func TestAnalyze_RuleMatchesReportFirstLine(t *testing.T) {
	a := NewAnalyzer()
	code := "let x = 1\nlet y = 2\neval(x)\neval(y)"
	result := a.Analyze(code)

	if len(result.Issues) != 1 {
		t.Fatalf("got %d issues, want 1 (repeated matches must not duplicate)", len(result.Issues))
	}
	if result.Issues[0].Line != 3 {
		t.Errorf("got line %d, want 3", result.Issues[0].Line)
	}
}

func TestAnalyze_RuleTable(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		kind     IssueKind
		severity Severity
	}{
		{"function constructor", `const f = new Function("return 1")`, KindDangerousAPI, SeverityCritical},
		{"node require fs", `const fs = require('fs')`, KindDangerousAPI, SeverityCritical},
		{"php shell exec", `shell_exec("ls")`, KindDangerousAPI, SeverityCritical},
		{"python os.system", `os.system("ls")`, KindDangerousAPI, SeverityCritical},
		{"python dunder import", `__import__("os")`, KindDangerousAPI, SeverityHigh},
		{"process access", `process.exit(1)`, KindDangerousAPI, SeverityHigh},
		{"document write", `document.write("<b>")`, KindDangerousAPI, SeverityHigh},
		{"python import os", `import os`, KindSuspiciousPattern, SeverityHigh},
		{"inner html", `el.innerHTML = payload`, KindInjectionRisk, SeverityMedium},
		{"fetch call", `fetch("http://example.com")`, KindSuspiciousPattern, SeverityMedium},
		{"local storage", `localStorage.setItem("k", "v")`, KindSuspiciousPattern, SeverityMedium},
		{"while true", `while (true) {}`, KindResourceAbuse, SeverityMedium},
		{"python while True", "while True:\n    pass", KindResourceAbuse, SeverityMedium},
		{"bare for loop", `for (;;) {}`, KindResourceAbuse, SeverityMedium},
		{"globalThis probe", `globalThis.secret`, KindSuspiciousPattern, SeverityLow},
	}

	a := NewAnalyzer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := a.Analyze(tt.code)
			if len(result.Issues) == 0 {
				t.Fatalf("no issues for %q", tt.code)
			}
			found := false
			for _, is := range result.Issues {
				if is.Kind == tt.kind && is.Severity == tt.severity {
					found = true
				}
			}
			if !found {
				t.Errorf("no %s/%s issue in %+v", tt.kind, tt.severity, result.Issues)
			}
		})
	}
}

func TestAnalyze_EvalDoesNotMatchIdentifierSuffix(t *testing.T) {
	a := NewAnalyzer()
	result := a.Analyze(`medieval("castle"); retrieval("x")`)

	for _, is := range result.Issues {
		if is.Kind == KindDangerousAPI {
			t.Errorf("identifier containing 'eval' misclassified: %+v", is)
		}
	}
}

func TestDeriveRiskLevel(t *testing.T) {
	mk := func(sev Severity, n int) []Issue {
		out := make([]Issue, n)
		for i := range out {
			out[i] = Issue{Severity: sev}
		}
		return out
	}

	tests := []struct {
		name   string
		issues []Issue
		want   Severity
	}{
		{"none", nil, SeverityLow},
		{"single critical dominates", append(mk(SeverityLow, 5), Issue{Severity: SeverityCritical}), SeverityCritical},
		{"two high is medium", mk(SeverityHigh, 2), SeverityMedium},
		{"three high is high", mk(SeverityHigh, 3), SeverityHigh},
		{"one high is medium", mk(SeverityHigh, 1), SeverityMedium},
		{"three medium is low", mk(SeverityMedium, 3), SeverityLow},
		{"four medium is medium", mk(SeverityMedium, 4), SeverityMedium},
		{"low only", mk(SeverityLow, 10), SeverityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deriveRiskLevel(tt.issues); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDeriveConfidence(t *testing.T) {
	if got := deriveConfidence(1000, 0); got != 1.0 {
		t.Errorf("zero issues: got %v, want 1.0", got)
	}
	// 100 chars, 1 issue: 1.0 - 0.1*1/1 = 0.9
	if got := deriveConfidence(100, 1); got != 0.9 {
		t.Errorf("got %v, want 0.9", got)
	}
	// Short code, many issues: floored at 0.1
	if got := deriveConfidence(10, 50); got != 0.1 {
		t.Errorf("got %v, want floor 0.1", got)
	}
	// Never above 1.0 or below floor
	for issues := 1; issues < 100; issues++ {
		c := deriveConfidence(500, issues)
		if c < 0.1 || c >= 1.0 {
			t.Fatalf("confidence %v out of (0.1, 1.0) for %d issues", c, issues)
		}
	}
}

func TestStructuralHeuristics(t *testing.T) {
	a := NewAnalyzer()

	deep := strings.Repeat("{", 16) + strings.Repeat("}", 16)
	result := a.Analyze(deep)
	if !hasKind(result.Issues, KindResourceAbuse) {
		t.Errorf("deep nesting not flagged: %+v", result.Issues)
	}

	var loops strings.Builder
	for i := 0; i < 6; i++ {
		loops.WriteString("for (let i = 0; i < 10; i++) { work() }\n")
	}
	result = a.Analyze(loops.String())
	if !hasKind(result.Issues, KindResourceAbuse) {
		t.Errorf("excessive loops not flagged: %+v", result.Issues)
	}

	// At the threshold exactly, no issue.
	ok := strings.Repeat("{", 15) + strings.Repeat("}", 15)
	result = a.Analyze(ok)
	if hasKind(result.Issues, KindResourceAbuse) {
		t.Errorf("nesting at threshold flagged: %+v", result.Issues)
	}
}

func TestMaxBraceDepth_UnbalancedInput(t *testing.T) {
	if got := maxBraceDepth("}}}{{"); got != 2 {
		t.Errorf("got %d, want 2", got)
	}
	if got := maxBraceDepth(""); got != 0 {
		t.Errorf("got %d, want 0 for empty input", got)
	}
}

func hasKind(issues []Issue, kind IssueKind) bool {
	for _, is := range issues {
		if is.Kind == kind {
			return true
		}
	}
	return false
}
