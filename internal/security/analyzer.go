package security

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Severity levels for issues, violations and risk.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText makes severities render as their names in JSON reports.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names MarshalText produces.
func (s *Severity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "low":
		*s = SeverityLow
	case "medium":
		*s = SeverityMedium
	case "high":
		*s = SeverityHigh
	case "critical":
		*s = SeverityCritical
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// IssueKind classifies a static-analysis finding.
type IssueKind string

const (
	KindDangerousAPI      IssueKind = "dangerous_api"
	KindSuspiciousPattern IssueKind = "suspicious_pattern"
	KindResourceAbuse     IssueKind = "resource_abuse"
	KindInjectionRisk     IssueKind = "injection_risk"
)

// Issue is a single static-analysis finding. Immutable once produced.
type Issue struct {
	Kind       IssueKind `json:"kind"`
	Message    string    `json:"message"`
	Line       int       `json:"line,omitempty"`
	Severity   Severity  `json:"severity"`
	Suggestion string    `json:"suggestion,omitempty"`
}

// AnalysisResult is the verdict of a single analyzer pass.
type AnalysisResult struct {
	Safe       bool          `json:"safe"`
	Issues     []Issue       `json:"issues"`
	RiskLevel  Severity      `json:"risk_level"`
	Confidence float64       `json:"confidence"`
	Duration   time.Duration `json:"analysis_duration"`
}

// Structural thresholds. Each heuristic contributes at most one issue.
const (
	maxNestingDepth   = 15
	maxFunctionCount  = 20
	maxLoopCount      = 5
	maxMutationCount  = 20
	matchCapPerRule   = 100
	minConfidence     = 0.1
)

var (
	functionRe = regexp.MustCompile(`\bfunction\b|=>|\bdef\s+\w+`)
	loopRe     = regexp.MustCompile(`\b(for|while)\b`)
	mutationRe = regexp.MustCompile(`\.(push|pop|shift|unshift|splice|sort|reverse)\s*\(`)
)

// Analyzer scans raw source text against a rule set and structural
// heuristics. It is pure: no side effects, bounded cost.
type Analyzer struct {
	rules []Rule
}

// NewAnalyzer creates an analyzer with the default rule set.
func NewAnalyzer() *Analyzer {
	return &Analyzer{rules: defaultRules()}
}

// Analyze scans code and produces a typed, severity-tagged verdict.
// It runs synchronously and reports its own wall-clock duration.
func (a *Analyzer) Analyze(code string) AnalysisResult {
	start := time.Now()

	var issues []Issue
	for _, rule := range a.rules {
		// Cap match iterations to bound pathological input; only the
		// first match of a rule contributes an issue.
		matches := rule.Pattern.FindAllStringIndex(code, matchCapPerRule)
		if len(matches) == 0 {
			continue
		}
		issues = append(issues, Issue{
			Kind:       rule.Kind,
			Message:    rule.Message,
			Line:       lineOf(code, matches[0][0]),
			Severity:   rule.Severity,
			Suggestion: rule.Suggestion,
		})
	}

	issues = append(issues, a.structuralIssues(code)...)

	return AnalysisResult{
		Safe:       len(issues) == 0,
		Issues:     issues,
		RiskLevel:  deriveRiskLevel(issues),
		Confidence: deriveConfidence(len(code), len(issues)),
		Duration:   time.Since(start),
	}
}

func (a *Analyzer) structuralIssues(code string) []Issue {
	var issues []Issue

	if depth := maxBraceDepth(code); depth > maxNestingDepth {
		issues = append(issues, Issue{
			Kind:       KindResourceAbuse,
			Message:    "Deeply nested code blocks",
			Severity:   SeverityMedium,
			Suggestion: "Flatten nesting; extract helper functions",
		})
	}
	if n := len(functionRe.FindAllStringIndex(code, -1)); n > maxFunctionCount {
		issues = append(issues, Issue{
			Kind:       KindSuspiciousPattern,
			Message:    "Unusually many function declarations",
			Severity:   SeverityLow,
			Suggestion: "Split the code into smaller runs",
		})
	}
	if n := len(loopRe.FindAllStringIndex(code, -1)); n > maxLoopCount {
		issues = append(issues, Issue{
			Kind:       KindResourceAbuse,
			Message:    "Unusually many loop constructs",
			Severity:   SeverityMedium,
			Suggestion: "Reduce the number of loops per run",
		})
	}
	if n := len(mutationRe.FindAllStringIndex(code, -1)); n > maxMutationCount {
		issues = append(issues, Issue{
			Kind:       KindResourceAbuse,
			Message:    "Unusually many array mutation calls",
			Severity:   SeverityLow,
			Suggestion: "Batch mutations or build arrays declaratively",
		})
	}

	return issues
}

// deriveRiskLevel: critical if any critical issue; else high if more
// than 2 high issues; else medium if any high issue or more than 3
// medium issues; else low.
func deriveRiskLevel(issues []Issue) Severity {
	var high, medium int
	for _, is := range issues {
		switch is.Severity {
		case SeverityCritical:
			return SeverityCritical
		case SeverityHigh:
			high++
		case SeverityMedium:
			medium++
		}
	}
	switch {
	case high > 2:
		return SeverityHigh
	case high > 0 || medium > 3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// deriveConfidence decays with issue density per 100 chars, floored
// at 0.1. Zero issues means full confidence.
func deriveConfidence(codeLen, issueCount int) float64 {
	if issueCount == 0 {
		return 1.0
	}
	density := float64(codeLen) / 100.0
	if density < 1 {
		density = 1
	}
	c := 1.0 - 0.1*float64(issueCount)/density
	if c < minConfidence {
		return minConfidence
	}
	return c
}

func maxBraceDepth(code string) int {
	depth, max := 0, 0
	for _, r := range code {
		switch r {
		case '{':
			depth++
			if depth > max {
				max = depth
			}
		case '}':
			if depth > 0 {
				depth--
			}
		}
	}
	return max
}

// lineOf returns the 1-based line number of a byte offset.
func lineOf(code string, idx int) int {
	return 1 + strings.Count(code[:idx], "\n")
}
