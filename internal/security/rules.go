package security

import "regexp"

// Rule is one static-analysis pattern. Only the first match of a rule
// contributes an issue, so repeated occurrences of the same pattern
// cannot flood the result.
type Rule struct {
	Name       string
	Pattern    *regexp.Regexp
	Kind       IssueKind
	Severity   Severity
	Message    string
	Suggestion string
}

func defaultRules() []Rule {
	return []Rule{
		{
			Name:       "eval_call",
			Pattern:    regexp.MustCompile(`\beval\s*\(`),
			Kind:       KindDangerousAPI,
			Severity:   SeverityCritical,
			Message:    "Use of eval() allows arbitrary code execution",
			Suggestion: "Remove eval() and express the logic directly",
		},
		{
			Name:       "function_constructor",
			Pattern:    regexp.MustCompile(`new\s+Function\s*\(`),
			Kind:       KindDangerousAPI,
			Severity:   SeverityCritical,
			Message:    "Function constructor compiles strings into code",
			Suggestion: "Define functions statically instead of from strings",
		},
		{
			Name:       "node_require",
			Pattern:    regexp.MustCompile(`\brequire\s*\(\s*['"](fs|child_process|net|http|os)['"]`),
			Kind:       KindDangerousAPI,
			Severity:   SeverityCritical,
			Message:    "Requiring system modules is not permitted in the sandbox",
			Suggestion: "Sandboxed code has no filesystem or process access",
		},
		{
			Name:       "shell_exec",
			Pattern:    regexp.MustCompile(`\b(shell_exec|passthru|proc_open|popen)\s*\(`),
			Kind:       KindDangerousAPI,
			Severity:   SeverityCritical,
			Message:    "Shell execution functions are not permitted",
			Suggestion: "Sandboxed code cannot spawn processes",
		},
		{
			Name:       "python_system",
			Pattern:    regexp.MustCompile(`\b(os\.system|subprocess\.(run|call|Popen))\s*\(`),
			Kind:       KindDangerousAPI,
			Severity:   SeverityCritical,
			Message:    "Spawning OS processes is not permitted",
			Suggestion: "Sandboxed code cannot spawn processes",
		},
		{
			Name:       "python_dunder_import",
			Pattern:    regexp.MustCompile(`__import__\s*\(`),
			Kind:       KindDangerousAPI,
			Severity:   SeverityHigh,
			Message:    "Dynamic imports via __import__ bypass the module gate",
			Suggestion: "Use a plain import statement",
		},
		{
			Name:       "process_access",
			Pattern:    regexp.MustCompile(`\bprocess\.(exit|env|kill)\b`),
			Kind:       KindDangerousAPI,
			Severity:   SeverityHigh,
			Message:    "Access to the host process object",
			Suggestion: "The process object is unavailable in the sandbox",
		},
		{
			Name:       "document_write",
			Pattern:    regexp.MustCompile(`\bdocument\.(write|cookie)\b`),
			Kind:       KindDangerousAPI,
			Severity:   SeverityHigh,
			Message:    "Direct document manipulation is blocked",
			Suggestion: "The DOM is not exposed to sandboxed code",
		},
		{
			Name:       "php_file_io",
			Pattern:    regexp.MustCompile(`\bfile_(get|put)_contents\s*\(`),
			Kind:       KindDangerousAPI,
			Severity:   SeverityHigh,
			Message:    "File I/O functions are not permitted",
			Suggestion: "Sandboxed code has no filesystem access",
		},
		{
			Name:       "python_risky_import",
			Pattern:    regexp.MustCompile(`\bimport\s+(os|sys|subprocess|socket|ctypes)\b`),
			Kind:       KindSuspiciousPattern,
			Severity:   SeverityHigh,
			Message:    "Importing a system-level module",
			Suggestion: "System modules are denied by the import gate",
		},
		{
			Name:       "script_injection",
			Pattern:    regexp.MustCompile(`createElement\s*\(\s*['"]script['"]`),
			Kind:       KindInjectionRisk,
			Severity:   SeverityHigh,
			Message:    "Creating script elements injects code into the page",
			Suggestion: "Script injection is blocked by the sandbox",
		},
		{
			Name:       "inner_html",
			Pattern:    regexp.MustCompile(`\.innerHTML\s*=`),
			Kind:       KindInjectionRisk,
			Severity:   SeverityMedium,
			Message:    "Assigning innerHTML can inject markup",
			Suggestion: "Use textContent for plain text",
		},
		{
			Name:       "network_call",
			Pattern:    regexp.MustCompile(`\bXMLHttpRequest\b|\bfetch\s*\(|new\s+WebSocket\s*\(`),
			Kind:       KindSuspiciousPattern,
			Severity:   SeverityMedium,
			Message:    "Network access is not available in the sandbox",
			Suggestion: "Remove network calls",
		},
		{
			Name:       "web_storage",
			Pattern:    regexp.MustCompile(`\b(localStorage|sessionStorage|indexedDB)\b`),
			Kind:       KindSuspiciousPattern,
			Severity:   SeverityMedium,
			Message:    "Persistent storage is not available in the sandbox",
			Suggestion: "Keep state in ordinary variables",
		},
		{
			Name:       "infinite_while",
			Pattern:    regexp.MustCompile(`while\s*\(\s*(true|1)\s*\)|while\s+True\s*:`),
			Kind:       KindResourceAbuse,
			Severity:   SeverityMedium,
			Message:    "Unconditional loop may never terminate",
			Suggestion: "Add a terminating condition or iteration cap",
		},
		{
			Name:       "infinite_for",
			Pattern:    regexp.MustCompile(`for\s*\(\s*;\s*;\s*\)`),
			Kind:       KindResourceAbuse,
			Severity:   SeverityMedium,
			Message:    "Empty for-clause loops forever",
			Suggestion: "Add a terminating condition or iteration cap",
		},
		{
			Name:       "global_escape",
			Pattern:    regexp.MustCompile(`\bglobalThis\b|\bwindow\.top\b|\bwindow\.parent\b`),
			Kind:       KindSuspiciousPattern,
			Severity:   SeverityLow,
			Message:    "Probing the global object",
			Suggestion: "Sandboxed globals are already constrained",
		},
	}
}
