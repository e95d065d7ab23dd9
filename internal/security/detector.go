// Package security holds the two pre-execution gates: the malicious-code
// detector (pattern-based, any hit refuses execution) and the policy
// manager (rule-based, graded severities, only critical refuses). The two
// gates never share rule tables.
package security

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// Severity grades a finding.
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

// ParseSeverity maps a config string to a Severity. Unknown strings map
// to low so a typo in a rule never silently hard-blocks executions.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(s) {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Violation is a structured finding from either gate.
type Violation struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	RuleID   string   `json:"rule_id"`
	Line     int      `json:"line,omitempty"`
}

// Report is the detector's verdict over one submission.
type Report struct {
	Malicious  bool        `json:"malicious"`
	Violations []Violation `json:"violations,omitempty"`
}

// DetectionPattern defines a pattern the detector refuses outright.
type DetectionPattern struct {
	ID          string
	Description string
	Regex       *regexp.Regexp
	Languages   []string // empty matches every language
}

func (p DetectionPattern) appliesTo(language string) bool {
	if len(p.Languages) == 0 {
		return true
	}
	for _, l := range p.Languages {
		if l == language {
			return true
		}
	}
	return false
}

// Detector is the malicious-code scanner. Pure function over source text
// plus its pattern tables: no side effects, deterministic for identical
// input. It runs ahead of even syntax validation because it is the
// cheapest and highest-value gate.
type Detector struct {
	patterns []DetectionPattern
}

// NewDetector creates a detector with the default pattern tables.
func NewDetector() *Detector {
	return &Detector{patterns: defaultPatterns()}
}

// Analyze scans code for dangerous constructs. Any hit makes the report
// malicious; every detector finding carries critical severity.
func (d *Detector) Analyze(code, language string) Report {
	var violations []Violation

	lines := strings.Split(code, "\n")
	for i, line := range lines {
		for _, p := range d.patterns {
			if !p.appliesTo(language) {
				continue
			}
			if p.Regex.MatchString(line) {
				violations = append(violations, Violation{
					Severity: SeverityCritical,
					Message:  p.Description,
					RuleID:   p.ID,
					Line:     i + 1,
				})

				log.Warn().
					Str("rule", p.ID).
					Str("language", language).
					Int("line", i+1).
					Msg("malicious pattern detected in submission")
			}
		}
	}

	return Report{Malicious: len(violations) > 0, Violations: violations}
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			ID:          "dynamic_eval",
			Description: "Dynamic code evaluation is not allowed",
			Regex:       regexp.MustCompile(`\beval\s*\(|new\s+Function\s*\(|\bFunction\s*\(\s*["']`),
			Languages:   []string{"javascript"},
		},
		{
			ID:          "js_global_escape",
			Description: "Accessing host process or module system from sandboxed code",
			Regex:       regexp.MustCompile(`\b(process|require|globalThis\s*\.\s*process|child_process|import\s*\()\b`),
			Languages:   []string{"javascript"},
		},
		{
			ID:          "js_exfiltration",
			Description: "Network or storage exfiltration attempt",
			Regex:       regexp.MustCompile(`\b(XMLHttpRequest|fetch\s*\(|WebSocket\s*\(|navigator\.sendBeacon|document\.cookie|localStorage|indexedDB)\b`),
			Languages:   []string{"javascript"},
		},
		{
			ID:          "py_process_escape",
			Description: "Spawning processes or shelling out is not allowed",
			Regex:       regexp.MustCompile(`\b(os\.system|os\.popen|os\.exec|subprocess|pty\.spawn|commands\.getoutput)\b`),
			Languages:   []string{"python"},
		},
		{
			ID:          "py_dynamic_import",
			Description: "Dynamic import and evaluation constructs are not allowed",
			Regex:       regexp.MustCompile(`\b(__import__\s*\(|exec\s*\(|eval\s*\(|compile\s*\(|importlib)\b`),
			Languages:   []string{"python"},
		},
		{
			ID:          "py_native_escape",
			Description: "Native interop can escape the interpreter and is not allowed",
			Regex:       regexp.MustCompile(`\b(ctypes|cffi|mmap\.mmap|signal\.signal)\b`),
			Languages:   []string{"python"},
		},
		{
			ID:          "lua_os_escape",
			Description: "Host OS access from Lua is not allowed",
			Regex:       regexp.MustCompile(`\b(os\.execute|os\.remove|os\.rename|io\.popen|io\.open|loadstring|load\s*\(|dofile|loadfile|package\.loadlib)\b`),
			Languages:   []string{"lua"},
		},
		{
			ID:          "sql_escape",
			Description: "Database escape constructs are not allowed",
			Regex:       regexp.MustCompile(`(?i)\b(ATTACH\s+DATABASE|load_extension|PRAGMA\s+(writable_schema|temp_store_directory)|readfile\s*\(|writefile\s*\()`),
			Languages:   []string{"sql"},
		},
		{
			ID:          "sensitive_path",
			Description: "Accessing sensitive host paths",
			Regex:       regexp.MustCompile(`/etc/(passwd|shadow|hosts)|/proc/self|\.ssh/|\.aws/credentials`),
		},
		{
			ID:          "reverse_shell",
			Description: "Potential reverse shell construct",
			Regex:       regexp.MustCompile(`(?i)(nc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|bash\s+-i\s+>&`),
		},
		{
			ID:          "metadata_service",
			Description: "Attempting to reach cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
		},
		{
			ID:          "obfuscated_payload",
			Description: "Obfuscated payload construction",
			Regex:       regexp.MustCompile(`(?i)(atob|btoa)\s*\(\s*["'][A-Za-z0-9+/=]{64,}|String\.fromCharCode\s*\((\s*\d+\s*,){8,}|\\x[0-9a-f]{2}(\\x[0-9a-f]{2}){16,}`),
		},
		{
			ID:          "crypto_miner",
			Description: "Potential cryptocurrency mining payload",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight|coinhive|hashrate)`),
		},
	}
}
