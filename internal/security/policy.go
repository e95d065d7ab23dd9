package security

import (
	"fmt"
	"regexp"

	"github.com/rs/zerolog/log"
)

// Rule is one declarative policy entry. Rules are configuration: loaded
// once at process start and immutable for the process lifetime, so the
// rule set can be swapped without touching the orchestrator.
type Rule struct {
	ID       string
	Language string // empty applies to every language
	Severity Severity
	Message  string
	Regex    *regexp.Regexp
}

// RuleConfig is the externally supplied form of a Rule.
type RuleConfig struct {
	ID       string `yaml:"id" json:"id"`
	Language string `yaml:"language,omitempty" json:"language,omitempty"`
	Severity string `yaml:"severity" json:"severity"`
	Message  string `yaml:"message" json:"message"`
	Pattern  string `yaml:"pattern" json:"pattern"`
}

// PolicyManager checks source text against the per-language rule set.
// Critical findings are a hard gate; lower severities are advisory and
// only surface in result metadata.
type PolicyManager struct {
	rules []Rule
}

// NewPolicyManager compiles the configured rules. Rules with invalid
// patterns are rejected so a broken policy never loads half-applied.
func NewPolicyManager(configs []RuleConfig) (*PolicyManager, error) {
	if len(configs) == 0 {
		configs = DefaultRules()
	}

	rules := make([]Rule, 0, len(configs))
	for _, rc := range configs {
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("policy rule %q: invalid pattern: %w", rc.ID, err)
		}
		rules = append(rules, Rule{
			ID:       rc.ID,
			Language: rc.Language,
			Severity: ParseSeverity(rc.Severity),
			Message:  rc.Message,
			Regex:    re,
		})
	}

	log.Info().Int("rules", len(rules)).Msg("security policy loaded")
	return &PolicyManager{rules: rules}, nil
}

// Validate returns every rule violation found in the code for the given
// language, in rule order.
func (p *PolicyManager) Validate(code, language string) []Violation {
	var violations []Violation
	for _, r := range p.rules {
		if r.Language != "" && r.Language != language {
			continue
		}
		if r.Regex.MatchString(code) {
			violations = append(violations, Violation{
				Severity: r.Severity,
				Message:  r.Message,
				RuleID:   r.ID,
			})
		}
	}
	return violations
}

// FirstCritical returns the first critical violation, or nil.
func FirstCritical(violations []Violation) *Violation {
	for i := range violations {
		if violations[i].Severity == SeverityCritical {
			return &violations[i]
		}
	}
	return nil
}

// Messages flattens violations to their message strings.
func Messages(violations []Violation) []string {
	out := make([]string, len(violations))
	for i, v := range violations {
		out[i] = fmt.Sprintf("[%s] %s: %s", v.Severity, v.RuleID, v.Message)
	}
	return out
}

// DefaultRules is the built-in policy used when configuration supplies
// none. Loop heuristics are deliberately advisory: tight loops are cut
// off by the timeout, not refused up front.
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{
			ID:       "js_raw_socket",
			Language: "javascript",
			Severity: "critical",
			Message:  "raw socket APIs are not allowed",
			Pattern:  `\bnet\.Socket\b|\bdgram\.createSocket\b`,
		},
		{
			ID:       "js_worker_spawn",
			Language: "javascript",
			Severity: "high",
			Message:  "spawning workers from sandboxed code",
			Pattern:  `new\s+Worker\s*\(|new\s+SharedWorker\s*\(`,
		},
		{
			ID:       "py_file_write",
			Language: "python",
			Severity: "critical",
			Message:  "arbitrary file writes are not allowed",
			Pattern:  `open\s*\(\s*[^,)]+,\s*["'][wax]`,
		},
		{
			ID:       "py_network",
			Language: "python",
			Severity: "critical",
			Message:  "network access is not allowed",
			Pattern:  `\b(socket\.socket|urllib\.request|http\.client|requests\.)`,
		},
		{
			ID:       "sql_destructive",
			Language: "sql",
			Severity: "medium",
			Message:  "destructive statement against the scratch database",
			Pattern:  `(?i)\b(DROP\s+TABLE|DELETE\s+FROM|TRUNCATE)\b`,
		},
		{
			ID:       "busy_loop",
			Severity: "low",
			Message:  "construct prone to infinite looping; execution will be cut off at the timeout",
			Pattern:  `while\s*\(\s*(true|1)\s*\)|for\s*\(\s*;\s*;\s*\)|while\s+True\s*:`,
		},
		{
			ID:       "deep_recursion",
			Severity: "low",
			Message:  "unbounded recursion may exhaust the stack",
			Pattern:  `function\s+(\w+)[^{]*\{[^}]*\b\1\s*\(`,
		},
		{
			ID:       "large_allocation",
			Severity: "medium",
			Message:  "very large allocation requested",
			Pattern:  `new\s+Array\s*\(\s*\d{8,}\s*\)|['"]\s*\.\s*repeat\s*\(\s*\d{7,}\s*\)|range\s*\(\s*\d{9,}\s*\)`,
		},
	}
}
