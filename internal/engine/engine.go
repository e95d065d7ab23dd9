// Package engine holds the pluggable per-language runners. Each engine
// is responsible for its own isolation technique (restricted interpreter
// globals, an embedded VM with capability stripping, or a throwaway
// in-memory database); the orchestrator only cares that Execute returns
// within its context or is abandoned.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Request is the engine-level execution input, produced by the executor
// after option merging.
type Request struct {
	Code             string
	Language         string
	Timeout          time.Duration
	MemoryLimitBytes int64
	Packages         []string
}

// Result is what an engine produced. A non-empty Error means the user's
// code itself failed (syntax error, runtime exception); that is a normal
// outcome, not an engine failure.
type Result struct {
	Output       string
	VisualOutput string
	Error        string
	Metadata     map[string]any
}

// Engine executes code for one or more languages.
type Engine interface {
	// Name returns the engine identifier (e.g. "goja", "lua-vm").
	Name() string

	// Languages returns the languages this engine claims support for.
	Languages() []string

	// Execute runs the code. It must observe ctx cancellation; an engine
	// that ignores it simply has its result discarded by the controller.
	Execute(ctx context.Context, req Request) (*Result, error)

	// ValidateCode is a best-effort syntactic pre-check, not a full parse.
	ValidateCode(code string) error
}

// Registry maps languages to their engines. Populated at startup and
// immutable afterwards.
type Registry struct {
	byLanguage map[string]Engine
}

func NewRegistry() *Registry {
	return &Registry{byLanguage: make(map[string]Engine)}
}

// Register adds an engine under every language it claims.
func (r *Registry) Register(e Engine) {
	for _, lang := range e.Languages() {
		r.byLanguage[lang] = e
	}
}

// Resolve returns the engine for a language. A miss, or an engine that
// does not actually list the language, fails loudly rather than letting
// execution proceed against a half-configured runner.
func (r *Registry) Resolve(language string) (Engine, error) {
	e, ok := r.byLanguage[language]
	if !ok {
		return nil, fmt.Errorf("no engine registered for language %q (supported: %v)", language, r.Languages())
	}
	for _, lang := range e.Languages() {
		if lang == language {
			return e, nil
		}
	}
	return nil, fmt.Errorf("engine %q resolved for %q but does not support it", e.Name(), language)
}

// Languages returns all registered languages, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.byLanguage))
	for lang := range r.byLanguage {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

func validateSize(code string) error {
	if len(code) == 0 {
		return fmt.Errorf("empty code")
	}
	if len(code) > 1<<20 {
		return fmt.Errorf("code too large: %d bytes (max 1MB)", len(code))
	}
	return nil
}
