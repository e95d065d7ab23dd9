package sandbox

import (
	"fmt"
	"time"
)

// ResourceLimits is the static per-language resource configuration.
// Read-only at runtime; looked up by language key with a default fallback.
type ResourceLimits struct {
	MaxExecutionTime   time.Duration `yaml:"max_execution_time" json:"max_execution_time"`
	MaxMemoryBytes     int64         `yaml:"max_memory_bytes" json:"max_memory_bytes"`
	MaxNetworkRequests int           `yaml:"max_network_requests" json:"max_network_requests"`
	MaxStorageBytes    int64         `yaml:"max_storage_bytes" json:"max_storage_bytes"`
	MaxConcurrent      int           `yaml:"max_concurrent" json:"max_concurrent"`
}

// DefaultLimits is the fallback for languages without an explicit entry.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxExecutionTime:   10 * time.Second,
		MaxMemoryBytes:     128 << 20, // 128MB
		MaxNetworkRequests: 0,
		MaxStorageBytes:    10 << 20, // 10MB
		MaxConcurrent:      10,
	}
}

func (rl ResourceLimits) Validate() error {
	if rl.MaxExecutionTime < 50*time.Millisecond || rl.MaxExecutionTime > 5*time.Minute {
		return fmt.Errorf("%w: max_execution_time must be 50ms-5m, got %s", ErrInvalidRequest, rl.MaxExecutionTime)
	}
	if rl.MaxMemoryBytes < 1<<20 || rl.MaxMemoryBytes > 2<<30 {
		return fmt.Errorf("%w: max_memory_bytes must be 1MB-2GB, got %d", ErrInvalidRequest, rl.MaxMemoryBytes)
	}
	if rl.MaxConcurrent < 1 || rl.MaxConcurrent > 1000 {
		return fmt.Errorf("%w: max_concurrent must be 1-1000, got %d", ErrInvalidRequest, rl.MaxConcurrent)
	}
	if rl.MaxNetworkRequests < 0 {
		return fmt.Errorf("%w: max_network_requests must be >= 0", ErrInvalidRequest)
	}
	if rl.MaxStorageBytes < 0 {
		return fmt.Errorf("%w: max_storage_bytes must be >= 0", ErrInvalidRequest)
	}
	return nil
}

// LimitsTable holds the per-language limits. Immutable after construction.
type LimitsTable struct {
	byLanguage map[string]ResourceLimits
	fallback   ResourceLimits
}

// NewLimitsTable builds the lookup table. A zero-valued fallback is
// replaced with DefaultLimits.
func NewLimitsTable(perLanguage map[string]ResourceLimits, fallback ResourceLimits) *LimitsTable {
	if fallback == (ResourceLimits{}) {
		fallback = DefaultLimits()
	}
	byLang := make(map[string]ResourceLimits, len(perLanguage))
	for lang, l := range perLanguage {
		byLang[lang] = l
	}
	return &LimitsTable{byLanguage: byLang, fallback: fallback}
}

// For returns the limits for a language, falling back to the default.
func (t *LimitsTable) For(language string) ResourceLimits {
	if l, ok := t.byLanguage[language]; ok {
		return l
	}
	return t.fallback
}

// Languages returns the languages with explicit entries.
func (t *LimitsTable) Languages() []string {
	langs := make([]string, 0, len(t.byLanguage))
	for lang := range t.byLanguage {
		langs = append(langs, lang)
	}
	return langs
}
