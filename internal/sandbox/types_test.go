package sandbox

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestTruncateOutput(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		max      int
		wantSame bool
	}{
		{"under limit", "short", 100, true},
		{"exactly at limit", "12345", 5, true},
		{"over limit", strings.Repeat("x", 20), 5, false},
		{"zero limit disables", strings.Repeat("x", 20), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateOutput(tt.input, tt.max)
			if tt.wantSame {
				if got != tt.input {
					t.Fatalf("expected untouched output, got %q", got)
				}
				return
			}
			if !strings.HasSuffix(got, TruncationMarker) {
				t.Fatalf("truncated output must end with marker, got %q", got)
			}
			if got[:tt.max] != tt.input[:tt.max] {
				t.Fatal("truncation must keep the leading bytes intact")
			}
		})
	}
}

func TestTruncateOutputKeepsRuneBoundaries(t *testing.T) {
	tests := []struct {
		name  string
		input string
		max   int
	}{
		{"cut inside two-byte rune", strings.Repeat("é", 10), 5},
		{"cut inside three-byte rune", strings.Repeat("日", 10), 8},
		{"cut inside four-byte rune", strings.Repeat("🙂", 10), 6},
		{"cut on boundary", strings.Repeat("é", 10), 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateOutput(tt.input, tt.max)
			if !strings.HasSuffix(got, TruncationMarker) {
				t.Fatalf("truncated output must end with marker, got %q", got)
			}
			kept := strings.TrimSuffix(got, TruncationMarker)
			if !utf8.ValidString(kept) {
				t.Fatalf("truncation produced invalid UTF-8: %q", kept)
			}
			if len(kept) > tt.max {
				t.Fatalf("kept %d bytes, ceiling is %d", len(kept), tt.max)
			}
			if !strings.HasPrefix(tt.input, kept) {
				t.Fatalf("kept bytes %q are not a prefix of the input", kept)
			}
		})
	}
}

func TestMergeMetadataNeverOverwrites(t *testing.T) {
	dst := map[string]any{"stage": "detector", "count": 1}
	mergeMetadata(dst, map[string]any{"stage": "engine", "extra": true})

	if dst["stage"] != "detector" {
		t.Fatalf("earlier stage's value was overwritten: %v", dst["stage"])
	}
	if dst["extra"] != true {
		t.Fatal("new keys must be merged in")
	}
	if len(dst) != 3 {
		t.Fatalf("metadata size = %d, want 3", len(dst))
	}
}

func TestExecutionMetricsClone(t *testing.T) {
	orig := &ExecutionMetrics{
		ID:         "x",
		Violations: []string{"one"},
		StartTime:  time.Now(),
	}
	clone := orig.Clone()
	clone.Violations = append(clone.Violations, "two")
	clone.Violations[0] = "mutated"

	if len(orig.Violations) != 1 || orig.Violations[0] != "one" {
		t.Fatal("mutating a clone must not affect the original")
	}
}
