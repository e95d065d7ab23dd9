package sandbox

import (
	"testing"
	"time"
)

func TestResourceLimitsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ResourceLimits)
		wantErr bool
	}{
		{"defaults are valid", func(l *ResourceLimits) {}, false},
		{"timeout too short", func(l *ResourceLimits) { l.MaxExecutionTime = time.Millisecond }, true},
		{"timeout too long", func(l *ResourceLimits) { l.MaxExecutionTime = time.Hour }, true},
		{"memory too small", func(l *ResourceLimits) { l.MaxMemoryBytes = 100 }, true},
		{"memory too large", func(l *ResourceLimits) { l.MaxMemoryBytes = 8 << 30 }, true},
		{"zero concurrency", func(l *ResourceLimits) { l.MaxConcurrent = 0 }, true},
		{"negative network", func(l *ResourceLimits) { l.MaxNetworkRequests = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := DefaultLimits()
			tt.mutate(&l)
			err := l.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLimitsTableFallback(t *testing.T) {
	custom := ResourceLimits{
		MaxExecutionTime: time.Second,
		MaxMemoryBytes:   1 << 20,
		MaxConcurrent:    1,
	}
	table := NewLimitsTable(map[string]ResourceLimits{"lua": custom}, ResourceLimits{})

	if got := table.For("lua"); got != custom {
		t.Fatalf("explicit entry not returned: %+v", got)
	}
	if got := table.For("unknown"); got != DefaultLimits() {
		t.Fatalf("zero fallback should become DefaultLimits, got %+v", got)
	}
	if langs := table.Languages(); len(langs) != 1 || langs[0] != "lua" {
		t.Fatalf("Languages = %v", langs)
	}
}
