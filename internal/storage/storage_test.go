package storage

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTruncateForDB(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		maxLen int
		want   string
	}{
		{"under limit", "short", 10, "short"},
		{"at limit", "exact", 5, "exact"},
		{"over limit", "overflowing", 4, "over"},
		{"empty", "", 10, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncateForDB(tt.in, tt.maxLen); got != tt.want {
				t.Fatalf("truncateForDB(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
			}
		})
	}
}

// requireDatabase connects to the postgres instance named by
// TEST_DATABASE_DSN, skipping when none is configured.
func requireDatabase(t *testing.T) *DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set, skipping database test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("connecting to test database: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func TestExecutionRoundTrip(t *testing.T) {
	db := requireDatabase(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	exec := &Execution{
		ID:          uuid.New().String(),
		SessionID:   "storage-test",
		Language:    "javascript",
		CodeHash:    strings.Repeat("ab", 32),
		Success:     true,
		Output:      "42\n",
		DurationMS:  17,
		MemoryBytes: 1 << 20,
		Status:      "completed",
		RequestIP:   "127.0.0.1",
		CreatedAt:   now,
		CompletedAt: &now,
	}
	if err := db.LogExecution(ctx, exec); err != nil {
		t.Fatalf("LogExecution: %v", err)
	}

	got, err := db.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Language != "javascript" || got.Output != "42\n" || !got.Success {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	list, err := db.ListExecutions(ctx, ExecutionFilter{Session: "storage-test", Limit: 10})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	found := false
	for _, e := range list {
		if e.ID == exec.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("execution %s missing from session listing", exec.ID)
	}
}

func TestAuditWriterFlushDrainsBuffer(t *testing.T) {
	db := requireDatabase(t)
	ctx := context.Background()

	w := NewAuditWriter(db, 16)
	w.Start()

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = uuid.New().String()
		w.Log(AuditEntry{
			Execution: &Execution{
				ID:        ids[i],
				Language:  "lua",
				Status:    "completed",
				CreatedAt: time.Now(),
			},
			Violations: []ViolationRecord{
				{RuleID: "busy_loop", Severity: "low", Message: "tight loop"},
			},
		})
	}
	w.Flush(10 * time.Second)

	for _, id := range ids {
		if _, err := db.GetExecution(ctx, id); err != nil {
			t.Fatalf("buffered record %s never written: %v", id, err)
		}
	}
}
