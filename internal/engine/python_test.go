package engine

import (
	"context"
	"strings"
	"testing"
	"time"
)

func requirePython(t *testing.T) *PythonEngine {
	t.Helper()
	e := NewPythonEngine()
	if !e.Available() {
		t.Skip("python3 not installed, skipping")
	}
	return e
}

func TestPythonStdout(t *testing.T) {
	e := requirePython(t)

	res, err := e.Execute(context.Background(), Request{
		Code: `print(sum(range(10)))`, Language: "python",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != "" {
		t.Fatalf("unexpected user error: %q", res.Error)
	}
	if strings.TrimSpace(res.Output) != "45" {
		t.Fatalf("output = %q", res.Output)
	}
}

func TestPythonTracebackIsUserError(t *testing.T) {
	e := requirePython(t)

	res, err := e.Execute(context.Background(), Request{
		Code: "print('before')\nraise ValueError('boom')", Language: "python",
	})
	if err != nil {
		t.Fatalf("user error must settle as a result: %v", err)
	}
	if !strings.Contains(res.Error, "ValueError") {
		t.Fatalf("error = %q, want traceback text", res.Error)
	}
	if !strings.Contains(res.Output, "before") {
		t.Fatal("output before the failure must be kept")
	}
}

func TestPythonCancellationKillsWorker(t *testing.T) {
	e := requirePython(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Execute(ctx, Request{
		Code: "while True:\n    pass", Language: "python",
	})
	if err == nil {
		t.Fatal("cancelled run must return an error")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("worker survived cancellation for %s", elapsed)
	}
}

func TestPythonEnvironmentIsScrubbed(t *testing.T) {
	e := requirePython(t)

	res, err := e.Execute(context.Background(), Request{
		Code: "import os\nprint(sorted(k for k in os.environ if k not in ('PATH','HOME','LANG','PYTHONDONTWRITEBYTECODE','LC_CTYPE')))",
		Language: "python",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != "" {
		t.Fatalf("probe failed: %q", res.Error)
	}
	if strings.TrimSpace(res.Output) != "[]" {
		t.Fatalf("host environment leaked into the worker: %q", res.Output)
	}
}

func TestPythonUnavailableInterpreter(t *testing.T) {
	e := &PythonEngine{}
	if e.Available() {
		t.Fatal("empty engine must report unavailable")
	}
	if _, err := e.Execute(context.Background(), Request{Code: `print(1)`, Language: "python"}); err == nil {
		t.Fatal("execution without an interpreter must fail")
	}
}
