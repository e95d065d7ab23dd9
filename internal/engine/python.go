package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// PythonEngine runs code under a throwaway CPython worker process.
// Isolation: the interpreter's -I isolated mode (no user site-packages,
// no PYTHONPATH), a scrubbed environment, and a temp working directory
// removed after the run. The process is this engine's own cleanup
// responsibility when a run is abandoned.
type PythonEngine struct {
	interpreter string
}

// NewPythonEngine locates the interpreter. Construction succeeds even
// when python3 is absent; Execute then reports an engine failure so the
// registry stays uniform across hosts.
func NewPythonEngine() *PythonEngine {
	path, err := exec.LookPath("python3")
	if err != nil {
		log.Warn().Msg("python3 not found in PATH, python executions will fail")
		return &PythonEngine{}
	}
	return &PythonEngine{interpreter: path}
}

// Available reports whether the interpreter was found.
func (e *PythonEngine) Available() bool { return e.interpreter != "" }

func (e *PythonEngine) Name() string { return "cpython-worker" }

func (e *PythonEngine) Languages() []string { return []string{"python"} }

func (e *PythonEngine) ValidateCode(code string) error {
	return validateSize(code)
}

func (e *PythonEngine) Execute(ctx context.Context, req Request) (*Result, error) {
	if e.interpreter == "" {
		return nil, fmt.Errorf("python interpreter not available on this host")
	}

	workDir, err := os.MkdirTemp("", "playground-py-*")
	if err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	codePath := filepath.Join(workDir, "main.py")
	if err := os.WriteFile(codePath, []byte(req.Code), 0600); err != nil {
		return nil, fmt.Errorf("writing code: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.interpreter, "-u", "-B", "-I", codePath)
	cmd.Dir = workDir
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + workDir,
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// The user's code failed; surface the interpreter's own
			// diagnostics as the error text.
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = fmt.Sprintf("python exited with code %d", exitErr.ExitCode())
			}
			return &Result{Output: stdout.String(), Error: msg}, nil
		}
		return nil, fmt.Errorf("running python: %w", runErr)
	}

	res := &Result{Output: stdout.String()}
	if warn := strings.TrimSpace(stderr.String()); warn != "" {
		res.Metadata = map[string]any{"stderr": warn}
	}
	return res, nil
}
