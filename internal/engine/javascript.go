package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// JavaScriptEngine runs code in an embedded goja interpreter. Isolation
// comes from the interpreter itself: a fresh VM per run whose global
// scope contains only the console and render shims. No require, no
// process, no host filesystem or network bindings exist to reach for.
type JavaScriptEngine struct {
	maxBufferBytes int
}

func NewJavaScriptEngine() *JavaScriptEngine {
	return &JavaScriptEngine{maxBufferBytes: 1 << 20}
}

func (e *JavaScriptEngine) Name() string { return "goja" }

func (e *JavaScriptEngine) Languages() []string { return []string{"javascript"} }

func (e *JavaScriptEngine) ValidateCode(code string) error {
	if err := validateSize(code); err != nil {
		return err
	}
	if _, err := goja.Compile("playground", code, false); err != nil {
		return fmt.Errorf("syntax error: %w", err)
	}
	return nil
}

func (e *JavaScriptEngine) Execute(ctx context.Context, req Request) (*Result, error) {
	vm := goja.New()

	var output cappedBuffer
	output.limit = e.maxBufferBytes
	var visual cappedBuffer
	visual.limit = e.maxBufferBytes

	writeLine := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		output.WriteString(strings.Join(parts, " ") + "\n")
		return goja.Undefined()
	}

	console := vm.NewObject()
	for _, method := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(method, writeLine); err != nil {
			return nil, fmt.Errorf("installing console.%s: %w", method, err)
		}
	}
	if err := vm.Set("console", console); err != nil {
		return nil, fmt.Errorf("installing console: %w", err)
	}

	// render() collects markup for the result's visual output channel,
	// mirroring the playground's drawing surface.
	if err := vm.Set("render", func(call goja.FunctionCall) goja.Value {
		visual.WriteString(call.Argument(0).String())
		return goja.Undefined()
	}); err != nil {
		return nil, fmt.Errorf("installing render: %w", err)
	}

	// Cooperative cancellation: the interrupt aborts the VM even inside a
	// tight loop, so an abandoned run does not spin forever.
	interruptDone := make(chan struct{})
	defer close(interruptDone)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-interruptDone:
		}
	}()

	value, err := vm.RunString(req.Code)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, context.Cause(ctx)
		}
		var exception *goja.Exception
		if errors.As(err, &exception) {
			return &Result{Output: output.String(), VisualOutput: visual.String(), Error: exception.Error()}, nil
		}
		return &Result{Output: output.String(), VisualOutput: visual.String(), Error: err.Error()}, nil
	}

	out := output.String()
	if out == "" && value != nil && !goja.IsUndefined(value) && !goja.IsNull(value) {
		out = value.String()
	}

	return &Result{Output: out, VisualOutput: visual.String()}, nil
}

// cappedBuffer stops appending past its limit so user output cannot grow
// the host heap unbounded before the executor-level truncation runs.
type cappedBuffer struct {
	b     strings.Builder
	limit int
}

func (c *cappedBuffer) WriteString(s string) {
	if c.b.Len() >= c.limit {
		return
	}
	if c.b.Len()+len(s) > c.limit {
		s = s[:c.limit-c.b.Len()]
	}
	c.b.WriteString(s)
}

func (c *cappedBuffer) String() string { return c.b.String() }
