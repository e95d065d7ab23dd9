package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"playground-sandbox/internal/engine"
)

// RunFunc is the engine invocation the controller races against its timer.
type RunFunc func(ctx context.Context) (*engine.Result, error)

// RunOptions controls one controlled run.
type RunOptions struct {
	Timeout   time.Duration
	OnTimeout func()
	OnCancel  func()
}

type execHandle struct {
	language   string
	cancelOnce sync.Once
	cancelCh   chan struct{}
}

func (h *execHandle) signalCancel() {
	h.cancelOnce.Do(func() { close(h.cancelCh) })
}

// ExecutionController owns the mapping from execution id to cancellation
// handle and orchestrates the actual engine invocation. Cancellation is
// cooperative: the context is cancelled and the eventual result, if any,
// is discarded.
type ExecutionController struct {
	mu      sync.Mutex
	handles map[string]*execHandle
}

func NewExecutionController() *ExecutionController {
	return &ExecutionController{handles: make(map[string]*execHandle)}
}

// QueueStatus is introspection over in-flight executions.
type QueueStatus struct {
	Active     int            `json:"active"`
	ByLanguage map[string]int `json:"by_language"`
}

// Run races fn against a timer of opts.Timeout. First settlement wins;
// a late engine result is drained and dropped so no outcome is ever
// reported twice.
func (c *ExecutionController) Run(ctx context.Context, id, language string, fn RunFunc, opts RunOptions) (*engine.Result, error) {
	handle := &execHandle{language: language, cancelCh: make(chan struct{})}

	c.mu.Lock()
	c.handles[id] = handle
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.handles, id)
		c.mu.Unlock()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		res *engine.Result
		err error
	}
	resultCh := make(chan outcome, 1) // buffered: abandoned runs must not leak their goroutine

	go func() {
		// An engine panic must surface as an outcome, never crash the process.
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Str("exec_id", id).Str("language", language).
					Interface("panic", rec).Msg("engine panicked")
				resultCh <- outcome{nil, fmt.Errorf("engine panic: %v", rec)}
			}
		}()
		res, err := fn(runCtx)
		resultCh <- outcome{res, err}
	}()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	select {
	case out := <-resultCh:
		return out.res, out.err

	case <-timer.C:
		// Natural completion wins a same-tick race only if it was already
		// queued when the timer fired.
		select {
		case out := <-resultCh:
			return out.res, out.err
		default:
		}
		cancel()
		if opts.OnTimeout != nil {
			opts.OnTimeout()
		}
		log.Warn().Str("exec_id", id).Str("language", language).Dur("timeout", opts.Timeout).
			Msg("engine run abandoned after timeout")
		return nil, ErrTimeout

	case <-handle.cancelCh:
		cancel()
		if opts.OnCancel != nil {
			opts.OnCancel()
		}
		return nil, ErrCancelled

	case <-ctx.Done():
		cancel()
		if opts.OnCancel != nil {
			opts.OnCancel()
		}
		return nil, ErrCancelled
	}
}

// Cancel signals cancellation for an in-flight execution. Returns false
// if the id is not currently tracked.
func (c *ExecutionController) Cancel(id string) bool {
	c.mu.Lock()
	handle, ok := c.handles[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	handle.signalCancel()
	return true
}

// CancelByLanguage bulk-cancels every in-flight execution for a language
// and returns the number actually cancelled. Used for language-wide
// shutdown such as hot-swapping an engine.
func (c *ExecutionController) CancelByLanguage(language string) int {
	c.mu.Lock()
	var targets []*execHandle
	for _, h := range c.handles {
		if h.language == language {
			targets = append(targets, h)
		}
	}
	c.mu.Unlock()

	for _, h := range targets {
		h.signalCancel()
	}
	return len(targets)
}

// ActiveCount returns the number of runs currently under control.
func (c *ExecutionController) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Queue returns a per-language view of in-flight runs.
func (c *ExecutionController) Queue() QueueStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := QueueStatus{
		Active:     len(c.handles),
		ByLanguage: make(map[string]int),
	}
	for _, h := range c.handles {
		status.ByLanguage[h.language]++
	}
	return status
}
