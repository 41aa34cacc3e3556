package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/isdmx/runbox/metrics"
)

// Defaults carries the resource envelope applied to requests that
// leave fields unset.
type Defaults struct {
	Timeout       time.Duration
	MemoryLimitMB int
	CPUFraction   float64
	Isolated      bool
}

// IsolatedRunner executes requests inside isolated environments.
// *Manager implements it.
type IsolatedRunner interface {
	Run(ctx context.Context, req ExecutionRequest) ExecutionResult
	UpdateLiveLimits(ctx context.Context, memoryMB int, cpuFraction float64) error
}

// DirectRunner executes requests as host subprocesses. *Engine
// implements it.
type DirectRunner interface {
	Run(ctx context.Context, req ExecutionRequest) ExecutionResult
}

// ToolConfig configures the execution facade.
type ToolConfig struct {
	Defaults      Defaults
	MaxCodeBytes  int
	MaxConcurrent int
}

// Tool is the single entry point for code execution. It validates
// code before any environment exists, enforces a concurrency ceiling,
// dispatches to the isolated or direct path, and records metrics for
// every finished execution.
type Tool struct {
	logger       *zap.Logger
	validator    Validator
	isolated     IsolatedRunner
	direct       DirectRunner
	maxCodeBytes int
	sem          *semaphore.Weighted

	mu       sync.Mutex
	defaults Defaults
}

// NewTool creates the execution facade
func NewTool(logger *zap.Logger, cfg ToolConfig, validator Validator, isolated IsolatedRunner, direct DirectRunner) *Tool {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Tool{
		logger:       logger,
		validator:    validator,
		isolated:     isolated,
		direct:       direct,
		maxCodeBytes: cfg.MaxCodeBytes,
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		defaults:     cfg.Defaults,
	}
}

// Execute runs one request through the full pipeline. A non-nil error
// means the request was rejected at the boundary before any execution
// began: invalid resource fields, or ErrTooManyRequests under
// backpressure. Every other outcome, including failures inside the
// environment, is reported through the result.
func (t *Tool) Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	req = t.applyDefaults(req)

	if err := req.Validate(); err != nil {
		return ExecutionResult{}, fmt.Errorf("invalid request: %w", err)
	}

	if t.maxCodeBytes > 0 && len(req.Code) > t.maxCodeBytes {
		result := failure(KindSyntax,
			fmt.Sprintf("code size %d exceeds maximum of %d bytes", len(req.Code), t.maxCodeBytes), 0)
		t.observe(result, false)
		return result, nil
	}

	if issue := t.validator.Validate(req.Code); issue != nil {
		result := failure(KindSyntax, issue.Error(), 0)
		t.observe(result, false)
		return result, nil
	}

	if !t.sem.TryAcquire(1) {
		metrics.RejectionsTotal.Inc()
		t.logger.Warn("execution rejected at concurrency ceiling")
		return ExecutionResult{}, ErrTooManyRequests
	}
	defer t.sem.Release(1)

	var result ExecutionResult
	if req.Isolated {
		result = t.isolated.Run(ctx, req)
	} else {
		result = t.direct.Run(ctx, req)
	}
	t.observe(result, true)
	return result, nil
}

// UpdateLimits changes the default resource envelope for future
// requests and, best-effort, applies the new envelope to environments
// already running.
func (t *Tool) UpdateLimits(ctx context.Context, memoryMB int, cpuFraction float64) error {
	if memoryMB <= 0 {
		return fmt.Errorf("memory limit must be positive, got %d", memoryMB)
	}
	if cpuFraction <= 0 || cpuFraction > 1.0 {
		return fmt.Errorf("cpu fraction must be in (0.0, 1.0], got %g", cpuFraction)
	}

	t.mu.Lock()
	t.defaults.MemoryLimitMB = memoryMB
	t.defaults.CPUFraction = cpuFraction
	t.mu.Unlock()

	if err := t.isolated.UpdateLiveLimits(ctx, memoryMB, cpuFraction); err != nil {
		t.logger.Warn("live limit update incomplete", zap.Error(err))
	}
	return nil
}

// Defaults returns the current default resource envelope
func (t *Tool) Defaults() Defaults {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.defaults
}

func (t *Tool) applyDefaults(req ExecutionRequest) ExecutionRequest {
	defaults := t.Defaults()
	if req.Timeout == 0 {
		req.Timeout = defaults.Timeout
	}
	if req.MemoryLimitMB == 0 {
		req.MemoryLimitMB = defaults.MemoryLimitMB
	}
	if req.CPUFraction == 0 {
		req.CPUFraction = defaults.CPUFraction
	}
	return req
}

// observe records the outcome counter for every finished request.
// Duration is observed only for requests that actually ran, so
// validation rejections don't skew the latency histogram toward zero.
func (t *Tool) observe(result ExecutionResult, ran bool) {
	outcome := "success"
	if !result.Success {
		outcome = string(result.ErrorKind)
	}
	metrics.ExecutionsTotal.WithLabelValues(
		outcome,
		strconv.FormatBool(result.ErrorKind.Infrastructure()),
	).Inc()
	if ran {
		metrics.ExecutionDuration.Observe(result.Elapsed.Seconds())
	}
}
