package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/runtime"
)

// Engine executes code directly as a host subprocess, without an
// isolated environment. It exists for trusted or latency-sensitive
// callers; untrusted code belongs in the Manager.
type Engine struct {
	logger      *zap.Logger
	runner      runtime.CommandRunner
	interpreter string
}

// EngineOption defines a functional option for Engine
type EngineOption func(*Engine)

// WithEngineCommandRunner sets the CommandRunner for Engine
func WithEngineCommandRunner(runner runtime.CommandRunner) EngineOption {
	return func(e *Engine) {
		e.runner = runner
	}
}

// NewEngine creates an Engine running code with the given interpreter
// binary
func NewEngine(logger *zap.Logger, interpreter string, opts ...EngineOption) *Engine {
	engine := &Engine{
		logger:      logger,
		runner:      &runtime.RealCommandRunner{},
		interpreter: interpreter,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Run executes one request as a direct subprocess bounded by the
// request's timeout.
func (e *Engine) Run(ctx context.Context, req ExecutionRequest) ExecutionResult {
	start := time.Now()

	if err := req.Validate(); err != nil {
		return failure(KindInternal, "invalid request reached engine: "+err.Error(), time.Since(start))
	}

	runCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	stdout, stderr, exitCode, err := e.runner.RunCommand(runCtx, []string{e.interpreter, "-c", req.Code})

	if runCtx.Err() != nil {
		// The process was force-killed by the context; classify like
		// the manager's forced-termination path.
		if errors.Is(runCtx.Err(), context.Canceled) {
			return failure(KindCancelled, "execution cancelled by caller", time.Since(start))
		}
		return failure(KindTimeout,
			fmt.Sprintf("execution timed out after %s", req.Timeout),
			time.Since(start))
	}
	if err != nil {
		e.logger.Error("direct execution failed", zap.Error(err))
		return failure(KindInternal, "failed to execute process: "+err.Error(), time.Since(start))
	}

	if exitCode != 0 {
		message := strings.TrimSpace(stderr)
		if message == "" {
			message = fmt.Sprintf("process exited with status %d", exitCode)
		}
		result := failure(KindRuntime, message, time.Since(start))
		result.Output = stdout
		return result
	}

	return ExecutionResult{
		Success: true,
		Output:  stdout,
		Elapsed: time.Since(start),
	}
}
