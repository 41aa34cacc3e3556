package sandbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/isdmx/runbox/runtime"
)

// ErrorKind classifies a failed execution. Exactly one kind is set on
// a failure result; a success result carries none.
type ErrorKind string

const (
	// KindSyntax means the code failed structural validation; no
	// isolated environment was created.
	KindSyntax ErrorKind = "SyntaxError"
	// KindRuntime means the code executed but exited non-zero for a
	// reason other than a timeout or a resource kill.
	KindRuntime ErrorKind = "RuntimeError"
	// KindTimeout means the deadline elapsed before natural
	// completion and the environment was forcibly terminated.
	KindTimeout ErrorKind = "TimeoutError"
	// KindResourceLimit means the isolation runtime terminated the
	// environment for exceeding its memory or CPU quota.
	KindResourceLimit ErrorKind = "ResourceLimitExceeded"
	// KindCancelled means the caller aborted the request before
	// completion.
	KindCancelled ErrorKind = "CancelledError"
	// KindIsolationFailure means the isolation runtime itself failed
	// to create, start, or tear down an environment. This indicates a
	// host or runtime health issue, not bad input.
	KindIsolationFailure ErrorKind = "IsolationFailureError"
	// KindInternal means an unexpected fault in the engine itself.
	KindInternal ErrorKind = "InternalError"
)

// Infrastructure reports whether the kind indicates a host-side fault
// rather than a code-attributable outcome.
func (k ErrorKind) Infrastructure() bool {
	return k == KindIsolationFailure || k == KindInternal
}

// ErrTooManyRequests is returned by Tool.Execute when the configured
// ceiling of concurrent environments is reached. The request was
// rejected before any validation or environment creation.
var ErrTooManyRequests = errors.New("too many concurrent executions")

// ExecutionRequest carries one snippet of untrusted code together with
// its resource envelope. Zero-valued fields are filled with the
// tool's configured defaults before validation.
type ExecutionRequest struct {
	Code          string
	Timeout       time.Duration
	MemoryLimitMB int
	CPUFraction   float64
	Isolated      bool
}

// Validate rejects out-of-range resource fields at the boundary.
func (r ExecutionRequest) Validate() error {
	if r.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", r.Timeout)
	}
	if r.MemoryLimitMB <= 0 {
		return fmt.Errorf("memory limit must be positive, got %d", r.MemoryLimitMB)
	}
	if r.CPUFraction <= 0 || r.CPUFraction > 1.0 {
		return fmt.Errorf("cpu fraction must be in (0.0, 1.0], got %g", r.CPUFraction)
	}
	return nil
}

// ResourceUsage summarizes resource consumption observed while the
// code ran. Present only when monitoring was enabled and at least one
// sample succeeded.
type ResourceUsage struct {
	PeakMemoryMB  float64
	AvgCPUPercent float64
}

// ExecutionResult is the single outcome of one request. It is
// complete on every path: either Success with Output, or a failure
// with exactly one ErrorKind and a message.
type ExecutionResult struct {
	Success      bool
	Output       string
	ErrorKind    ErrorKind
	ErrorMessage string
	Elapsed      time.Duration
	Usage        *ResourceUsage
}

func failure(kind ErrorKind, message string, elapsed time.Duration) ExecutionResult {
	return ExecutionResult{
		Success:      false,
		ErrorKind:    kind,
		ErrorMessage: message,
		Elapsed:      elapsed,
	}
}

// State tracks one environment through its lifecycle.
type State string

const (
	StateCreated          State = "created"
	StateStarting         State = "starting"
	StateRunning          State = "running"
	StateCompleted        State = "completed"
	StateTimedOut         State = "timed_out"
	StateResourceExceeded State = "resource_exceeded"
	StateCrashed          State = "crashed"
	StateTerminated       State = "terminated"
)

// Sandbox is one isolated environment bound to exactly one request.
// It is owned exclusively by the Manager call that created it and is
// torn down before that call returns.
type Sandbox struct {
	ID        runtime.Handle
	State     State
	Limits    runtime.Limits
	CreatedAt time.Time
}
