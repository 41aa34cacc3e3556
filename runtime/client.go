package runtime

import (
	"context"
)

// Handle identifies one isolated environment for the lifetime of a
// single execution. Handles are never reused across requests.
type Handle string

// Limits holds the resource constraints applied to an environment,
// already translated to the quota/period mechanism container engines
// expose. MemoryMB is a hard ceiling; exceeding it results in an
// out-of-memory kill reported through WaitStatus.OOMKilled.
type Limits struct {
	MemoryMB        int
	CPUQuotaMicros  int64
	CPUPeriodMicros int64
}

// Spec describes the environment to create. The command carries the
// injected code payload; NetworkDisabled must be set before the
// environment is started so no network path is briefly available.
type Spec struct {
	Image           string
	Command         []string
	Limits          Limits
	NetworkDisabled bool
}

// WaitStatus is the terminal status of an environment's main process.
type WaitStatus struct {
	ExitCode  int
	OOMKilled bool
}

// Stats is a point-in-time resource usage sample.
type Stats struct {
	CPUPercent float64
	MemoryMB   float64
}

// Client is the contract the execution engine requires from an
// isolation runtime. Implementations must be safe for concurrent use;
// every method honors the context's deadline so a hung engine call
// cannot stall the caller.
type Client interface {
	// Create allocates an environment without starting it and returns
	// its handle. Limits and network isolation from the spec are in
	// force before Start.
	Create(ctx context.Context, spec Spec) (Handle, error)

	// Start begins execution of the environment's command.
	Start(ctx context.Context, h Handle) error

	// Wait blocks until the environment's main process exits or the
	// context is done. On context expiry it returns the context error.
	Wait(ctx context.Context, h Handle) (WaitStatus, error)

	// Logs returns the captured stdout and stderr of the environment.
	Logs(ctx context.Context, h Handle) (stdout, stderr string, err error)

	// Kill forcibly terminates the environment's process.
	Kill(ctx context.Context, h Handle) error

	// Remove deletes the environment and releases its resources. It
	// succeeds even if the environment is still running.
	Remove(ctx context.Context, h Handle) error

	// Stats samples current resource usage of a running environment.
	Stats(ctx context.Context, h Handle) (Stats, error)

	// Update adjusts the limits of a live environment without
	// recreating it.
	Update(ctx context.Context, h Handle, limits Limits) error
}
