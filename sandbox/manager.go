package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/runtime"
)

// DefaultTeardownTimeout bounds environment removal so a wedged
// runtime cannot block an execution's return indefinitely.
const DefaultTeardownTimeout = 10 * time.Second

// Manager owns the full lifecycle of isolated environments. Each Run
// call creates exactly one environment, executes the request inside
// it, and guarantees teardown before returning, on every path
// including timeout, cancellation, panic-free error returns, and
// resource kills.
type Manager struct {
	client          runtime.Client
	limiter         *ResourceLimiter
	logger          *zap.Logger
	image           string
	interpreter     string
	monitorInterval time.Duration
	teardownTimeout time.Duration

	mu   sync.Mutex
	live map[runtime.Handle]struct{}
}

// ManagerOption defines a functional option for Manager
type ManagerOption func(*Manager)

// WithMonitorInterval enables periodic usage sampling of running
// environments. A zero or negative interval disables monitoring.
func WithMonitorInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.monitorInterval = d
	}
}

// WithTeardownTimeout overrides the bound on environment removal
func WithTeardownTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.teardownTimeout = d
	}
}

// NewManager creates a Manager running code in the given image with
// the given interpreter binary
func NewManager(client runtime.Client, limiter *ResourceLimiter, logger *zap.Logger, image, interpreter string, opts ...ManagerOption) *Manager {
	manager := &Manager{
		client:          client,
		limiter:         limiter,
		logger:          logger,
		image:           image,
		interpreter:     interpreter,
		teardownTimeout: DefaultTeardownTimeout,
		live:            make(map[runtime.Handle]struct{}),
	}
	for _, opt := range opts {
		opt(manager)
	}
	return manager
}

type waitOutcome struct {
	status runtime.WaitStatus
	err    error
}

// Run executes one request in a fresh isolated environment and tears
// the environment down before returning.
//
//nolint:funlen // Lifecycle states are clearer in one linear pass
func (m *Manager) Run(ctx context.Context, req ExecutionRequest) ExecutionResult {
	start := time.Now()

	if err := req.Validate(); err != nil {
		return failure(KindInternal, "invalid request reached manager: "+err.Error(), time.Since(start))
	}

	limits := m.limiter.Constraints(req.MemoryLimitMB, req.CPUFraction)
	sb := &Sandbox{
		State:     StateCreated,
		Limits:    limits,
		CreatedAt: start,
	}

	// Network isolation is part of the creation spec, not a later
	// mutation, so an environment is never reachable before Starting.
	handle, err := m.client.Create(ctx, runtime.Spec{
		Image:           m.image,
		Command:         []string{m.interpreter, "-c", req.Code},
		Limits:          limits,
		NetworkDisabled: true,
	})
	if err != nil {
		m.logger.Error("environment creation failed", zap.Error(err))
		return failure(KindIsolationFailure, "failed to create environment: "+err.Error(), time.Since(start))
	}
	sb.ID = handle
	metrics.SandboxesLive.Inc()

	// Guaranteed finalizer: registered before any operation that can
	// fail past this point.
	defer func() {
		if err := m.teardown(sb); err != nil {
			m.logger.Error("environment teardown failed",
				zap.String("handle", string(sb.ID)),
				zap.Error(err))
		}
		metrics.SandboxesLive.Dec()
	}()

	if err := m.limiter.ApplyLimits(ctx, handle, req.MemoryLimitMB, req.CPUFraction); err != nil {
		return failure(KindIsolationFailure, "failed to apply limits: "+err.Error(), time.Since(start))
	}

	sb.State = StateStarting
	if err := m.client.Start(ctx, handle); err != nil {
		m.logger.Error("environment start failed", zap.String("handle", string(handle)), zap.Error(err))
		return failure(KindIsolationFailure, "failed to start environment: "+err.Error(), time.Since(start))
	}
	sb.State = StateRunning
	m.remember(handle)

	waitCtx, cancelWait := context.WithTimeout(ctx, req.Timeout)
	defer cancelWait()

	monitorDone := make(chan struct{})
	var collector *usageCollector
	if m.monitorInterval > 0 {
		collector = &usageCollector{}
		go m.monitor(waitCtx, handle, collector, monitorDone)
	} else {
		close(monitorDone)
	}

	waitCh := make(chan waitOutcome, 1)
	go func() {
		status, waitErr := m.client.Wait(waitCtx, handle)
		waitCh <- waitOutcome{status: status, err: waitErr}
	}()

	var result ExecutionResult
	select {
	case out := <-waitCh:
		switch {
		case out.err != nil && waitCtx.Err() != nil:
			result = m.forceTerminate(waitCtx, sb, req, start)
		case out.err != nil:
			result = failure(KindIsolationFailure, "failed waiting for environment: "+out.err.Error(), time.Since(start))
		default:
			result = m.completionResult(sb, req, out.status, start)
		}
	case <-waitCtx.Done():
		result = m.forceTerminate(waitCtx, sb, req, start)
	}

	cancelWait()
	<-monitorDone
	result.Usage = collector.summary()

	m.logger.Info("execution finished",
		zap.String("handle", string(handle)),
		zap.String("state", string(sb.State)),
		zap.Bool("success", result.Success),
		zap.String("error_kind", string(result.ErrorKind)),
		zap.Bool("infrastructure_fault", result.ErrorKind.Infrastructure()),
		zap.Duration("elapsed", result.Elapsed))
	return result
}

// completionResult classifies a natural process exit.
func (m *Manager) completionResult(sb *Sandbox, req ExecutionRequest, status runtime.WaitStatus, start time.Time) ExecutionResult {
	if status.OOMKilled {
		sb.State = StateResourceExceeded
		return failure(KindResourceLimit,
			fmt.Sprintf("memory limit of %d MB exceeded", req.MemoryLimitMB),
			time.Since(start))
	}

	logsCtx, cancel := context.WithTimeout(context.Background(), m.teardownTimeout)
	defer cancel()
	stdout, stderr, err := m.client.Logs(logsCtx, sb.ID)
	if err != nil {
		return failure(KindIsolationFailure, "failed to read output: "+err.Error(), time.Since(start))
	}

	if status.ExitCode != 0 {
		sb.State = StateCrashed
		message := strings.TrimSpace(stderr)
		if message == "" {
			message = fmt.Sprintf("process exited with status %d", status.ExitCode)
		}
		result := failure(KindRuntime, message, time.Since(start))
		result.Output = stdout
		return result
	}

	sb.State = StateCompleted
	return ExecutionResult{
		Success: true,
		Output:  stdout,
		Elapsed: time.Since(start),
	}
}

// forceTerminate kills a still-running environment after the wait
// context ended, then classifies the ending as caller cancellation or
// a deadline.
func (m *Manager) forceTerminate(ctx context.Context, sb *Sandbox, req ExecutionRequest, start time.Time) ExecutionResult {
	killCtx, cancel := context.WithTimeout(context.Background(), m.teardownTimeout)
	defer cancel()
	if err := m.client.Kill(killCtx, sb.ID); err != nil {
		m.logger.Warn("failed to kill environment",
			zap.String("handle", string(sb.ID)),
			zap.Error(err))
	}
	sb.State = StateTimedOut

	if errors.Is(ctx.Err(), context.Canceled) {
		return failure(KindCancelled, "execution cancelled by caller", time.Since(start))
	}
	return failure(KindTimeout,
		fmt.Sprintf("execution timed out after %s", req.Timeout),
		time.Since(start))
}

// teardown removes the environment unconditionally. It uses a fresh
// bounded context so removal proceeds even when the request's context
// is already dead.
func (m *Manager) teardown(sb *Sandbox) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.teardownTimeout)
	defer cancel()

	err := m.client.Remove(ctx, sb.ID)
	m.forget(sb.ID)
	sb.State = StateTerminated
	if err != nil {
		return fmt.Errorf("removing environment %s: %w", sb.ID, err)
	}
	return nil
}

// UpdateLiveLimits applies a new resource envelope to every currently
// live environment. Failures on individual environments are collected
// rather than aborting the sweep.
func (m *Manager) UpdateLiveLimits(ctx context.Context, memoryMB int, cpuFraction float64) error {
	m.mu.Lock()
	handles := make([]runtime.Handle, 0, len(m.live))
	for h := range m.live {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var errs error
	for _, h := range handles {
		if err := m.limiter.UpdateLimits(ctx, h, memoryMB, cpuFraction); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// LiveCount reports how many environments are currently alive
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func (m *Manager) remember(h runtime.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[h] = struct{}{}
}

func (m *Manager) forget(h runtime.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, h)
}

// monitor samples usage until the context ends, then closes done.
func (m *Manager) monitor(ctx context.Context, h runtime.Handle, collector *usageCollector, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot, err := m.limiter.Sample(ctx, h)
			if err != nil {
				m.logger.Debug("usage sample failed",
					zap.String("handle", string(h)),
					zap.Error(err))
				continue
			}
			collector.add(snapshot)
		}
	}
}

// usageCollector accumulates samples from the monitor goroutine. The
// Run goroutine reads it only after the monitor's done channel closed,
// so no locking is needed.
type usageCollector struct {
	samples  int
	cpuTotal float64
	peakMem  float64
}

func (c *usageCollector) add(s ResourceSnapshot) {
	c.samples++
	c.cpuTotal += s.CPUPercent
	if s.MemoryMB > c.peakMem {
		c.peakMem = s.MemoryMB
	}
}

func (c *usageCollector) summary() *ResourceUsage {
	if c == nil || c.samples == 0 {
		return nil
	}
	return &ResourceUsage{
		PeakMemoryMB:  c.peakMem,
		AvgCPUPercent: c.cpuTotal / float64(c.samples),
	}
}
