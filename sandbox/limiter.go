package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/runtime"
)

// DefaultSampleTimeout bounds a single usage sample so a hung runtime
// call cannot stall the caller.
const DefaultSampleTimeout = 2 * time.Second

// ResourceSnapshot is a point-in-time usage sample of one
// environment. Snapshots are transient; they are never persisted.
type ResourceSnapshot struct {
	CPUPercent float64
	MemoryMB   float64
	At         time.Time
}

// ResourceLimiter translates a requested memory/CPU envelope into
// runtime constraints, applies them to environment handles, and
// samples current usage. All methods are safe to call repeatedly:
// applying the same limits twice leaves the same constraints in
// force, and sampling never blocks past its internal timeout.
type ResourceLimiter struct {
	client        runtime.Client
	logger        *zap.Logger
	sampleTimeout time.Duration

	// mu serializes limit updates with samples so a racing Sample
	// observes either the old or the new limits, never a torn state.
	mu sync.Mutex
}

// ResourceLimiterOption defines a functional option for ResourceLimiter
type ResourceLimiterOption func(*ResourceLimiter)

// WithSampleTimeout overrides the bounded read timeout for Sample
func WithSampleTimeout(d time.Duration) ResourceLimiterOption {
	return func(l *ResourceLimiter) {
		l.sampleTimeout = d
	}
}

// NewResourceLimiter creates a ResourceLimiter backed by the given
// runtime client
func NewResourceLimiter(client runtime.Client, logger *zap.Logger, opts ...ResourceLimiterOption) *ResourceLimiter {
	limiter := &ResourceLimiter{
		client:        client,
		logger:        logger,
		sampleTimeout: DefaultSampleTimeout,
	}
	for _, opt := range opts {
		opt(limiter)
	}
	return limiter
}

// Constraints translates a memory ceiling and a CPU fraction (share
// of one core, 0.0-1.0) into the quota/period form the isolation
// runtime enforces.
func (l *ResourceLimiter) Constraints(memoryMB int, cpuFraction float64) runtime.Limits {
	return runtime.Limits{
		MemoryMB:        memoryMB,
		CPUQuotaMicros:  int64(cpuFraction * runtime.CPUPeriodMicros),
		CPUPeriodMicros: runtime.CPUPeriodMicros,
	}
}

// ApplyLimits configures the runtime's constraints for the given
// environment handle. Calling it again with the same values is a
// no-op in effect.
func (l *ResourceLimiter) ApplyLimits(ctx context.Context, h runtime.Handle, memoryMB int, cpuFraction float64) error {
	limits := l.Constraints(memoryMB, cpuFraction)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.client.Update(ctx, h, limits); err != nil {
		return fmt.Errorf("applying limits to %s: %w", h, err)
	}

	l.logger.Debug("limits applied",
		zap.String("handle", string(h)),
		zap.Int("memory_mb", memoryMB),
		zap.Float64("cpu_fraction", cpuFraction))
	return nil
}

// UpdateLimits adjusts the limits of a live environment without
// tearing it down. It shares ApplyLimits' idempotent path.
func (l *ResourceLimiter) UpdateLimits(ctx context.Context, h runtime.Handle, memoryMB int, cpuFraction float64) error {
	return l.ApplyLimits(ctx, h, memoryMB, cpuFraction)
}

// Sample returns current usage for the environment. The read is
// bounded by the limiter's sample timeout regardless of the caller's
// context.
func (l *ResourceLimiter) Sample(ctx context.Context, h runtime.Handle) (ResourceSnapshot, error) {
	sampleCtx, cancel := context.WithTimeout(ctx, l.sampleTimeout)
	defer cancel()

	l.mu.Lock()
	defer l.mu.Unlock()
	stats, err := l.client.Stats(sampleCtx, h)
	if err != nil {
		return ResourceSnapshot{}, fmt.Errorf("sampling %s: %w", h, err)
	}

	return ResourceSnapshot{
		CPUPercent: stats.CPUPercent,
		MemoryMB:   stats.MemoryMB,
		At:         time.Now(),
	}, nil
}
