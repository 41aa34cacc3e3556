package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/runtime"
)

func TestResourceLimiterConstraints(t *testing.T) {
	limiter := NewResourceLimiter(&MockRuntimeClient{}, zaptest.NewLogger(t))

	t.Run("HalfCore", func(t *testing.T) {
		limits := limiter.Constraints(128, 0.5)
		assert.Equal(t, 128, limits.MemoryMB)
		assert.Equal(t, int64(50000), limits.CPUQuotaMicros)
		assert.Equal(t, int64(100000), limits.CPUPeriodMicros)
	})

	t.Run("FullCore", func(t *testing.T) {
		limits := limiter.Constraints(256, 1.0)
		assert.Equal(t, int64(100000), limits.CPUQuotaMicros)
	})

	t.Run("SmallFraction", func(t *testing.T) {
		limits := limiter.Constraints(64, 0.1)
		assert.Equal(t, int64(10000), limits.CPUQuotaMicros)
	})
}

func TestResourceLimiterApplyLimits(t *testing.T) {
	t.Run("PassesConstraintsToRuntime", func(t *testing.T) {
		client := &MockRuntimeClient{}
		limiter := NewResourceLimiter(client, zaptest.NewLogger(t))

		err := limiter.ApplyLimits(context.Background(), "env-1", 128, 0.25)
		require.NoError(t, err)
		assert.Equal(t, 128, client.lastLimits.MemoryMB)
		assert.Equal(t, int64(25000), client.lastLimits.CPUQuotaMicros)
	})

	t.Run("Idempotent", func(t *testing.T) {
		client := &MockRuntimeClient{}
		limiter := NewResourceLimiter(client, zaptest.NewLogger(t))

		require.NoError(t, limiter.ApplyLimits(context.Background(), "env-1", 128, 0.25))
		require.NoError(t, limiter.ApplyLimits(context.Background(), "env-1", 128, 0.25))
		assert.Equal(t, 2, client.callCount("update"))
	})

	t.Run("WrapsRuntimeError", func(t *testing.T) {
		client := &MockRuntimeClient{updateErr: errors.New("update broke")}
		limiter := NewResourceLimiter(client, zaptest.NewLogger(t))

		err := limiter.ApplyLimits(context.Background(), "env-1", 128, 0.25)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "applying limits to env-1")
	})
}

func TestResourceLimiterSample(t *testing.T) {
	t.Run("ReturnsSnapshot", func(t *testing.T) {
		client := &MockRuntimeClient{
			stats: runtime.Stats{CPUPercent: 42.5, MemoryMB: 96.0},
		}
		limiter := NewResourceLimiter(client, zaptest.NewLogger(t))

		snapshot, err := limiter.Sample(context.Background(), "env-1")
		require.NoError(t, err)
		assert.InDelta(t, 42.5, snapshot.CPUPercent, 0.001)
		assert.InDelta(t, 96.0, snapshot.MemoryMB, 0.001)
		assert.False(t, snapshot.At.IsZero())
	})

	t.Run("WrapsRuntimeError", func(t *testing.T) {
		client := &MockRuntimeClient{statsErr: errors.New("stats broke")}
		limiter := NewResourceLimiter(client, zaptest.NewLogger(t))

		_, err := limiter.Sample(context.Background(), "env-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sampling env-1")
	})
}
