package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/metrics"
)

// MockIsolatedRunner implements IsolatedRunner for testing
type MockIsolatedRunner struct {
	mu          sync.Mutex
	runCount    int
	lastRequest ExecutionRequest
	result      ExecutionResult
	updateErr   error
	updateCalls int

	// When set, Run blocks until the channel is closed.
	block chan struct{}
	// When set, Run signals here once it has started.
	started chan struct{}
}

func (m *MockIsolatedRunner) Run(_ context.Context, req ExecutionRequest) ExecutionResult {
	m.mu.Lock()
	m.runCount++
	m.lastRequest = req
	m.mu.Unlock()
	if m.started != nil {
		close(m.started)
		m.started = nil
	}
	if m.block != nil {
		<-m.block
	}
	return m.result
}

func (m *MockIsolatedRunner) UpdateLiveLimits(_ context.Context, _ int, _ float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	return m.updateErr
}

func (m *MockIsolatedRunner) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runCount
}

// MockDirectRunner implements DirectRunner for testing
type MockDirectRunner struct {
	runCount    int
	lastRequest ExecutionRequest
	result      ExecutionResult
}

func (m *MockDirectRunner) Run(_ context.Context, req ExecutionRequest) ExecutionResult {
	m.runCount++
	m.lastRequest = req
	return m.result
}

func testToolConfig() ToolConfig {
	return ToolConfig{
		Defaults: Defaults{
			Timeout:       10 * time.Second,
			MemoryLimitMB: 128,
			CPUFraction:   0.5,
			Isolated:      true,
		},
		MaxCodeBytes:  1024,
		MaxConcurrent: 2,
	}
}

func newTestTool(t *testing.T, isolated *MockIsolatedRunner, direct *MockDirectRunner, cfg ToolConfig) *Tool {
	t.Helper()
	return NewTool(zaptest.NewLogger(t), cfg, NewPythonValidator(), isolated, direct)
}

func executionDurationSamples(t *testing.T) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.ExecutionDuration.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestToolExecute(t *testing.T) {
	t.Run("DispatchesIsolated", func(t *testing.T) {
		isolated := &MockIsolatedRunner{result: ExecutionResult{Success: true, Output: "iso\n"}}
		direct := &MockDirectRunner{}
		tool := newTestTool(t, isolated, direct, testToolConfig())

		result, err := tool.Execute(context.Background(), ExecutionRequest{Code: "print(1)", Isolated: true})
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, "iso\n", result.Output)
		assert.Equal(t, 1, isolated.calls())
		assert.Equal(t, 0, direct.runCount)
	})

	t.Run("DispatchesDirect", func(t *testing.T) {
		isolated := &MockIsolatedRunner{}
		direct := &MockDirectRunner{result: ExecutionResult{Success: true, Output: "direct\n"}}
		tool := newTestTool(t, isolated, direct, testToolConfig())

		result, err := tool.Execute(context.Background(), ExecutionRequest{Code: "print(1)", Isolated: false})
		require.NoError(t, err)
		assert.Equal(t, "direct\n", result.Output)
		assert.Equal(t, 0, isolated.calls())
		assert.Equal(t, 1, direct.runCount)
	})

	t.Run("AppliesDefaults", func(t *testing.T) {
		isolated := &MockIsolatedRunner{result: ExecutionResult{Success: true}}
		tool := newTestTool(t, isolated, &MockDirectRunner{}, testToolConfig())

		_, err := tool.Execute(context.Background(), ExecutionRequest{Code: "print(1)", Isolated: true})
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, isolated.lastRequest.Timeout)
		assert.Equal(t, 128, isolated.lastRequest.MemoryLimitMB)
		assert.InDelta(t, 0.5, isolated.lastRequest.CPUFraction, 0.001)
	})

	t.Run("ExplicitFieldsOverrideDefaults", func(t *testing.T) {
		isolated := &MockIsolatedRunner{result: ExecutionResult{Success: true}}
		tool := newTestTool(t, isolated, &MockDirectRunner{}, testToolConfig())

		_, err := tool.Execute(context.Background(), ExecutionRequest{
			Code:          "print(1)",
			Timeout:       3 * time.Second,
			MemoryLimitMB: 64,
			CPUFraction:   0.25,
			Isolated:      true,
		})
		require.NoError(t, err)
		assert.Equal(t, 3*time.Second, isolated.lastRequest.Timeout)
		assert.Equal(t, 64, isolated.lastRequest.MemoryLimitMB)
		assert.InDelta(t, 0.25, isolated.lastRequest.CPUFraction, 0.001)
	})

	t.Run("SyntaxErrorSkipsExecution", func(t *testing.T) {
		isolated := &MockIsolatedRunner{}
		direct := &MockDirectRunner{}
		tool := newTestTool(t, isolated, direct, testToolConfig())

		result, err := tool.Execute(context.Background(), ExecutionRequest{Code: "print(1", Isolated: true})
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, KindSyntax, result.ErrorKind)
		// No environment work happens for invalid code.
		assert.Equal(t, 0, isolated.calls())
		assert.Equal(t, 0, direct.runCount)
	})

	t.Run("OversizedCodeRejectedAsSyntax", func(t *testing.T) {
		isolated := &MockIsolatedRunner{}
		tool := newTestTool(t, isolated, &MockDirectRunner{}, testToolConfig())

		code := "x = '" + strings.Repeat("a", 2048) + "'"
		result, err := tool.Execute(context.Background(), ExecutionRequest{Code: code, Isolated: true})
		require.NoError(t, err)
		assert.Equal(t, KindSyntax, result.ErrorKind)
		assert.Contains(t, result.ErrorMessage, "exceeds maximum")
		assert.Equal(t, 0, isolated.calls())
	})

	t.Run("InvalidResourceFieldsRejected", func(t *testing.T) {
		tool := newTestTool(t, &MockIsolatedRunner{}, &MockDirectRunner{}, testToolConfig())

		_, err := tool.Execute(context.Background(), ExecutionRequest{
			Code:        "print(1)",
			CPUFraction: 1.5,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid request")
	})

	t.Run("DurationObservedOnlyForDispatchedRequests", func(t *testing.T) {
		isolated := &MockIsolatedRunner{result: ExecutionResult{Success: true, Elapsed: 10 * time.Millisecond}}
		tool := newTestTool(t, isolated, &MockDirectRunner{}, testToolConfig())

		before := executionDurationSamples(t)

		// Validation rejections never ran, so they must not feed the
		// latency histogram.
		_, err := tool.Execute(context.Background(), ExecutionRequest{Code: "print(1", Isolated: true})
		require.NoError(t, err)
		assert.Equal(t, before, executionDurationSamples(t))

		_, err = tool.Execute(context.Background(), ExecutionRequest{Code: "print(1)", Isolated: true})
		require.NoError(t, err)
		assert.Equal(t, before+1, executionDurationSamples(t))
	})

	t.Run("BackpressureRejectsExcessRequests", func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan struct{})
		isolated := &MockIsolatedRunner{
			result:  ExecutionResult{Success: true},
			block:   release,
			started: started,
		}
		cfg := testToolConfig()
		cfg.MaxConcurrent = 1
		tool := newTestTool(t, isolated, &MockDirectRunner{}, cfg)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, err := tool.Execute(context.Background(), ExecutionRequest{Code: "print(1)", Isolated: true})
			assert.NoError(t, err)
		}()

		<-started
		_, err := tool.Execute(context.Background(), ExecutionRequest{Code: "print(2)", Isolated: true})
		require.ErrorIs(t, err, ErrTooManyRequests)

		close(release)
		<-done

		// Capacity is available again after the first finishes.
		_, err = tool.Execute(context.Background(), ExecutionRequest{Code: "print(3)", Isolated: true})
		require.NoError(t, err)
	})
}

func TestToolUpdateLimits(t *testing.T) {
	t.Run("UpdatesDefaults", func(t *testing.T) {
		isolated := &MockIsolatedRunner{}
		tool := newTestTool(t, isolated, &MockDirectRunner{}, testToolConfig())

		err := tool.UpdateLimits(context.Background(), 256, 0.75)
		require.NoError(t, err)

		defaults := tool.Defaults()
		assert.Equal(t, 256, defaults.MemoryLimitMB)
		assert.InDelta(t, 0.75, defaults.CPUFraction, 0.001)
		assert.Equal(t, 1, isolated.updateCalls)
	})

	t.Run("RejectsInvalidMemory", func(t *testing.T) {
		tool := newTestTool(t, &MockIsolatedRunner{}, &MockDirectRunner{}, testToolConfig())

		err := tool.UpdateLimits(context.Background(), 0, 0.5)
		require.Error(t, err)
	})

	t.Run("RejectsInvalidCPUFraction", func(t *testing.T) {
		tool := newTestTool(t, &MockIsolatedRunner{}, &MockDirectRunner{}, testToolConfig())

		err := tool.UpdateLimits(context.Background(), 128, 2.0)
		require.Error(t, err)
	})

	t.Run("LiveUpdateFailureIsNotFatal", func(t *testing.T) {
		isolated := &MockIsolatedRunner{updateErr: errors.New("one env failed")}
		tool := newTestTool(t, isolated, &MockDirectRunner{}, testToolConfig())

		err := tool.UpdateLimits(context.Background(), 256, 0.75)
		require.NoError(t, err)
		// New defaults still took effect.
		assert.Equal(t, 256, tool.Defaults().MemoryLimitMB)
	})
}
