package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/runtime"
)

// New creates a fully wired execution Tool based on the configuration
func New(cfg *config.Config, logger *zap.Logger) (*Tool, error) {
	var client runtime.Client
	switch cfg.Executor.Backend {
	case "docker":
		client = runtime.NewDockerClient(logger)
	case "podman":
		client = runtime.NewPodmanClient(logger)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Executor.Backend)
	}

	limiter := NewResourceLimiter(client, logger)
	manager := NewManager(client, limiter, logger,
		cfg.Executor.Image, cfg.Executor.Interpreter,
		WithMonitorInterval(cfg.MonitorInterval()))
	engine := NewEngine(logger, cfg.Executor.Interpreter)

	toolConfig := ToolConfig{
		Defaults: Defaults{
			Timeout:       cfg.DefaultTimeout(),
			MemoryLimitMB: cfg.Executor.DefaultMemoryMB,
			CPUFraction:   cfg.Executor.DefaultCPUFraction,
			Isolated:      cfg.Executor.DefaultIsolated,
		},
		MaxCodeBytes:  cfg.Executor.MaxCodeBytes,
		MaxConcurrent: cfg.Executor.MaxConcurrent,
	}

	return NewTool(logger, toolConfig, NewPythonValidator(), manager, engine), nil
}
