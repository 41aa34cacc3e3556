package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CPUPeriodMicros is the scheduler period used when translating a CPU
// fraction into a quota, matching the container engines' default.
const CPUPeriodMicros = 100000

// CLIClient implements Client by shelling out to a container engine
// CLI (docker or podman, which share a command surface). The engine
// binary itself serializes concurrent operations, so the client is
// safe for concurrent use without external locking.
type CLIClient struct {
	logger *zap.Logger
	runner CommandRunner
	binary string
}

// CLIClientOption defines a functional option for CLIClient
type CLIClientOption func(*CLIClient)

// WithCommandRunner sets the CommandRunner for CLIClient
func WithCommandRunner(runner CommandRunner) CLIClientOption {
	return func(c *CLIClient) {
		c.runner = runner
	}
}

// NewDockerClient creates a Client backed by the docker CLI
func NewDockerClient(logger *zap.Logger, opts ...CLIClientOption) *CLIClient {
	return newCLIClient(logger, "docker", opts...)
}

// NewPodmanClient creates a Client backed by the podman CLI
func NewPodmanClient(logger *zap.Logger, opts ...CLIClientOption) *CLIClient {
	return newCLIClient(logger, "podman", opts...)
}

func newCLIClient(logger *zap.Logger, binary string, opts ...CLIClientOption) *CLIClient {
	client := &CLIClient{
		logger: logger,
		runner: &RealCommandRunner{},
		binary: binary,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// run executes one engine command and turns a non-zero exit into an error.
func (c *CLIClient) run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{c.binary}, args...)
	stdout, stderr, exitCode, err := c.runner.RunCommand(ctx, full)
	if err != nil {
		return stdout, fmt.Errorf("%s %s: %w", c.binary, args[0], err)
	}
	if exitCode != 0 {
		return stdout, fmt.Errorf("%s %s failed (exit %d): %s",
			c.binary, args[0], exitCode, strings.TrimSpace(stderr))
	}
	return stdout, nil
}

// Create allocates a container with limits and network isolation in
// place, pulling the image first if it is not present locally.
func (c *CLIClient) Create(ctx context.Context, spec Spec) (Handle, error) {
	if err := c.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	name := "runbox-" + uuid.NewString()
	args := []string{
		"create",
		"--name", name,
		"--memory", fmt.Sprintf("%dm", spec.Limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", spec.Limits.MemoryMB), // no swap escape hatch
		"--cpu-period", strconv.FormatInt(spec.Limits.CPUPeriodMicros, 10),
		"--cpu-quota", strconv.FormatInt(spec.Limits.CPUQuotaMicros, 10),
		"--security-opt", "no-new-privileges:true",
		"--cap-drop", "ALL",
	}
	if spec.NetworkDisabled {
		args = append(args, "--network", "none")
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	if _, err := c.run(ctx, args...); err != nil {
		return "", err
	}

	c.logger.Debug("environment created",
		zap.String("handle", name),
		zap.String("image", spec.Image),
		zap.Int("memory_mb", spec.Limits.MemoryMB))
	return Handle(name), nil
}

func (c *CLIClient) ensureImage(ctx context.Context, image string) error {
	if _, err := c.run(ctx, "image", "inspect", image); err == nil {
		return nil
	}
	c.logger.Info("pulling image", zap.String("image", image))
	_, err := c.run(ctx, "pull", image)
	return err
}

// Start begins execution of the container's command
func (c *CLIClient) Start(ctx context.Context, h Handle) error {
	_, err := c.run(ctx, "start", string(h))
	return err
}

// Wait blocks until the container's main process exits, then reports
// its exit code and whether the kernel's OOM killer terminated it.
func (c *CLIClient) Wait(ctx context.Context, h Handle) (WaitStatus, error) {
	out, err := c.run(ctx, "wait", string(h))
	if err != nil {
		if ctx.Err() != nil {
			return WaitStatus{}, ctx.Err()
		}
		return WaitStatus{}, err
	}

	exitCode, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return WaitStatus{}, fmt.Errorf("unexpected %s wait output %q: %w", c.binary, out, err)
	}

	oomOut, err := c.run(ctx, "inspect", "--format", "{{.State.OOMKilled}}", string(h))
	if err != nil {
		// Exit code alone is still a usable answer.
		c.logger.Warn("failed to inspect OOM state", zap.String("handle", string(h)), zap.Error(err))
		return WaitStatus{ExitCode: exitCode}, nil
	}

	return WaitStatus{
		ExitCode:  exitCode,
		OOMKilled: strings.TrimSpace(oomOut) == "true",
	}, nil
}

// Logs returns the captured stdout and stderr of the container
func (c *CLIClient) Logs(ctx context.Context, h Handle) (string, string, error) {
	full := []string{c.binary, "logs", string(h)}
	stdout, stderr, exitCode, err := c.runner.RunCommand(ctx, full)
	if err != nil {
		return "", "", fmt.Errorf("%s logs: %w", c.binary, err)
	}
	if exitCode != 0 {
		return "", "", fmt.Errorf("%s logs failed (exit %d): %s", c.binary, exitCode, strings.TrimSpace(stderr))
	}
	return stdout, stderr, nil
}

// Kill forcibly terminates the container's process
func (c *CLIClient) Kill(ctx context.Context, h Handle) error {
	_, err := c.run(ctx, "kill", string(h))
	return err
}

// Remove deletes the container, stopping it first if necessary
func (c *CLIClient) Remove(ctx context.Context, h Handle) error {
	_, err := c.run(ctx, "rm", "-f", string(h))
	return err
}

// cliStatsEntry matches the JSON output of `stats --no-stream --format "{{json .}}"`.
type cliStatsEntry struct {
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
}

// Stats samples current CPU and memory usage of a running container
func (c *CLIClient) Stats(ctx context.Context, h Handle) (Stats, error) {
	out, err := c.run(ctx, "stats", "--no-stream", "--format", "{{json .}}", string(h))
	if err != nil {
		return Stats{}, err
	}

	var entry cliStatsEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		return Stats{}, fmt.Errorf("failed to parse %s stats output: %w", c.binary, err)
	}

	cpuPercent, err := parsePercent(entry.CPUPerc)
	if err != nil {
		return Stats{}, err
	}
	memoryMB, err := parseMemUsage(entry.MemUsage)
	if err != nil {
		return Stats{}, err
	}

	return Stats{CPUPercent: cpuPercent, MemoryMB: memoryMB}, nil
}

// Update adjusts the limits of a live container without recreating it
func (c *CLIClient) Update(ctx context.Context, h Handle, limits Limits) error {
	_, err := c.run(ctx, "update",
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		"--cpu-period", strconv.FormatInt(limits.CPUPeriodMicros, 10),
		"--cpu-quota", strconv.FormatInt(limits.CPUQuotaMicros, 10),
		string(h))
	return err
}

// parsePercent parses values like "12.34%".
func parsePercent(s string) (float64, error) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(s), "%")
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid percentage %q: %w", s, err)
	}
	return value, nil
}

// parseMemUsage parses the usage half of values like "10.5MiB / 128MiB"
// and returns it in megabytes.
func parseMemUsage(s string) (float64, error) {
	usage := s
	if idx := strings.Index(s, "/"); idx >= 0 {
		usage = s[:idx]
	}
	usage = strings.TrimSpace(usage)

	units := []struct {
		suffix string
		toMB   float64
	}{
		{"GiB", 1024},
		{"MiB", 1},
		{"KiB", 1.0 / 1024},
		{"GB", 1000},
		{"MB", 1},
		{"kB", 1.0 / 1000},
		{"B", 1.0 / (1000 * 1000)},
	}
	for _, unit := range units {
		if strings.HasSuffix(usage, unit.suffix) {
			value, err := strconv.ParseFloat(strings.TrimSuffix(usage, unit.suffix), 64)
			if err != nil {
				return 0, fmt.Errorf("invalid memory usage %q: %w", s, err)
			}
			return value * unit.toMB, nil
		}
	}
	return 0, fmt.Errorf("invalid memory usage %q: unknown unit", s)
}
