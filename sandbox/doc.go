// Package sandbox provides secure code execution capabilities.
//
// The sandbox package implements the execution engine for running
// untrusted code in isolated environments. Code is structurally
// validated before any environment exists, resource limits are
// enforced by the isolation runtime, and every environment is torn
// down before its execution returns, on every path.
//
// The Tool type is the single entry point. It dispatches to the
// Manager (isolated execution backed by a container runtime) or the
// Engine (direct host subprocess for trusted callers), enforces a
// concurrency ceiling, and records metrics for every execution.
//
// Usage:
//
//	tool, err := sandbox.New(cfg, logger)
//	result, err := tool.Execute(ctx, sandbox.ExecutionRequest{
//	    Code:     "print('Hello, World!')",
//	    Isolated: true,
//	})
package sandbox
