// Package runtime provides the isolation-runtime client.
//
// The runtime package abstracts the container engine that provides
// process, network, and resource isolation for one code execution. It
// defines the Client interface with the operations the execution engine
// needs (create, start, wait, kill, remove, stats, update) and ships
// CLI-backed implementations for Docker and Podman.
//
// Usage:
//
//	client := runtime.NewDockerClient(logger)
//	handle, err := client.Create(ctx, runtime.Spec{
//	    Image:   "python:3.11-slim",
//	    Command: []string{"python3", "-c", "print('hi')"},
//	})
package runtime
