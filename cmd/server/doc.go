// Package main is the entry point for the Runbox MCP server.
//
// The Runbox server implements a configurable Model Context Protocol
// (MCP) server that executes untrusted Python code in isolated,
// resource-limited environments. The server supports both stdio and
// HTTP transports and exposes Prometheus metrics on a separate port.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main
