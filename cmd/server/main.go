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

import (
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/mcpserver"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/sandbox"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Execution tool based on config
			sandbox.New,
			func(tool *sandbox.Tool) mcpserver.Executor { return tool },

			// MCP Server
			mcpserver.New,
		),

		// Expose Prometheus metrics on a separate port
		fx.Invoke(
			func(cfg *config.Config) {
				metrics.StartServer(fmt.Sprintf(":%d", cfg.Server.MetricsPort))
			},
		),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					// Use fx to run this as a background task
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}
