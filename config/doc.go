// Package config provides application configuration management.
//
// The config package handles loading and validation of the
// application's configuration from YAML files. It covers server
// settings, execution engine parameters, and logging.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Server transport: %s\n", cfg.Server.Transport)
package config
