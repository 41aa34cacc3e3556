// Package metrics exposes Prometheus instrumentation for the
// execution engine.
//
// Infrastructure faults (isolation or internal failures) are labeled
// separately from code-attributable outcomes so host health issues
// can be alerted on independently of bad input.
//
// Usage:
//
//	srv := metrics.StartServer(":9090")
//	defer srv.Close()
package metrics
