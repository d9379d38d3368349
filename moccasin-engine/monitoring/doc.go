// Package monitoring provides metrics and observability.
// This package implements:
// - Prometheus metrics for peers, frames and discovery
// - Dial pool gauges
package monitoring
