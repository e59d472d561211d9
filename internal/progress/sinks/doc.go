// Package sinks implements progress.Sink consumers for structured logs and
// Prometheus collectors.
package sinks
