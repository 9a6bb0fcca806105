// Package sinks implements progress.Sink consumers: structured job logs and
// Prometheus job and item counters.
package sinks
