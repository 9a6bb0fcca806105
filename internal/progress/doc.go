// Package progress carries job progress to two audiences. The Broadcaster
// keeps each job's user-facing event history and replays it to any number of
// observers before streaming live entries and a single terminal message. The
// Hub batches operator events on a background goroutine and fans them out to
// pluggable sinks such as Prometheus metrics or structured logs.
package progress
