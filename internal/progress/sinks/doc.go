// Package sinks implements concrete progress.UIWorker consumers: structured
// logging, Prometheus collectors, an in-memory snapshot table read by the
// HTTP surface, and a fan-out Tee. Every sink is safe for concurrent use even
// though the scheduler only calls it from the consumer goroutine.
package sinks
