// Package progress lets any number of goroutines report incremental progress
// on long-running tasks through Handles, while a single consumer goroutine
// receives coalesced snapshots of that progress.
//
// A Service creates Handles and owns one shared Scheduler. Handle operations
// only mutate per-handle state and mark it dirty; the Scheduler wakes up on
// the consumer's Executor, builds immutable Event snapshots for handles that
// have been alive longer than their initial delay, and hands them to a
// UIWorker. Tasks that finish before their initial delay are never shown.
//
// A Handle may instead be bound to exactly one dedicated Artifact, in which
// case it leaves the shared Scheduler and is delivered on its own path.
package progress
