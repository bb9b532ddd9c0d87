// Package worker drives workflow instances from a task queue.
//
// A Worker dequeues one task at a time and dispatches it by type:
//
//   - start-workflow tasks call Engine.Start
//   - signal tasks go through a SignalDeliverer (normally the signal router)
//   - timer tasks call Engine.Resume with a TimerFired event
//   - cancel tasks call Engine.Cancel
//
// Logical errors from the engine (an instance that is not waiting, an
// unknown instance, a determinism violation) are reported and the task is
// dropped. A duplicate start counts as done. Any other error is treated as
// transient: the task is re-enqueued with NotBefore set to now plus the
// retry policy's backoff, until MaxAttempts executions have failed.
//
// Several workers can share one queue, in one process or many; the engine's
// per-instance lock and optimistic appends keep a single instance consistent.
package worker
