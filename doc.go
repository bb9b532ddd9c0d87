// Package shipflow is a durable workflow core with a shipment tracking
// lifecycle built on top of it.
//
// Instances are event sourced: the only state is an append-only, gapless log
// per instance. The engine re-runs a workflow function against that log on
// every Start and Resume; primitives that find their outcome in the log
// return it, and the first one that does not appends a new event. A run
// ends by suspending on a timer or signal, or by appending a terminal event.
//
// # Components
//
//   - Engine (internal/engine): Start, Resume, Cancel, Verify and Recover
//     over an EventLog with optimistic appends and a per-instance lock.
//   - Timer service (internal/timer): durable timers polled from a
//     TimerStore and fired at least once.
//   - Signal router (internal/signal): delivers named signals and rejects
//     those the instance is not waiting for.
//   - Worker (pkg/worker): executes start, signal, timer and cancel tasks
//     from a Queue, retrying transient failures with backoff.
//   - Shipment lifecycle (pkg/shipment): the workflow definition.
//
// # Backends
//
// The event log, timer store and task queue are available in memory and on
// SQLite, PostgreSQL, Redis and MongoDB. See Backend.
//
// # Runtime
//
// Runtime wires everything for the shipment workflow:
//
//	backend := shipflow.NewInMemoryBackend()
//	rt, err := shipflow.NewRuntime(backend, shipflow.RuntimeConfig{})
//	if err != nil { ... }
//	if err := rt.Start(ctx, 4); err != nil { ... }
//	defer rt.Stop()
//
//	id, _ := rt.Create(ctx, shipment.Input{Destination: "Rotterdam"})
//	...
//	_, _ = rt.Resolve(ctx, id, "express", "")
//
// Workflow code must be deterministic: use Context.Now instead of time.Now,
// draw randomness through Context.Decide, and return the errors primitives
// produce unchanged.
package shipflow
