// Package api contains the core building blocks used by the shipflow
// orchestration core: the event model, the derived instance projection, the
// workflow programming interface and the Observer hooks.
//
// Most users interact with the higher-level shipflow package, which re-exports
// selected types and helpers from this package. The api package is intended
// for custom integrations, alternative storage backends, or contributors
// extending the engine itself.
//
// # Events
//
// Every workflow instance is an append-only sequence of Events. Sequence
// numbers start at 1 and are gapless. The log is the only source of truth:
// the current state of an instance is never stored, it is derived by Replay,
// a pure fold over the events.
//
// # Workflow Definitions
//
// A WorkflowDefinition pairs a name with a WorkflowFunc. The function is
// ordinary Go code that talks to the engine through a Context:
//
//	func run(wf api.Context) (any, error) {
//	    if err := wf.Advance("packing", ""); err != nil {
//	        return nil, err
//	    }
//	    if err := wf.Sleep("cool-down", time.Minute); err != nil {
//	        return nil, err
//	    }
//	    var approval string
//	    if err := wf.WaitSignal("approve", &approval); err != nil {
//	        return nil, err
//	    }
//	    return approval, nil
//	}
//
// The engine runs the function from the beginning every time the instance is
// woken. Context primitives consume the matching events from history and only
// append new events once history is exhausted, so the function must be
// deterministic: it may not read the wall clock, draw random numbers or call
// external systems directly. Values of that kind are captured once with
// Context.Decide and read back from the log on every later run.
//
// Errors returned by primitives (including the *SuspendedError used to park
// an instance on a timer or signal) must be returned unchanged.
//
// # Observability
//
// The Observer interface is used by the engine and router to report
// lifecycle events. LoggingObserver writes structured logs with log/slog,
// BasicMetrics keeps in-memory counters, and CompositeObserver fans out to
// several observers.
package api
