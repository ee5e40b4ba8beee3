// Package orchestrator ties the beacon components together.
//
// An Orchestrator owns the agent manager, the ledger, the dispatcher, the
// result aggregator and the reconciler. Callers plan a dispatch, inspect
// it, and commit it. A commit submits the plan in the background and
// returns a channel carrying every event of the submitted jobs; each
// accepted job gets its own monitor. All events are also published to
// subscribers.
//
// Stop cancels every commit, monitor and the reconciler and waits for them.
// Agent calls already in flight are not aborted; they finish or time out.
package orchestrator
