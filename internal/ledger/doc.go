// Package ledger records every submitted scan job and keeps it converging
// to a terminal status.
//
// # Ledger
//
// The ledger maps (agent, task id) to the job's target, last observed
// status and last-seen result counts. Every mutation is a read-modify-write
// of one entry under that entry's lock and is written through the store
// before it returns. Terminal entries are kept as history until deleted.
//
// # Reconciliation
//
// A Reconciler runs on a gocron duration job. Each pass lists the tasks of
// every active agent that still has pending entries and marks entries the
// agent reports as done or error. Agents that were evicted are skipped;
// their entries stay pending until the agent is added again.
package ledger
