// Package dispatch decides which agent scans which target and submits the
// resulting plan.
//
// Planning reads every candidate agent's running and waiting task count
// once. Agents above the ceiling are skipped, as are agents whose count
// cannot be read. The remaining agents are ordered idle-first and receive
// targets in round robin, so each target is assigned to exactly one agent.
//
// Submission contacts agents in parallel and reports one Outcome per
// target.
package dispatch
