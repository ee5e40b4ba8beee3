// Package monitor follows a single scan job until it finishes.
//
// A Monitor polls the job's status on a ticker. While the job runs it
// records status changes in the ledger and, no more often than the dwell
// time, harvests the results added since the previous harvest. When the
// agent reports done the complete result set is fetched once more and
// delivered as the final batch. Status and result calls for one job never
// overlap.
package monitor
