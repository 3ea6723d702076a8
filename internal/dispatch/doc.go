// Package dispatch orchestrates the attempt lifecycle. It creates durable
// attempt records, hands them to the judge gateway, and owns the single
// idempotent path by which verdicts (delivered by callback or recovered by
// the reconciliation sweeper) advance an attempt to its terminal state.
package dispatch
