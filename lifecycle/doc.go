// Package lifecycle owns the connection state machine.
//
// Setup, Teardown and Refresh run as durable workflows on a workflow.Engine.
// Each step is safe to execute again after a crash: persistence is
// all-or-nothing, routing writes are upserts and provider side effects are
// skipped once their result is recorded.
//
//	pending -> active -> {revoked | error}
//	active  -> active (refresh)
//	error   -> revoked (teardown)
package lifecycle
