// Package webhooks receives provider webhooks and forwards them to the
// delivery queue.
//
// A delivery moves through verify -> parse -> dedupe -> resolve -> publish.
// Nothing is written to the idempotency store before the signature checks
// out, and a delivery that cannot be routed lands in the dead-letter store
// instead of failing the request.
package webhooks
