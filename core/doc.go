// Package core contains the gateway domain types, store contracts, error
// codes and configuration, plus in-memory implementations of the idempotency
// store, routing index, credential vault and delivery queue. Provider,
// transport and persistence adapters depend on this package; core depends on
// none of them.
package core
