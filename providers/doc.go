// Package providers holds the pieces shared by every provider adapter:
// HMAC signature checks, payload lookups, deterministic delivery ids, JSON
// schema validation and a generic OAuth2 connector. Each provider lives in
// its own subpackage.
package providers
