// Package listener keeps a dedicated Postgres connection subscribed to the
// outbox notification channel for a bounded window and turns every
// notification into a coalesced drain request.
//
// Connection failures are retried with capped exponential backoff until the
// window elapses. At most one ListenAndDrain runs per State; an optional
// Lease extends that guarantee across processes.
package listener
