// Package outbox drains a transactional outbox into an event bus.
//
// Rows are claimed in creation order with skip-locked semantics, handed to a
// Sender as one batch and deleted only when the send succeeds. A failed send
// rolls the claim back so the rows stay queued for the next drain, which
// makes delivery at-least-once: consumers dedupe by Event.ID.
package outbox
