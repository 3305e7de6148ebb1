// Package inngest sends outbox events to an Inngest-compatible HTTP event
// API: one POST per batch to {base}/e/{eventKey} with a JSON array body.
package inngest
