// Package relay holds the process-level plumbing of the outbox relay: the
// launcher that runs its long-lived apps and the environment helpers that
// feed its configuration.
//
// The relay moves events written to a Postgres outbox table onto an event
// bus. See the outbox, listener and heartbeat packages for the pipeline.
package relay
