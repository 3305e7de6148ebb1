// Package heartbeat exposes the relay's periodic entry point. Each beat
// drains the outbox backlog synchronously and, when that succeeds, keeps a
// notification listener running in the background for most of the host's
// maximum execution time.
package heartbeat
