// Package nats publishes outbox events on NATS subjects derived from the
// event name and flushes before reporting success.
package nats
