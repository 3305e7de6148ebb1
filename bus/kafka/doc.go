// Package kafka writes outbox events to a Kafka topic, keyed by event name.
package kafka
