// Package rabbitmq publishes outbox events to an AMQP exchange with
// publisher confirms. A batch succeeds only when the broker acked every
// message in it.
package rabbitmq
