// Package bus holds what every event bus transport shares: the wire
// encoding of outbox events, trace propagation headers, a circuit breaker
// and fan-out across several transports.
//
// Transports live in sub-packages and implement outbox.Sender.
package bus
