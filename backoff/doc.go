// Package backoff provides the retry delays shared by the relay: capped
// exponential growth for reconnect loops and full jitter for outbound calls.
package backoff
