// Package runtime keeps background goroutines from taking the relay down:
// panics are recovered, logged with their stack, counted and recorded on the
// active span.
package runtime
