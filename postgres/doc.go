// Package postgres opens the pooled primary/replica connections the relay
// drains through and applies the embedded outbox migrations.
package postgres
