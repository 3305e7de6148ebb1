// Package postgres implements outbox.Store on a Postgres table, claiming
// rows with DELETE ... RETURNING over a FOR UPDATE SKIP LOCKED subquery.
package postgres
