// Package bootstrap reads the relay configuration and assembles the
// process: logger, telemetry, Postgres, the bus transports, the drain
// pipeline and the HTTP server.
package bootstrap
