// Package server runs the relay's HTTP server and performs an ordered
// graceful shutdown of everything the process started.
package server
