// Package http provides the fiber handlers and middleware shared by the
// relay's HTTP surface.
package http
