// Package redis provides the optional Redis connection and the redsync
// lock used to keep a single notification listener across relay instances.
package redis
