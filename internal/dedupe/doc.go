// Package dedupe tracks recently consumed message ids so that redelivered
// mailbox files are dispatched at most once per process within a TTL window.
package dedupe
