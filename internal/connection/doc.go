// Package connection implements the SSE connection pool.
//
// The Pool:
//   - Owns a bounded set of named server-push streams (SSE, or receive-only WebSocket)
//   - Reconnects failed streams with capped exponential backoff
//   - Forces a soft reconnect when a stream goes quiet past its heartbeat timeout
//   - Pauses on network loss and resumes immediately on recovery
//   - Dispatches messages to per-connection listeners and a pool-wide bus
//   - Removes connections left in error/closed past the stale threshold
package connection
