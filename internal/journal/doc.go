// Package journal persists pool bus traffic to PostgreSQL.
//
// Tables:
//   - stream_messages: one row per dispatched message
//   - connection_events: one row per lifecycle notification
//
// Rows are batched and inserted with ON CONFLICT DO NOTHING, so messages
// replayed by a server after a reconnect are stored once. Flushes go
// through a circuit breaker; while it is open, batches are dropped and
// counted instead of blocking the writer.
package journal
