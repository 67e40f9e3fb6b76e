// Package database provides the PostgreSQL connection pool and schema
// used by the stream journal.
package database
