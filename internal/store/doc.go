// Package store provides the optional audit ledger for the gateway using SQLite.
//
// # Architecture
//
// The ledger is split into two small interfaces composed by Ledger:
//
//   - EventStore: inbound messages, outbound replies, mode transitions and fallbacks
//   - UsageStore: per-call token usage and aggregated statistics
//
// SQLiteStore implements both on top of modernc.org/sqlite (no cgo). MockStore is
// an in-memory Ledger for tests.
//
// # Scope
//
// Conversation sessions live in memory only. The ledger is write-mostly and is
// never read back to rebuild a session after a restart.
//
// # Conversation Keys
//
// Events and usage are keyed by "channel:user". When log redaction is enabled the
// user part is a pseudonym, so the ledger never stores raw phone numbers as keys.
package store
