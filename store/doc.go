// Package store is the relay's state: the key exchange registry, per-round
// submissions, aggregates, results and reports, and the notifier that lets
// callers block until a round changes.
//
// All writes land in memory first and are then written through to an optional
// Backend (MemoryBackend or PostgresBackend). A backend failure is returned
// wrapped in protocol.ErrInternal but never rolls back the in-memory write.
package store
