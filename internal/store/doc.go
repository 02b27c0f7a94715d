// Package store persists accepted messages durably, keyed by message id.
//
// The write path is idempotent: SaveMessage called twice with the same id
// leaves exactly one row, which lets the fanout pipeline retry after an
// ambiguous log-publish failure without duplicating storage. The log is the
// source of order; the store is the source of durability.
//
// History is the read path for the external history/UI collaborator and sits
// outside the real-time hot path. Message ids are UUIDv7, so id ordering is
// chronological and pagination cursors are plain ids.
package store
