// Package storage persists bulk operations, their per-recipient results,
// and the recipient directory. Two drivers exist: sqlite for production and
// an in-memory store for tests and ephemeral deployments.
package storage
