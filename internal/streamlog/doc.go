// Package streamlog wraps the shared ordered log that fans messages out to
// every gateway instance.
//
// The log is partitioned: messages for one channel always map to one
// partition (PartitionFor is a deterministic hash), and entries within a
// partition reach every subscription in publish order. Entries across
// partitions carry no ordering guarantee.
//
// Each gateway instance opens a subscription under its own instance id, so
// the log delivers every message to every instance exactly once. Consumers
// commit progress only after local handling succeeds; a crash before commit
// causes safe re-delivery, never loss.
//
// Two implementations exist: PulsarLog for production and MemoryLog for
// tests and single-node development.
package streamlog
