// Package membership is the gateway's read-only view of channel membership,
// owned by an external membership/authorization system.
//
// The Redis implementation reads the collaborator's channel sets; Static is
// a fixture implementation for tests and development. Cached bounds the
// staleness of either with a TTL and explicit invalidation, keeping shared
// membership state out of in-process mutable globals.
package membership
