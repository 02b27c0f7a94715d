// Package fanout runs the message pipeline: validate inbound sends, assign
// time-ordered ids, persist, publish to the shared log, and consume the log
// to rebroadcast every instance's messages to local connections.
//
// The pipeline is at-least-once end to end. Publish and persist retry with
// bounded backoff, log consumption commits only after handling, and the
// registry's DeliveryRecord window collapses the resulting duplicates so each
// connection sees a message at most once.
package fanout
