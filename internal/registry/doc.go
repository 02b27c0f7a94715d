// Package registry tracks the live client connections attached to this
// gateway instance and their channel subscriptions.
//
// Deliver is the single local fanout point. Both the optimistic delivery on
// the origin instance and the log consumption path call it, and the shared
// DeliveryRecord window inside guarantees each (connection, message) pair is
// enqueued at most once. Slow consumers (full send queue or a timed-out
// write) are dropped rather than allowed to stall fanout.
package registry
