// Package dedupe tracks recently delivered (connection, message) pairs in a
// bounded sliding window so a message observed twice (once via optimistic
// local delivery, again via log consumption) reaches each connection at
// most once.
package dedupe
