// Package session owns the relay connection helpers shared by the relay and
// its clients.
//
// Ownership boundary:
// - hello / hello.ack handshake lines sent before any binary frame
// - relay control frames (lag notices, recovery requests, heartbeats)
// - pending recovery tracking on the consumer side
// - dial/listen transport security and reconnect backoff
package session
