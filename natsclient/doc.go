// Package natsclient wraps a core NATS connection with status tracking,
// reconnect handling, and a small publish/subscribe surface. The peer
// transport uses it as its message bus.
package natsclient
