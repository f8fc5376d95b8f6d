// Package outbox implements the outbound queue of the connection manager.
//
// Messages sent while the link is down are serialized immediately and held
// in FIFO order until the next successful connection flushes them. Each
// message carries a Pending handle that resolves when the frame is handed
// to the transport or is rejected on teardown.
package outbox
