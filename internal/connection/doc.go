// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Keeps one WebSocket link open while the auth binding is authenticated
//   - Reconnects with exponential backoff and gives up after a ceiling
//   - Detects dead links with an application-level ping/pong heartbeat
//   - Queues outbound messages while the link is down and flushes them in order
//   - Routes inbound envelopes to subscribers through a router.Dispatcher
//
// All transitions go through a pure state machine (machine.go); the
// manager applies the effects it returns under a single mutex.
package connection
