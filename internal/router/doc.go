// Package router decodes wire envelopes and routes them to subscribers.
//
// Every message on the link is a {"type", "data"} envelope. The Dispatcher
// keeps subscriptions per type plus a wildcard set; typed subscribers get
// the payload, wildcard subscribers get the whole envelope.
package router
