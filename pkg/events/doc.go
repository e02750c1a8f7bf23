/*
Package events provides the in-memory event broker connecting the
Starcore managers to the connection orchestrator.

Each manager publishes a typed state-change event whenever its connected
flag moves: auth.changed on login/logout/terminal auth failure,
network.changed on every reachability probe, socket.changed on
connect/disconnect, sync.changed when the background sync drain starts,
idles, or errors. The orchestrator subscribes to all of them and
republishes the aggregated health view as health.changed.

session.unauthorized is the one non-projection event: it fires exactly
once per terminal auth failure so UI code can route to re-authentication
without repeated redirects.

# Delivery Semantics

Publishing is non-blocking: events flow through a buffered channel and
are fanned out to per-subscriber buffered channels. A subscriber whose
buffer is full misses the event; every consumer in this codebase treats
events as "state changed, re-read it" signals, so a dropped event is
recovered by the next one.

Subscribe returns the channel together with an unsubscribe func:

	sub, cancel := broker.Subscribe()
	defer cancel()

	for event := range sub {
		// ...
	}

The cancellation handle is idempotent and safe to call after the broker
has stopped, which guarantees no handler registration survives teardown.
*/
package events
