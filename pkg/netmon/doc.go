// Package netmon maintains the client's view of network health.
//
// Two inputs feed it: the host's online/offline signal, pushed in via
// SetOnline by whatever embeds the core, and a periodic GET against the
// backend's health endpoint with a short bounded timeout. Going offline
// short-circuits to unreachable without probing; coming back online fires
// one immediate probe instead of waiting for the next tick.
package netmon
