// Package socket maintains the game's single long-lived websocket.
//
// Lifecycle: Disconnected → Connecting → Authenticating → Connected. A
// supervisor goroutine owns the connection; it dials, sends the current
// credential as the handshake payload, pumps frames, keeps a ping/pong
// heartbeat, and redials with exponential backoff when the connection
// drops abnormally.
//
// The server may reject the credential at any point, not only during the
// handshake. A rejection goes through the shared refresh coordinator; on
// success the supervisor redials with the fresh credential. A refresh that
// failed recently is not retried (cooldown), and the rejection becomes
// terminal: the credential is cleared and the unauthorized callback fires.
//
// Subscriptions registered with On return an unsubscribe func, and an
// explicit Disconnect releases every registration, so handlers never leak
// across reconnects.
package socket
