// Package refresh coordinates credential refresh so the backend sees at
// most one exchange at a time no matter how many API calls hit a 401
// simultaneously.
//
// The coordinator exposes a single Refresh entry point. The first caller
// becomes the leader and runs the exchange; callers that arrive while it
// is in flight join the same operation and share its outcome. On success
// the fresh credential is written to the token store before any waiter is
// released, so a joined caller can immediately replay its request with a
// valid Authorization header.
//
// Logout invalidates the in-flight operation: waiters receive
// ErrInvalidated and the (possibly successful) result is discarded rather
// than written to the token store, which prevents a refresh that raced a
// logout from resurrecting the session.
package refresh
