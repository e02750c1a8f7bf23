// Package bgsync replays writes that were queued while the backend was
// unreachable.
//
// Operations live in a bbolt journal keyed by a monotonic sequence, so
// the queue is FIFO and survives process restarts. A drain pass walks the
// journal in order: replayed ops are removed, transient failures pause
// the pass and bump the op's attempt count, and backend rejections are
// logged and dropped so one poisoned op cannot block everything behind
// it. The manager reports idle, active or error as its contribution to
// connection health.
package bgsync
