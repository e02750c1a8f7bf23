// Package auth owns the session lifecycle: login, register, logout,
// profile-backed status checks and empire updates.
//
// The session is mutated only through a single commit path that applies
// the change, recomputes the derived authenticated flag and hands every
// subscriber a deep snapshot, in that order. Authenticated is therefore
// never observed true with a missing credential or user, under any
// interleaving of login, logout and refresh.
//
// Logout is local-first: the remote call is best effort, and the local
// teardown (invalidate in-flight refresh, clear credential, drop the
// request cache, disconnect the socket, zero the session) always runs.
package auth
