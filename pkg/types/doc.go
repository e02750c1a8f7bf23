/*
Package types defines the core data structures shared by the Starcore
connectivity managers.

This package contains the domain model the connectivity core touches:
the session, the empire/user projections the session carries, the
network status snapshot, the aggregated connection health view, the
canonical backend response envelope, and the pending-operation record
used by background sync.

# Ownership

Each mutable type has exactly one owning manager:

  - Session: pkg/auth (mutated only through its commit path)
  - NetworkStatus: pkg/netmon (replaced wholesale, never field-patched)
  - ConnectionHealth: pkg/orchestrator (derived, recomputed per event)
  - PendingOp: pkg/bgsync (journaled in bbolt until drained)

Everything else in this package is an immutable value passed between
managers. Consumers receive copies (Session.Clone) so no subscriber can
observe a half-updated session.

# Invariants

Session.Authenticated is derived, never assigned directly: it is true
iff both Credential and User are present, recomputed via Recompute on
every mutation. EmpireView.Normalize guarantees the resources block is
present so downstream code never branches on a missing sub-field.
*/
package types
