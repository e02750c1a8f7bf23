// Package registry wires the connectivity core together and owns its
// lifecycle.
//
// Build order follows the dependency graph: token store, HTTP client,
// refresh coordinator, then the auth, network, socket and sync managers,
// and finally the orchestrator that aggregates their events. Initialize
// is single-flight with a hard timeout: concurrent callers join the
// in-flight attempt, a timeout is fatal and resets the registry, and
// Cleanup tears everything down so a fresh Initialize can follow.
//
// Individual managers fail soft. A manager that cannot come up reports
// itself disconnected and degrades overall health instead of failing the
// whole initialization.
package registry
