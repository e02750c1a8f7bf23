// Package taskqueue is the rate-limited fetch queue used for paginated
// map data such as region summaries.
//
// A single worker drains an ordered list one task at a time. Tasks are
// keyed by identity: a key never appears twice across the queued list and
// the in-flight slot, so bursts of identical requests collapse into one
// fetch. Priority tasks are inserted at the front; among equal-priority
// tasks FIFO order holds.
//
// A 429 from the backend pauses the worker for
// max(server Retry-After, exponential backoff) — the exponential part
// doubles from 1s up to 8s and resets to zero on the next success — and
// reinserts the failed task at the very front so it retries first. Any
// other failure delivers a nil result for that key and moves on.
package taskqueue
