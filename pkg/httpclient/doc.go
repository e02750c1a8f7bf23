/*
Package httpclient wraps every outbound backend call in a fixed
pipeline.

Stages, in order:

 1. Auth injection: the current credential is read fresh from the token
    store and attached as a bearer header; a request id (timestamp
    prefix + random suffix, log correlation only) is generated.
 2. Dispatch, with the dev-only Prometheus instrumentation stage
    wrapped around it.
 3. Response classification into the canonical error taxonomy:
    TIMEOUT, NETWORK_ERROR, HTTP_<status>, UNAUTHORIZED, RATE_LIMITED,
    or the domain code carried by a success:false envelope.
 4. 401 handling: the first 401 of a call invokes the single-flight
    refresh coordinator and replays the call exactly once with the new
    credential; a second 401 is terminal, clearing the credential and
    firing the unauthorized handler.
 5. Transient retry: idempotent reads hitting 502/503/504 or a
    transport-level failure are retried once after a fixed delay.
    Writes are never auto-retried.
 6. Normalization: known envelope shapes (the embedded empire object)
    have their resource fields defaulted.

Idempotent reads additionally pass through a short-TTL cache that
coalesces bursts of identical paths: concurrent callers join the one
in-flight dispatch instead of duplicating it.
*/
package httpclient
