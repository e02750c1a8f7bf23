package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/starfall-game/starcore/pkg/log"
	"github.com/starfall-game/starcore/pkg/metrics"
	"github.com/starfall-game/starcore/pkg/token"
	"github.com/starfall-game/starcore/pkg/types"
)

// Doer dispatches a single HTTP request. The standard *http.Client
// satisfies it; tests inject stubs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Refresher is the single-flight credential refresh the client invokes
// on the first 401 of a call.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Options configures a Client.
type Options struct {
	// BaseURL is the backend HTTP base URL, without trailing slash.
	BaseURL string

	// Timeout bounds every dispatch. Defaults to 10s.
	Timeout time.Duration

	// RetryDelay is the fixed wait before the single transient retry of
	// an idempotent read. Defaults to 500ms.
	RetryDelay time.Duration

	// CacheTTL is the lifetime of coalesced idempotent reads.
	// Defaults to 2s.
	CacheTTL time.Duration

	// DevMode enables the Prometheus instrumentation stage.
	DevMode bool

	// HTTPClient overrides the transport. Defaults to an *http.Client
	// with Timeout.
	HTTPClient Doer
}

// Client wraps outbound requests with the auth-injection, request-id,
// classification, 401-replay, transient-retry, and normalization stages.
type Client struct {
	baseURL    string
	http       Doer
	tokens     *token.Store
	cache      *requestCache
	retryDelay time.Duration
	devMode    bool
	logger     zerolog.Logger

	refresher      Refresher
	onUnauthorized func()
}

// New creates a Client reading credentials from tokens.
func New(opts Options, tokens *token.Store) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 2 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		http:       httpClient,
		tokens:     tokens,
		cache:      newRequestCache(opts.CacheTTL),
		retryDelay: opts.RetryDelay,
		devMode:    opts.DevMode,
		logger:     log.WithComponent("httpclient"),
	}
}

// SetRefresher wires the refresh coordinator. Done after construction
// because the coordinator's refresh call runs through this client.
func (c *Client) SetRefresher(r Refresher) {
	c.refresher = r
}

// SetUnauthorizedHandler registers the callback fired once per terminal
// auth failure.
func (c *Client) SetUnauthorizedHandler(fn func()) {
	c.onUnauthorized = fn
}

// Get performs an idempotent read. Bursts of identical paths within the
// cache TTL are coalesced into one dispatch, and a single transient
// failure (502/503/504, timeout, network error) is retried once.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.cache.do(ctx, "GET "+path, func() (json.RawMessage, error) {
		return c.roundTrip(ctx, http.MethodGet, path, nil, true)
	})
}

// Post performs a write. Writes are never auto-retried and never cached.
func (c *Client) Post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.roundTrip(ctx, http.MethodPost, path, body, true)
}

// Do performs a request with an explicit method. Only GET goes through
// the cache and transient-retry stages.
func (c *Client) Do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	if method == http.MethodGet {
		return c.Get(ctx, path)
	}
	return c.roundTrip(ctx, method, path, body, true)
}

// InvalidateCache drops the cached result for a GET path.
func (c *Client) InvalidateCache(path string) {
	c.cache.invalidate("GET " + path)
}

// ClearCache drops every cached read. Called on logout so no stale
// authenticated payload survives the session.
func (c *Client) ClearCache() {
	c.cache.clear()
}

// RefreshCredential performs the bare refresh call. It bypasses the
// 401-replay stage so the refresh coordinator never recurses into
// itself; a 401 here is terminal for the caller to handle.
func (c *Client) RefreshCredential(ctx context.Context) (string, error) {
	data, err := c.roundTrip(ctx, http.MethodPost, "/auth/refresh", nil, false)
	if err != nil {
		return "", err
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Token == "" {
		return "", &APIError{Code: CodeServerError, Message: "refresh response missing token"}
	}
	return payload.Token, nil
}

// roundTrip runs the full pipeline for one call. allowRefresh guards the
// 401 stage: the replay after a successful refresh runs with it cleared,
// so a second 401 is terminal.
func (c *Client) roundTrip(ctx context.Context, method, path string, body any, allowRefresh bool) (json.RawMessage, error) {
	reqID := newRequestID()

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, &APIError{Code: CodeInvalidRequest, Message: fmt.Sprintf("failed to encode request body: %v", err)}
		}
	}

	idempotent := method == http.MethodGet
	res, err := c.send(ctx, method, path, bodyBytes, reqID, idempotent)
	if err != nil {
		return nil, err
	}
	status, respBody := res.status, res.body

	if status == http.StatusUnauthorized {
		if allowRefresh && c.refresher != nil {
			if _, rerr := c.refresher.Refresh(ctx); rerr == nil {
				// Replay exactly once; the fresh credential is read from
				// the token store on the next send.
				return c.roundTrip(ctx, method, path, body, false)
			}
		}
		// Signal only when a credential was actually invalidated, so a
		// terminal 401 that already fired inside the nested refresh call
		// does not route the user to re-authentication twice.
		hadCredential := c.tokens.Present()
		c.tokens.Clear()
		if hadCredential && c.onUnauthorized != nil {
			// The handler tears the session down, including disconnecting
			// the socket. When this 401 happened during a socket-triggered
			// refresh, that disconnect waits on the very goroutine the
			// refresh is blocking, so the handler must not run inline.
			go c.onUnauthorized()
		}
		c.logger.Warn().Str("request_id", reqID).Str("path", path).Msg("terminal auth failure")
		return nil, &APIError{Code: CodeUnauthorized, Message: "session expired", Status: status}
	}

	if status == http.StatusTooManyRequests {
		return nil, &RateLimitError{
			RetryAfter: res.retryAfter,
			Message:    envelopeMessage(respBody, "rate limited"),
		}
	}

	if status >= 200 && status < 300 {
		return decodeEnvelope(respBody, status)
	}

	return nil, &APIError{
		Code:    HTTPCode(status),
		Message: envelopeMessage(respBody, http.StatusText(status)),
		Status:  status,
	}
}

// reply carries one exchange's outcome through the pipeline stages.
type reply struct {
	status     int
	body       []byte
	retryAfter time.Duration
}

// send dispatches one request, retrying once on transient failure for
// idempotent calls. Transport failures come back already classified.
func (c *Client) send(ctx context.Context, method, path string, body []byte, reqID string, idempotent bool) (*reply, error) {
	r, err := c.dispatch(ctx, method, path, body, reqID)

	retriable := err != nil && IsTransient(err)
	if !retriable && err == nil {
		retriable = r.status == http.StatusBadGateway ||
			r.status == http.StatusServiceUnavailable ||
			r.status == http.StatusGatewayTimeout
	}

	if idempotent && retriable {
		metrics.RequestRetriesTotal.Inc()
		c.logger.Debug().Str("request_id", reqID).Str("path", path).Msg("retrying transient failure")
		select {
		case <-time.After(c.retryDelay):
		case <-ctx.Done():
			return nil, &APIError{Code: CodeTimeout, Message: ctx.Err().Error()}
		}
		r, err = c.dispatch(ctx, method, path, body, reqID)
	}

	return r, err
}

// dispatch performs a single HTTP exchange: auth injection, request id,
// transport, and transport-level error classification.
func (c *Client) dispatch(ctx context.Context, method, path string, body []byte, reqID string) (*reply, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &APIError{Code: CodeInvalidRequest, Message: err.Error()}
	}

	req.Header.Set("X-Request-ID", reqID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Read the credential fresh on every dispatch so a refresh mid-call
	// is picked up by the replay.
	if cred := c.tokens.Get(); cred != "" {
		req.Header.Set("Authorization", "Bearer "+cred)
	}

	var timer *metrics.Timer
	if c.devMode {
		timer = metrics.NewTimer()
	}

	resp, err := c.http.Do(req)

	if timer != nil {
		timer.ObserveDuration(metrics.RequestDuration.WithLabelValues(method))
	}

	if err != nil {
		code := CodeNetworkError
		if isTimeout(err) {
			code = CodeTimeout
		}
		if c.devMode {
			metrics.RequestsTotal.WithLabelValues(method, code).Inc()
		}
		return nil, &APIError{Code: code, Message: err.Error()}
	}
	defer resp.Body.Close()

	if c.devMode {
		metrics.RequestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Code: CodeNetworkError, Message: err.Error()}
	}

	return &reply{
		status:     resp.StatusCode,
		body:       respBody,
		retryAfter: parseRetryAfter(resp.Header),
	}, nil
}

// decodeEnvelope unwraps the canonical envelope of a 2xx response and
// normalizes known payload shapes.
func decodeEnvelope(body []byte, status int) (json.RawMessage, error) {
	var env types.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &APIError{Code: CodeServerError, Message: "malformed response envelope", Status: status}
	}

	if !env.Success {
		code := env.Code
		if code == "" {
			code = CodeServerError
		}
		return nil, &APIError{Code: code, Message: env.Message, Status: status, Details: env.Details}
	}

	return normalizeData(env.Data), nil
}

// normalizeData defaults resource fields on known envelope shapes so
// downstream consumers never branch on optional sub-fields. Unknown
// shapes pass through untouched.
func normalizeData(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return data
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return data
	}

	raw, ok := obj["empire"]
	if !ok {
		return data
	}

	var empire types.EmpireView
	if err := json.Unmarshal(raw, &empire); err != nil {
		return data
	}
	empire.Normalize()

	fixed, err := json.Marshal(&empire)
	if err != nil {
		return data
	}
	obj["empire"] = fixed

	out, err := json.Marshal(obj)
	if err != nil {
		return data
	}
	return out
}

// envelopeMessage pulls the best-effort message out of an error body.
func envelopeMessage(body []byte, fallback string) string {
	var env types.Envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
		return env.Message
	}
	return fallback
}

// parseRetryAfter reads the server's Retry-After hint in seconds.
// Zero means no hint was supplied.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// isTimeout reports whether a transport error was a deadline rather
// than a reachability failure.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// newRequestID builds a log-correlation id: timestamp prefix plus a
// random suffix. It is never used as an identity.
func newRequestID() string {
	return fmt.Sprintf("req_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
