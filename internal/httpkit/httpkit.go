// Package httpkit builds the HTTP clients used for outbound calls to the
// model API and the Steam Web API.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/backlog-assistant/internal/buildinfo"
)

// Transport defaults.
const (
	DialTimeout           = 10 * time.Second
	TLSHandshakeTimeout   = 10 * time.Second
	ResponseHeaderTimeout = 15 * time.Second
	MaxIdleConnsPerHost   = 5

	defaultClientTimeout = 30 * time.Second
)

// ClientOption configures NewClient.
type ClientOption func(*clientOptions)

type clientOptions struct {
	timeout       time.Duration
	headerTimeout time.Duration
	userAgent     string
	retries       int
	retryBackoff  time.Duration
	logger        *slog.Logger
}

// WithTimeout bounds each whole request. Zero means no limit, which
// streaming callers want; they bound requests through the context.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.timeout = d }
}

// WithResponseHeaderTimeout overrides how long to wait for response
// headers once the request is written.
func WithResponseHeaderTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.headerTimeout = d }
}

// WithUserAgent replaces the build-derived User-Agent.
func WithUserAgent(ua string) ClientOption {
	return func(o *clientOptions) { o.userAgent = ua }
}

// WithRetry retries requests that failed to dial, up to n more times
// with a fixed backoff. Requests whose body cannot be rewound are never
// retried.
func WithRetry(n int, backoff time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.retries = n
		o.retryBackoff = backoff
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

// NewTransport returns a pooled transport with bounded dial, handshake
// and header waits.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ResponseHeaderTimeout: ResponseHeaderTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient returns a client that stamps a User-Agent on every request
// and optionally retries dial failures.
func NewClient(opts ...ClientOption) *http.Client {
	o := clientOptions{
		timeout:   defaultClientTimeout,
		userAgent: buildinfo.UserAgent(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	t := NewTransport()
	if o.headerTimeout > 0 {
		t.ResponseHeaderTimeout = o.headerTimeout
	}

	var rt http.RoundTripper = &userAgentTransport{base: t, ua: o.userAgent}
	if o.retries > 0 {
		rt = &retryTransport{base: rt, count: o.retries, delay: o.retryBackoff, logger: o.logger}
	}
	return &http.Client{Timeout: o.timeout, Transport: rt}
}

type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.ua)
	return t.base.RoundTrip(req)
}

type retryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	for attempt := 1; attempt <= t.count && isRetryableError(err) && rewindable; attempt++ {
		if t.logger != nil {
			t.logger.Debug("retrying request",
				"method", req.Method, "url", req.URL.Redacted(), "attempt", attempt, "error", err)
		}

		timer := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		next := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("rewind request body: %w", bodyErr)
			}
			next.Body = body
		}
		resp, err = t.base.RoundTrip(next)
	}
	return resp, err
}

// isRetryableError reports dial failures, where the request never
// reached the server. A connection reset is not one of them: the server
// may already have acted on the request.
func isRetryableError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return true
	}
	return false
}

// DrainAndClose discards up to limit bytes of rc and closes it so the
// connection can return to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of an error response body and
// releases the connection.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
