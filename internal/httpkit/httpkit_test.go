package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_Timeouts(t *testing.T) {
	assert.Equal(t, 30*time.Second, NewClient().Timeout)
	assert.Equal(t, 5*time.Second, NewClient(WithTimeout(5*time.Second)).Timeout)
	assert.Zero(t, NewClient(WithTimeout(0)).Timeout)
}

func echoUserAgent(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Header.Get("User-Agent"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, c *http.Client, req *http.Request) string {
	t.Helper()
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := echoUserAgent(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	assert.True(t, strings.HasPrefix(get(t, NewClient(), req), "BacklogAssistant/"))

	req, _ = http.NewRequest(http.MethodGet, srv.URL, nil)
	assert.Equal(t, "TestBot/1.0", get(t, NewClient(WithUserAgent("TestBot/1.0")), req))

	req, _ = http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "Caller/2.0")
	assert.Equal(t, "Caller/2.0", get(t, NewClient(), req))
}

func TestNewTransport_HasTimeouts(t *testing.T) {
	tr := NewTransport()
	assert.Equal(t, TLSHandshakeTimeout, tr.TLSHandshakeTimeout)
	assert.Equal(t, ResponseHeaderTimeout, tr.ResponseHeaderTimeout)
	assert.Equal(t, MaxIdleConnsPerHost, tr.MaxIdleConnsPerHost)
	assert.NotNil(t, tr.DialContext)
}

func TestNewClient_ResponseHeaderTimeout(t *testing.T) {
	c := NewClient(WithResponseHeaderTimeout(2 * time.Minute))
	ua, ok := c.Transport.(*userAgentTransport)
	require.True(t, ok)
	tr, ok := ua.base.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, tr.ResponseHeaderTimeout)

	_, retrying := NewClient(WithRetry(1, time.Millisecond)).Transport.(*retryTransport)
	assert.True(t, retrying)
}

func TestReadErrorBody(t *testing.T) {
	assert.Equal(t, "", ReadErrorBody(nil, 10))
	assert.Equal(t, "bad request", ReadErrorBody(io.NopCloser(strings.NewReader("bad request")), 100))
	assert.Equal(t, "0123", ReadErrorBody(io.NopCloser(strings.NewReader("0123456789")), 4))
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestReadErrorBody_Error(t *testing.T) {
	got := ReadErrorBody(io.NopCloser(errReader{}), 100)
	assert.Contains(t, got, "failed to read error body")
}

// failingRoundTripper fails with EHOSTUNREACH the first n calls.
type failingRoundTripper struct {
	failures int
	calls    int
}

func (f *failingRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.EHOSTUNREACH}
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
	}, nil
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantErr   bool
		wantCalls int
	}{
		{"no retry on success", 0, false, 1},
		{"recovers after one failure", 1, false, 2},
		{"exhausts retries", 10, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &failingRoundTripper{failures: tt.failures}
			rt := &retryTransport{base: ft, count: 2, delay: 10 * time.Millisecond}

			req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
			resp, err := rt.RoundTrip(req)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, http.StatusOK, resp.StatusCode)
			}
			assert.Equal(t, tt.wantCalls, ft.calls)
		})
	}
}

func TestRetryTransport_RespectsContextCancellation(t *testing.T) {
	ft := &failingRoundTripper{failures: 10}
	rt := &retryTransport{base: ft, count: 5, delay: 5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.com", nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := rt.RoundTrip(req)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, ft.calls)
}

func TestRetryTransport_Body(t *testing.T) {
	// Rewindable body is retried.
	ft := &failingRoundTripper{failures: 1}
	rt := &retryTransport{base: ft, count: 2, delay: 10 * time.Millisecond}
	req, _ := http.NewRequest(http.MethodPost, "http://example.com", strings.NewReader(`{"model":"x"}`))
	_, err := rt.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, 2, ft.calls)

	// Without GetBody the request cannot be replayed.
	ft = &failingRoundTripper{failures: 1}
	rt = &retryTransport{base: ft, count: 2, delay: 10 * time.Millisecond}
	req, _ = http.NewRequest(http.MethodPost, "http://example.com", strings.NewReader(`{"model":"x"}`))
	req.GetBody = nil
	_, err = rt.RoundTrip(req)
	assert.Error(t, err)
	assert.Equal(t, 1, ft.calls)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"generic", fmt.Errorf("oops"), false},
		{"EHOSTUNREACH", syscall.EHOSTUNREACH, true},
		{"ECONNREFUSED", syscall.ECONNREFUSED, true},
		{"ECONNRESET", syscall.ECONNRESET, false},
		{"wrapped", fmt.Errorf("connect: %w", syscall.ENETUNREACH), true},
		{"OpError", &net.OpError{
			Op: "dial", Net: "tcp",
			Err: &net.OpError{Op: "connect", Err: syscall.EHOSTUNREACH},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}
