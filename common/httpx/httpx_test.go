package httpx

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchHost(t *testing.T) {
	tests := []struct {
		pattern, host string
		want          bool
	}{
		{"*", "api.mistral.ai", true},
		{"api.mistral.ai", "API.mistral.ai", true},
		{"*.openai.com", "api.openai.com", true},
		{"*.openai.com", "openai.com", true},
		{"*.openai.com", "evilopenai.com", false},
		{"localhost", "127.0.0.1", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchHost(tt.pattern, tt.host), "%s vs %s", tt.pattern, tt.host)
	}
}

func TestDoRetriesServerErrorsWithBody(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body))
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(srv.Client(), Options{Retry: 2, BackoffMin: time.Millisecond, BackoffMax: 2 * time.Millisecond})
	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("payload"))
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestDoBlocksHostsOutsideAllowlist(t *testing.T) {
	c := New(nil, Options{HostAllowlist: []string{"*.mistral.ai"}})
	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	_, err := c.Do(req)
	assert.ErrorIs(t, err, ErrHostNotAllowed)
}

func TestDoOpensCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.Client(), Options{MaxConsecutiveFail: 2, CircuitOpen: time.Minute})
	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		resp, err := c.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := c.Do(req)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestHTTPClientAdapter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	hc := New(srv.Client(), Options{}).HTTPClient()
	resp, err := hc.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "pong", string(body))
}
