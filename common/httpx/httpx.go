package httpx

import (
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/verdemuse/assistant/common/breaker"
	"github.com/verdemuse/assistant/common/logger"
	"github.com/verdemuse/assistant/config"
)

// Client is an outbound HTTP client with a host allowlist, jittered retry
// and a shared circuit breaker. It is used for every third-party API call.
type Client struct {
	hc      *http.Client
	opt     Options
	breaker *breaker.Breaker
}

type Options struct {
	Timeout            time.Duration
	Retry              int
	BackoffMin         time.Duration
	BackoffMax         time.Duration
	HostAllowlist      []string
	MaxConsecutiveFail int
	CircuitOpen        time.Duration
}

var (
	ErrCircuitOpen    = errors.New("circuit open")
	ErrHostNotAllowed = errors.New("host not allowed")
)

func NewFromConfig(cfg *config.HTTPClientConfig) *Client {
	to := 30 * time.Second
	if cfg != nil && cfg.TimeoutMs > 0 {
		to = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	retry := 1
	if cfg != nil && cfg.Retry > 0 {
		retry = cfg.Retry
	}
	bmin := 100 * time.Millisecond
	if cfg != nil && cfg.BackoffMinMs > 0 {
		bmin = time.Duration(cfg.BackoffMinMs) * time.Millisecond
	}
	bmax := 800 * time.Millisecond
	if cfg != nil && cfg.BackoffMaxMs > 0 {
		bmax = time.Duration(cfg.BackoffMaxMs) * time.Millisecond
	}
	mcf := 5
	if cfg != nil && cfg.MaxConsecutiveFailures > 0 {
		mcf = cfg.MaxConsecutiveFailures
	}
	cop := 5 * time.Second
	if cfg != nil && cfg.CircuitOpenSeconds > 0 {
		cop = time.Duration(cfg.CircuitOpenSeconds) * time.Second
	}
	var allow []string
	if cfg != nil {
		allow = cfg.HostAllowlist
	}

	transport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		DialContext:     (&net.Dialer{Timeout: to}).DialContext,
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:    100,
		IdleConnTimeout: 30 * time.Second,
	}
	return New(&http.Client{Timeout: to, Transport: transport}, Options{
		Timeout: to, Retry: retry, BackoffMin: bmin, BackoffMax: bmax,
		HostAllowlist: allow, MaxConsecutiveFail: mcf, CircuitOpen: cop,
	})
}

// New wraps an existing http.Client. Zero option values disable retries
// and leave the circuit at its defaults.
func New(hc *http.Client, opt Options) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	if opt.MaxConsecutiveFail <= 0 {
		opt.MaxConsecutiveFail = 5
	}
	if opt.CircuitOpen <= 0 {
		opt.CircuitOpen = 5 * time.Second
	}
	return &Client{
		hc:  hc,
		opt: opt,
		breaker: breaker.New(breaker.Options{
			Failures:   opt.MaxConsecutiveFail,
			MinBackoff: opt.CircuitOpen,
			MaxBackoff: 8 * opt.CircuitOpen,
			OnStateChange: func(from, to breaker.State) {
				logger.Warnf("httpx: circuit %s -> %s", from, to)
			},
		}),
	}
}

func (c *Client) allowed(u *url.URL) bool {
	if len(c.opt.HostAllowlist) == 0 {
		return true
	}
	host := u.Hostname()
	for _, h := range c.opt.HostAllowlist {
		if matchHost(h, host) {
			return true
		}
	}
	return false
}

func matchHost(pattern, host string) bool {
	if pattern == "*" {
		return true
	}
	if strings.EqualFold(pattern, host) {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suf := strings.TrimPrefix(pattern, "*.")
		return strings.HasSuffix(host, "."+suf) || host == suf
	}
	return false
}

// Do sends req, retrying transport errors and 5xx responses. Responses with
// a status below 500 are returned to the caller as-is.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if !c.allowed(req.URL) {
		logger.Warnf("httpx: blocked outbound host: %s", req.URL.Host)
		return nil, ErrHostNotAllowed
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, ErrCircuitOpen
	}

	var resp *http.Response
	var err error
	for i := 0; i <= c.opt.Retry; i++ {
		attempt := req
		if i > 0 {
			if attempt, err = rewind(req); err != nil {
				c.breaker.Failure()
				return nil, err
			}
		}
		resp, err = c.hc.Do(attempt)
		if err == nil && resp.StatusCode < 500 {
			c.breaker.Success()
			return resp, nil
		}
		if i == c.opt.Retry {
			break
		}
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		logger.Warnf("httpx: request failed (try %d/%d) to %s: %v", i+1, c.opt.Retry+1, req.URL.Host, errOrStatus(err, resp))
		select {
		case <-req.Context().Done():
			c.breaker.Failure()
			return nil, req.Context().Err()
		case <-time.After(backoffJitter(c.opt.BackoffMin, c.opt.BackoffMax)):
		}
	}
	c.breaker.Failure()
	return resp, err
}

// HTTPClient adapts the client to a *http.Client for SDKs that accept one.
func (c *Client) HTTPClient() *http.Client {
	return &http.Client{Transport: roundTripperFunc(c.Do)}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("httpx: request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, nil
}

func errOrStatus(err error, resp *http.Response) interface{} {
	if err != nil {
		return err
	}
	if resp != nil {
		return resp.Status
	}
	return "no response"
}

func backoffJitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
