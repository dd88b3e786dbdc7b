package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrorKind classifies a fetch failure so run accounting can tell transport
// problems apart from bad payloads.
type ErrorKind string

const (
	KindCircuitOpen ErrorKind = "circuit_open"
	KindRateLimited ErrorKind = "rate_limited"
	KindTimeout     ErrorKind = "timeout"
	KindConnection  ErrorKind = "connection_error"
	KindHTTP        ErrorKind = "http_error"
	KindDecoding    ErrorKind = "decoding_error"
)

// FetchError is the only error type Fetch returns.
type FetchError struct {
	Kind   ErrorKind
	Status int
	URL    string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// KindOf extracts the error kind, or "" for non-fetch errors.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
}

// Options tunes per-host throttling and breaker behavior.
type Options struct {
	// MinHostSpacing is the minimum time between requests to one host.
	MinHostSpacing time.Duration
	// FailThreshold consecutive failures open the host's breaker.
	FailThreshold int
	// Cooldown is how long an open breaker stays open.
	Cooldown time.Duration
	// MaxRetries bounds retry attempts for retryable failures.
	MaxRetries int
	// DefaultTimeout applies when a request carries none.
	DefaultTimeout time.Duration
	UserAgents     []string
}

func (o *Options) fill() {
	if o.MinHostSpacing <= 0 {
		o.MinHostSpacing = time.Second
	}
	if o.FailThreshold <= 0 {
		o.FailThreshold = 5
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 5 * time.Minute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 600 * time.Second
	}
	if len(o.UserAgents) == 0 {
		o.UserAgents = defaultUserAgents
	}
}

// Request is a single outbound fetch.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
	// Session pins cookies and the User-Agent across a multi-request flow
	// (ASP.NET postbacks, GeneXus grids).
	Session *Session
}

// Response is a fully-read response body plus metadata.
type Response struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	FinalURL    string
	ContentType string
}

type hostState struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// Client is the process-global resilient HTTP client. All adapters share one
// instance so per-host spacing and breaker state hold across sources.
type Client struct {
	opts   Options
	base   *http.Client
	mu     sync.Mutex
	hosts  map[string]*hostState
	rng    *rand.Rand
	rngMu  sync.Mutex
}

func NewClient(opts Options) *Client {
	opts.fill()
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		opts:  opts,
		base:  &http.Client{Transport: transport},
		hosts: make(map[string]*hostState),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Client) host(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid URL %q", rawURL)
	}
	return u.Host, nil
}

func (c *Client) stateFor(host string) *hostState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.hosts[host]; ok {
		return st
	}
	threshold := uint32(c.opts.FailThreshold)
	st := &hostState{
		limiter: rate.NewLimiter(rate.Every(c.opts.MinHostSpacing), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        host,
			MaxRequests: 1,
			Timeout:     c.opts.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Printf("[httpx] breaker %s: %s -> %s", name, from, to)
			},
		}),
	}
	c.hosts[host] = st
	return st
}

func (c *Client) pickUserAgent() string {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.opts.UserAgents[c.rng.Intn(len(c.opts.UserAgents))]
}

// Fetch performs the request with per-host rate limiting, circuit breaking
// and bounded retries. Every failure is a *FetchError.
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	host, err := c.host(req.URL)
	if err != nil {
		return nil, &FetchError{Kind: KindConnection, URL: req.URL, Err: err}
	}
	st := c.stateFor(host)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}

	ua := c.pickUserAgent()
	if req.Session != nil {
		ua = req.Session.userAgent
	}

	var lastErr *FetchError
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			// base 1s, doubled per attempt, capped at 30s, plus jitter
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			c.rngMu.Lock()
			jitter := time.Duration(c.rng.Intn(500)) * time.Millisecond
			c.rngMu.Unlock()
			select {
			case <-ctx.Done():
				return nil, &FetchError{Kind: KindTimeout, URL: req.URL, Err: ctx.Err()}
			case <-time.After(backoff + jitter):
			}
		}

		if err := st.limiter.Wait(ctx); err != nil {
			return nil, &FetchError{Kind: KindTimeout, URL: req.URL, Err: err}
		}

		result, err := st.breaker.Execute(func() (interface{}, error) {
			return c.do(ctx, req, ua, timeout)
		})
		if err != nil {
			fe := c.classify(req.URL, err)
			if fe.Kind == KindCircuitOpen || !retryable(fe) {
				return nil, fe
			}
			lastErr = fe
			continue
		}

		out, decErr := readResponse(req.URL, result.(*http.Response))
		if decErr != nil {
			return nil, decErr
		}
		return out, nil
	}
	return nil, lastErr
}

// do issues a single HTTP attempt. A non-2xx status is returned as an error
// so the breaker counts it.
func (c *Client) do(ctx context.Context, req Request, ua string, timeout time.Duration) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, method, req.URL, body)
	if err != nil {
		cancel()
		return nil, err
	}

	httpReq.Header.Set("User-Agent", ua)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,application/json;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "es-AR,es;q=0.9,en;q=0.5")
	for k, vs := range req.Header {
		httpReq.Header.Del(k)
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	client := c.base
	if req.Session != nil {
		client = req.Session.client
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, err
	}

	if resp.StatusCode >= 400 {
		resp.Body.Close()
		cancel()
		return nil, &statusError{code: resp.StatusCode}
	}

	// The cancel is tied to body consumption; readResponse drains the body
	// immediately after, then the context may go.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("status code %d", e.code) }

func (c *Client) classify(rawURL string, err error) *FetchError {
	var se *statusError
	if errors.As(err, &se) {
		kind := KindHTTP
		if se.code == http.StatusTooManyRequests {
			kind = KindRateLimited
		}
		return &FetchError{Kind: kind, Status: se.code, URL: rawURL, Err: err}
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &FetchError{Kind: KindCircuitOpen, URL: rawURL, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, URL: rawURL, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: KindTimeout, URL: rawURL, Err: err}
	}
	return &FetchError{Kind: KindConnection, URL: rawURL, Err: err}
}

// retryable: 5xx, 429, timeouts and connection errors. Other 4xx are final.
func retryable(fe *FetchError) bool {
	switch fe.Kind {
	case KindTimeout, KindConnection, KindRateLimited:
		return true
	case KindHTTP:
		return fe.Status >= 500
	default:
		return false
	}
}

func readResponse(rawURL string, resp *http.Response) (*Response, *FetchError) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Kind: KindDecoding, URL: rawURL, Err: err}
	}
	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &Response{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		Body:        data,
		FinalURL:    finalURL,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// Session is a sticky cookie session for stateful portals. It shares the
// client's transport (and therefore its per-host limiter and breaker) but
// carries its own cookie jar and a pinned User-Agent.
type Session struct {
	client    *http.Client
	userAgent string
}

func (c *Client) NewSession() *Session {
	jar, _ := cookiejar.New(nil)
	return &Session{
		client: &http.Client{
			Transport: c.base.Transport,
			Jar:       jar,
		},
		userAgent: c.pickUserAgent(),
	}
}

// Transport returns an http.RoundTripper that funnels requests through the
// client's per-host rate limiter and circuit breaker. Adapters that hand the
// crawl loop to another library (colly) install it so every host keeps one
// spacing and one breaker across the whole process.
func (c *Client) Transport() http.RoundTripper {
	return &guardedTransport{client: c}
}

type guardedTransport struct{ client *Client }

func (t *guardedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	st := t.client.stateFor(req.URL.Host)
	if err := st.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}

	base := t.client.base.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	result, err := st.breaker.Execute(func() (interface{}, error) {
		resp, err := base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			// Counts as a breaker failure; the response still goes back so
			// the caller sees the status and body.
			return resp, &statusError{code: resp.StatusCode}
		}
		return resp, nil
	})
	if err != nil {
		if resp, ok := result.(*http.Response); ok && resp != nil {
			return resp, nil
		}
		return nil, err
	}
	return result.(*http.Response), nil
}

// BreakerState reports the breaker state for a host, for introspection.
func (c *Client) BreakerState(host string) string {
	c.mu.Lock()
	st, ok := c.hosts[host]
	c.mu.Unlock()
	if !ok {
		return "closed"
	}
	return st.breaker.State().String()
}
