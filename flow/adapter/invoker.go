// Package adapter defines the narrow interfaces the engine and runners
// use to reach the outside world (HTTP, credentials, external services,
// human notification channels, response classification, keyed memory)
// together with production implementations. Runners route all I/O
// through these adapters so the engine can be tested with in-memory
// fakes.
package adapter

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Request is one outbound HTTP call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte

	// Timeout bounds this call. Zero uses the invoker default.
	Timeout time.Duration
}

// Response is the raw result of an HTTP call.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Invoker issues outbound HTTP requests on behalf of runners and
// notifiers. Implementations must be safe for concurrent use.
type Invoker interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// HTTPInvoker is the production Invoker: a shared http.Client with a
// per-host token-bucket rate limiter and a per-host circuit breaker, so
// one misbehaving integration cannot starve or hammer the rest.
type HTTPInvoker struct {
	client         *http.Client
	defaultTimeout time.Duration
	rps            rate.Limit
	burst          int
	maxBody        int64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
}

// InvokerOption configures an HTTPInvoker.
type InvokerOption func(*HTTPInvoker)

// WithHTTPClient substitutes the underlying client (tests, transports).
func WithHTTPClient(c *http.Client) InvokerOption {
	return func(i *HTTPInvoker) { i.client = c }
}

// WithDefaultTimeout sets the per-request timeout used when a Request
// carries none.
func WithDefaultTimeout(d time.Duration) InvokerOption {
	return func(i *HTTPInvoker) { i.defaultTimeout = d }
}

// WithRateLimit sets the per-host request rate and burst.
func WithRateLimit(rps float64, burst int) InvokerOption {
	return func(i *HTTPInvoker) {
		i.rps = rate.Limit(rps)
		i.burst = burst
	}
}

// WithMaxResponseBytes caps how much of a response body is read.
func WithMaxResponseBytes(n int64) InvokerOption {
	return func(i *HTTPInvoker) { i.maxBody = n }
}

// NewHTTPInvoker creates an HTTPInvoker with a 30s default timeout,
// 10 req/s per host with burst 20, and a 4 MiB response cap.
func NewHTTPInvoker(opts ...InvokerOption) *HTTPInvoker {
	inv := &HTTPInvoker{
		client:         &http.Client{},
		defaultTimeout: 30 * time.Second,
		rps:            10,
		burst:          20,
		maxBody:        4 << 20,
		limiters:       make(map[string]*rate.Limiter),
		breakers:       make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Do implements Invoker.
func (i *HTTPInvoker) Do(ctx context.Context, req Request) (Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return Response{}, err
	}
	host := u.Host

	if err := i.limiter(host).Wait(ctx); err != nil {
		return Response{}, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = i.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := i.breaker(host).Execute(func() (any, error) {
		return i.send(ctx, req)
	})
	if err != nil {
		return Response{}, err
	}
	return out.(Response), nil
}

func (i *HTTPInvoker) send(ctx context.Context, req Request) (Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return Response{}, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := i.client.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, i.maxBody))
	if err != nil {
		return Response{}, err
	}
	return Response{Status: resp.StatusCode, Headers: resp.Header, Body: data}, nil
}

func (i *HTTPInvoker) limiter(host string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()
	l, ok := i.limiters[host]
	if !ok {
		l = rate.NewLimiter(i.rps, i.burst)
		i.limiters[host] = l
	}
	return l
}

func (i *HTTPInvoker) breaker(host string) *gobreaker.CircuitBreaker {
	i.mu.Lock()
	defer i.mu.Unlock()
	b, ok := i.breakers[host]
	if !ok {
		b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    host,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		i.breakers[host] = b
	}
	return b
}
