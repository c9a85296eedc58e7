package offline0

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
)

// Fetcher is the network transport. A non-nil error means no response was
// obtained at all; HTTP error statuses come back as a Response.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

var (
	errUnsupportedScheme = errors.New("unsupported scheme")
	// errCallerGone marks a fetch cut short by the caller's own context. It
	// says nothing about the origin, so the breaker does not count it.
	errCallerGone = errors.New("request abandoned by caller")
)

// BreakerOptions configures the per-host circuit breaker around origin
// fetches. Once a host has failed Threshold times in a row, fetches to it fail
// immediately until Cooldown has passed, so offline fallbacks are served
// without waiting on dial timeouts. A Threshold of zero or less disables it.
type BreakerOptions struct {
	Threshold int
	Cooldown  time.Duration
}

type httpFetcher struct {
	client *http.Client
	opts   BreakerOptions

	mu       sync.RWMutex
	breakers map[string]circuitbreaker.CircuitBreaker[*Response]
}

func newHTTPFetcher(client *http.Client, opts BreakerOptions) *httpFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &httpFetcher{
		client:   client,
		opts:     opts,
		breakers: make(map[string]circuitbreaker.CircuitBreaker[*Response]),
	}
}

func (f *httpFetcher) Fetch(ctx context.Context, r *Request) (*Response, error) {
	return f.do(ctx, r, nil)
}

// proxyFetch forwards a request, body included. It is used for requests the
// router does not intercept.
func (f *httpFetcher) proxyFetch(ctx context.Context, r *Request, body io.Reader) (*Response, error) {
	return f.do(ctx, r, body)
}

// breaker returns the circuit breaker for host, or nil when disabled.
func (f *httpFetcher) breaker(host string) circuitbreaker.CircuitBreaker[*Response] {
	if f.opts.Threshold <= 0 {
		return nil
	}
	f.mu.RLock()
	cb, ok := f.breakers[host]
	f.mu.RUnlock()
	if ok {
		return cb
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok = f.breakers[host]; ok {
		return cb
	}
	threshold := uint32(f.opts.Threshold) // #nosec G115 -- positive, checked above
	cb = circuitbreaker.New[*Response](circuitbreaker.Config{
		MaxRequests: 1,
		Interval:    f.opts.Cooldown,
		Timeout:     f.opts.Cooldown,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errCallerGone)
		},
	})
	f.breakers[host] = cb
	return cb
}

// BreakerState reports the breaker state for host ("closed" when unknown).
func (f *httpFetcher) BreakerState(host string) string {
	f.mu.RLock()
	cb, ok := f.breakers[host]
	f.mu.RUnlock()
	if !ok {
		return "closed"
	}
	return cb.State().String()
}

// do fetches through the host's breaker. Only transport errors count as
// failures; an HTTP error status is a response, and a caller that cancels or
// times out is not the origin's fault.
func (f *httpFetcher) do(ctx context.Context, r *Request, body io.Reader) (*Response, error) {
	if !isHTTPScheme(r.URL.Scheme) {
		return nil, fmt.Errorf("%w: %q", errUnsupportedScheme, r.URL.Scheme)
	}
	cb := f.breaker(r.URL.Host)
	if cb == nil {
		return f.roundTrip(ctx, r, body)
	}
	return cb.Execute(ctx, func(ctx context.Context) (*Response, error) {
		resp, err := f.roundTrip(ctx, r, body)
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errCallerGone, err)
		}
		return resp, err
	})
}

func (f *httpFetcher) roundTrip(ctx context.Context, r *Request, body io.Reader) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	out := &Response{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(b),
	}
	out.Header.Del("Content-Length")
	return out, nil
}

// Conditional request headers are dropped: a 304 would otherwise be stored
// as if it were a full response. Hop-by-hop headers belong to the client's
// connection and are never forwarded.
var skippedRequestHeaders = map[string]struct{}{
	"Host":              {},
	"Content-Length":    {},
	"Connection":        {},
	"Keep-Alive":        {},
	"Proxy-Connection":  {},
	"Te":                {},
	"Trailer":           {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
	"If-None-Match":     {},
	"If-Modified-Since": {},
	"If-Match":          {},
	"If-Range":          {},
}

func copyHeaders(dst, src http.Header) {
	// Headers named in Connection are hop-by-hop too.
	named := make(map[string]struct{})
	for _, v := range src.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				named[http.CanonicalHeaderKey(tok)] = struct{}{}
			}
		}
	}
	for k, vs := range src {
		ck := http.CanonicalHeaderKey(k)
		if _, skip := skippedRequestHeaders[ck]; skip {
			continue
		}
		if _, skip := named[ck]; skip || strings.HasPrefix(ck, "Proxy-") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func isHTTPScheme(scheme string) bool {
	s := strings.ToLower(scheme)
	return s == "http" || s == "https"
}
