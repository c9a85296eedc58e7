package offline0

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestHTTPFetcher_StripsConditionalHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "fresh")
	}))
	defer srv.Close()

	f := newHTTPFetcher(srv.Client(), BreakerOptions{})
	req := newReq(http.MethodGet, srv.URL+"/a.txt", false)
	req.Header.Set("If-None-Match", `"v1"`)
	req.Header.Set("If-Modified-Since", "Mon, 01 Jan 2024 00:00:00 GMT")
	req.Header.Set("X-Trace", "1")

	resp, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.Status != http.StatusOK || string(resp.Body) != "fresh" {
		t.Errorf("got %d %q", resp.Status, resp.Body)
	}
	if got.Get("If-None-Match") != "" || got.Get("If-Modified-Since") != "" {
		t.Errorf("conditional headers forwarded: %v", got)
	}
	if got.Get("X-Trace") != "1" {
		t.Errorf("other headers dropped: %v", got)
	}
	if resp.Hash32 == 0 {
		t.Error("hash not computed")
	}
}

func TestHTTPFetcher_RejectsNonHTTPScheme(t *testing.T) {
	f := newHTTPFetcher(nil, BreakerOptions{})
	_, err := f.Fetch(context.Background(), newReq(http.MethodGet, "chrome-extension://abc/x.js", false))
	if !errors.Is(err, errUnsupportedScheme) {
		t.Errorf("err = %v, want errUnsupportedScheme", err)
	}
}

func TestHTTPFetcher_ErrorStatusIsAResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newHTTPFetcher(srv.Client(), BreakerOptions{Threshold: 1, Cooldown: time.Minute})
	for i := 0; i < 3; i++ {
		resp, err := f.Fetch(context.Background(), newReq(http.MethodGet, srv.URL+"/", false))
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if resp.OK() {
			t.Errorf("503 reported ok")
		}
	}
	if got := f.BreakerState(mustURL(srv.URL).Host); !strings.EqualFold(got, "closed") {
		t.Errorf("breaker = %q, want closed", got)
	}
}

func TestHTTPFetcher_BreakerFailsFast(t *testing.T) {
	var calls atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	})}
	f := newHTTPFetcher(client, BreakerOptions{Threshold: 2, Cooldown: time.Minute})

	for i := 0; i < 5; i++ {
		if _, err := f.Fetch(context.Background(), newReq(http.MethodGet, "https://down.example/", false)); err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("transport calls = %d, want 2", got)
	}
	if got := f.BreakerState("down.example"); !strings.Contains(strings.ToLower(got), "open") {
		t.Errorf("breaker = %q, want open", got)
	}

	// Other hosts are unaffected.
	_, _ = f.Fetch(context.Background(), newReq(http.MethodGet, "https://other.example/", false))
	if got := calls.Load(); got != 3 {
		t.Errorf("transport calls = %d, want 3", got)
	}
}

func TestHTTPFetcher_StripsHopByHopHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	f := newHTTPFetcher(srv.Client(), BreakerOptions{})
	req := newReq(http.MethodGet, srv.URL+"/", false)
	req.Header.Set("Connection", "keep-alive, X-Session-Hint")
	req.Header.Set("X-Session-Hint", "secret")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Proxy-Authorization", "Basic Zm9vOmJhcg==")
	req.Header.Set("Proxy-Connection", "keep-alive")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Te", "trailers")
	req.Header.Set("Trailer", "Expires")
	req.Header.Set("Accept", "text/html")

	if _, err := f.Fetch(context.Background(), req); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	for _, h := range []string{"X-Session-Hint", "Keep-Alive", "Proxy-Authorization", "Proxy-Connection", "Upgrade", "Te", "Trailer"} {
		if v := got.Get(h); v != "" {
			t.Errorf("%s forwarded to origin: %q", h, v)
		}
	}
	if got.Get("Accept") != "text/html" {
		t.Errorf("end-to-end header dropped: %v", got)
	}
}

func TestHTTPFetcher_CallerTimeoutsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_, _ = io.WriteString(w, "fast")
	}))
	defer srv.Close()

	f := newHTTPFetcher(srv.Client(), BreakerOptions{Threshold: 2, Cooldown: time.Minute})
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := f.Fetch(ctx, newReq(http.MethodGet, srv.URL+"/slow", false))
		cancel()
		if err == nil {
			t.Fatalf("attempt %d: expected timeout", i)
		}
	}

	host := mustURL(srv.URL).Host
	if got := f.BreakerState(host); !strings.EqualFold(got, "closed") {
		t.Errorf("breaker = %q after caller timeouts, want closed", got)
	}
	resp, err := f.Fetch(context.Background(), newReq(http.MethodGet, srv.URL+"/fast", false))
	if err != nil || string(resp.Body) != "fast" {
		t.Errorf("healthy origin rejected: %v", err)
	}
}
