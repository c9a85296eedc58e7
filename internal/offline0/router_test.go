package offline0

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
)

type fakeNetwork struct {
	mu        sync.Mutex
	calls     int
	down      bool
	responses map[string]*Response
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{responses: map[string]*Response{}}
}

func (n *fakeNetwork) set(rawURL string, status int, contentType, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses[cacheKey(mustURL(rawURL))] = newResponse(status, contentType, []byte(body))
}

func (n *fakeNetwork) setDown(down bool) {
	n.mu.Lock()
	n.down = down
	n.mu.Unlock()
}

func (n *fakeNetwork) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

func (n *fakeNetwork) Fetch(_ context.Context, req *Request) (*Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.down {
		return nil, errors.New("dial tcp: connection refused")
	}
	if r, ok := n.responses[req.Key()]; ok {
		return r.Clone(), nil
	}
	return newResponse(http.StatusNotFound, "text/plain", []byte("not found")), nil
}

// spyCache counts every interaction with the wrapped cache.
type spyCache struct {
	Cache

	mu       sync.Mutex
	ops      int
	matchErr error
	putErr   error
}

func (c *spyCache) count() {
	c.mu.Lock()
	c.ops++
	c.mu.Unlock()
}

func (c *spyCache) Ops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ops
}

func (c *spyCache) Match(ctx context.Context, key string) (*Response, bool, error) {
	c.count()
	if c.matchErr != nil {
		return nil, false, c.matchErr
	}
	return c.Cache.Match(ctx, key)
}

func (c *spyCache) Put(ctx context.Context, key string, resp *Response) error {
	c.count()
	if c.putErr != nil {
		return c.putErr
	}
	return c.Cache.Put(ctx, key, resp)
}

func (c *spyCache) Delete(ctx context.Context, key string) (bool, error) {
	c.count()
	return c.Cache.Delete(ctx, key)
}

func mustURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

func newReq(method, rawURL string, navigate bool) *Request {
	return &Request{Method: method, URL: mustURL(rawURL), Navigate: navigate, Header: make(http.Header)}
}

const testOrigin = "https://app.example"

func newTestRouter(t *testing.T) (*Router, *spyCache, *fakeNetwork) {
	t.Helper()
	c, err := NewMemoryStorage().Open(context.Background(), "test-v1")
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	spy := &spyCache{Cache: c}
	net := newFakeNetwork()
	rt := NewRouter(RouterConfig{
		Generation: "test-v1",
		APIPrefix:  "/api/",
		OfflineKey: testOrigin + "/offline.html",
		AppName:    "Test App",
	}, spy, net)
	return rt, spy, net
}

func seed(t *testing.T, c Cache, rawURL string, status int, contentType, body string) *Response {
	t.Helper()
	resp := newResponse(status, contentType, []byte(body))
	if err := c.Put(context.Background(), cacheKey(mustURL(rawURL)), resp); err != nil {
		t.Fatalf("seed %s: %v", rawURL, err)
	}
	return resp
}

func TestRouter_Classify(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	tests := []struct {
		name string
		req  *Request
		want Strategy
	}{
		{"post", newReq(http.MethodPost, testOrigin+"/api/login", false), StrategyPassthrough},
		{"head", newReq(http.MethodHead, testOrigin+"/", false), StrategyPassthrough},
		{"non http scheme", newReq(http.MethodGet, "chrome-extension://abc/script.js", false), StrategyPassthrough},
		{"navigation", newReq(http.MethodGet, testOrigin+"/dashboard", true), StrategyNavigation},
		{"navigation under api prefix", newReq(http.MethodGet, testOrigin+"/api/report", true), StrategyNavigation},
		{"api", newReq(http.MethodGet, testOrigin+"/api/auth/check", false), StrategyAPI},
		{"static", newReq(http.MethodGet, testOrigin+"/css/style.css", false), StrategyStatic},
		{"external static", newReq(http.MethodGet, "https://fonts.example/css2?family=Inter", false), StrategyStatic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rt.Classify(tt.req); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRouter_PassthroughTouchesNothing(t *testing.T) {
	rt, spy, net := newTestRouter(t)

	for _, req := range []*Request{
		newReq(http.MethodPost, testOrigin+"/api/auth/login", false),
		newReq(http.MethodDelete, testOrigin+"/api/items/1", false),
		newReq(http.MethodGet, "ftp://files.example/a.css", false),
	} {
		if _, ok := rt.Handle(context.Background(), req); ok {
			t.Errorf("%s %s: expected pass-through", req.Method, req.URL)
		}
	}
	if spy.Ops() != 0 {
		t.Errorf("cache ops = %d, want 0", spy.Ops())
	}
	if net.Calls() != 0 {
		t.Errorf("network calls = %d, want 0", net.Calls())
	}
}

func TestRouter_NavigationNetworkSuccessIsCached(t *testing.T) {
	rt, spy, net := newTestRouter(t)
	net.set(testOrigin+"/dashboard", http.StatusOK, "text/html", "<h1>dash</h1>")

	res, ok := rt.Handle(context.Background(), newReq(http.MethodGet, testOrigin+"/dashboard", true))
	if !ok {
		t.Fatal("expected navigation to be intercepted")
	}
	if res.Source != SourceNetwork || string(res.Response.Body) != "<h1>dash</h1>" {
		t.Fatalf("got source=%s body=%q", res.Source, res.Response.Body)
	}

	cached, hit, err := spy.Cache.Match(context.Background(), testOrigin+"/dashboard")
	if err != nil || !hit {
		t.Fatalf("expected cached page, hit=%v err=%v", hit, err)
	}
	if string(cached.Body) != "<h1>dash</h1>" {
		t.Errorf("cached body = %q", cached.Body)
	}

	// The returned response and the stored one must not share a body.
	res.Response.Body[0] = 'X'
	cached, _, _ = spy.Cache.Match(context.Background(), testOrigin+"/dashboard")
	if cached.Body[0] != '<' {
		t.Error("stored entry aliases the returned response")
	}
}

func TestRouter_NavigationFallbacks(t *testing.T) {
	t.Run("cached page", func(t *testing.T) {
		rt, spy, net := newTestRouter(t)
		net.setDown(true)
		want := seed(t, spy.Cache, testOrigin+"/dashboard", http.StatusOK, "text/html", "cached dash")
		seed(t, spy.Cache, testOrigin+"/offline.html", http.StatusOK, "text/html", "offline page")

		res, _ := rt.Handle(context.Background(), newReq(http.MethodGet, testOrigin+"/dashboard", true))
		if res.Source != SourceCache {
			t.Errorf("source = %s, want cache", res.Source)
		}
		if !bytes.Equal(res.Response.Body, want.Body) || res.Response.Status != want.Status {
			t.Errorf("got %d %q, want %d %q", res.Response.Status, res.Response.Body, want.Status, want.Body)
		}
	})

	t.Run("non ok status falls back like an error", func(t *testing.T) {
		rt, spy, net := newTestRouter(t)
		net.set(testOrigin+"/dashboard", http.StatusInternalServerError, "text/html", "boom")
		seed(t, spy.Cache, testOrigin+"/dashboard", http.StatusOK, "text/html", "cached dash")

		res, _ := rt.Handle(context.Background(), newReq(http.MethodGet, testOrigin+"/dashboard", true))
		if res.Source != SourceCache || string(res.Response.Body) != "cached dash" {
			t.Errorf("got source=%s body=%q", res.Source, res.Response.Body)
		}
	})

	t.Run("offline page", func(t *testing.T) {
		rt, spy, net := newTestRouter(t)
		net.setDown(true)
		want := seed(t, spy.Cache, testOrigin+"/offline.html", http.StatusOK, "text/html", "offline page")

		res, _ := rt.Handle(context.Background(), newReq(http.MethodGet, testOrigin+"/never-seen", true))
		if res.Source != SourceOfflinePage {
			t.Errorf("source = %s, want offline-page", res.Source)
		}
		if !bytes.Equal(res.Response.Body, want.Body) {
			t.Errorf("body = %q, want %q", res.Response.Body, want.Body)
		}
	})

	t.Run("synthesized page", func(t *testing.T) {
		rt, _, net := newTestRouter(t)
		net.setDown(true)

		res, _ := rt.Handle(context.Background(), newReq(http.MethodGet, testOrigin+"/never-seen", true))
		if res.Source != SourceFallback {
			t.Errorf("source = %s, want fallback", res.Source)
		}
		if res.Response.Status != http.StatusOK {
			t.Errorf("status = %d, want 200", res.Response.Status)
		}
		if ct := res.Response.ContentType(); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("content-type = %q", ct)
		}
		body := string(res.Response.Body)
		if !strings.Contains(body, "window.location.reload()") || !strings.Contains(body, "Try Again") {
			t.Error("synthesized page has no retry affordance")
		}
		if !strings.Contains(body, "Test App") {
			t.Error("synthesized page does not name the app")
		}
	})
}

func TestRouter_APIGetSuccessIsCached(t *testing.T) {
	rt, spy, net := newTestRouter(t)
	net.set(testOrigin+"/api/auth/check", http.StatusOK, "application/json", `{"authenticated":true}`)

	res, ok := rt.Handle(context.Background(), newReq(http.MethodGet, testOrigin+"/api/auth/check", false))
	if !ok || res.Strategy != StrategyAPI || res.Source != SourceNetwork {
		t.Fatalf("got ok=%v strategy=%s source=%s", ok, res.Strategy, res.Source)
	}

	cached, hit, err := spy.Cache.Match(context.Background(), testOrigin+"/api/auth/check")
	if err != nil || !hit {
		t.Fatalf("expected cache entry, hit=%v err=%v", hit, err)
	}
	if cached.Status != res.Response.Status || !bytes.Equal(cached.Body, res.Response.Body) ||
		cached.ContentType() != res.Response.ContentType() {
		t.Errorf("cached entry %d %q differs from response %d %q", cached.Status, cached.Body, res.Response.Status, res.Response.Body)
	}
}

func TestRouter_APIGetOfflineServesCache(t *testing.T) {
	rt, spy, net := newTestRouter(t)
	net.setDown(true)
	seed(t, spy.Cache, testOrigin+"/api/courses", http.StatusOK, "application/json", `[1,2]`)

	res, _ := rt.Handle(context.Background(), newReq(http.MethodGet, testOrigin+"/api/courses", false))
	if res.Source != SourceCache || string(res.Response.Body) != `[1,2]` {
		t.Errorf("got source=%s body=%q", res.Source, res.Response.Body)
	}
}

func TestRouter_APIOfflineError(t *testing.T) {
	check := func(t *testing.T, res Result) {
		t.Helper()
		if res.Response.Status != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", res.Response.Status)
		}
		if ct := res.Response.ContentType(); ct != "application/json" {
			t.Errorf("content-type = %q", ct)
		}
		var body apiOfflineError
		if err := json.Unmarshal(res.Response.Body, &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if !body.Offline || body.Error == "" || body.Message == "" {
			t.Errorf("body = %+v", body)
		}
	}

	t.Run("get miss", func(t *testing.T) {
		rt, _, net := newTestRouter(t)
		net.setDown(true)
		res, _ := rt.Handle(context.Background(), newReq(http.MethodGet, testOrigin+"/api/courses", false))
		check(t, res)
	})

	t.Run("non-get never consults the cache", func(t *testing.T) {
		rt, spy, net := newTestRouter(t)
		net.setDown(true)
		// Even a matching entry must not be replayed for a write.
		seed(t, spy.Cache, testOrigin+"/api/items", http.StatusOK, "application/json", `[]`)
		before := spy.Ops()

		res := rt.api(context.Background(), newReq(http.MethodPost, testOrigin+"/api/items", false))
		check(t, res)
		if spy.Ops() != before {
			t.Errorf("cache ops = %d, want %d", spy.Ops(), before)
		}
	})

	t.Run("non-get success is not stored", func(t *testing.T) {
		rt, spy, net := newTestRouter(t)
		net.set(testOrigin+"/api/items", http.StatusOK, "application/json", `{"id":1}`)
		res := rt.api(context.Background(), newReq(http.MethodPost, testOrigin+"/api/items", false))
		if res.Source != SourceNetwork {
			t.Errorf("source = %s, want network", res.Source)
		}
		if spy.Ops() != 0 {
			t.Errorf("cache ops = %d, want 0", spy.Ops())
		}
	})
}

func TestRouter_StaticCacheHitSkipsNetwork(t *testing.T) {
	rt, spy, net := newTestRouter(t)
	seed(t, spy.Cache, testOrigin+"/css/style.css", http.StatusOK, "text/css", "body{}")
	net.set(testOrigin+"/css/style.css", http.StatusOK, "text/css", "body{color:red}")

	res, _ := rt.Handle(context.Background(), newReq(http.MethodGet, testOrigin+"/css/style.css", false))
	if res.Source != SourceCache || string(res.Response.Body) != "body{}" {
		t.Errorf("got source=%s body=%q", res.Source, res.Response.Body)
	}
	if net.Calls() != 0 {
		t.Errorf("network calls = %d, want 0", net.Calls())
	}
}

func TestRouter_StaticMissFetchesAndStores(t *testing.T) {
	rt, _, net := newTestRouter(t)
	net.set(testOrigin+"/js/app.js", http.StatusOK, "application/javascript", "init()")

	res, _ := rt.Handle(context.Background(), newReq(http.MethodGet, testOrigin+"/js/app.js", false))
	if res.Source != SourceNetwork {
		t.Fatalf("source = %s, want network", res.Source)
	}
	net.setDown(true)
	res, _ = rt.Handle(context.Background(), newReq(http.MethodGet, testOrigin+"/js/app.js", false))
	if res.Source != SourceCache || string(res.Response.Body) != "init()" {
		t.Errorf("second request: source=%s body=%q", res.Source, res.Response.Body)
	}
	if net.Calls() != 1 {
		t.Errorf("network calls = %d, want 1", net.Calls())
	}
}

func TestRouter_StaticPlaceholders(t *testing.T) {
	tests := []struct {
		path        string
		status      int
		contentType string
	}{
		{"/css/missing.css", http.StatusOK, "text/css"},
		{"/js/missing.js", http.StatusOK, "application/javascript"},
		{"/img/logo.png", http.StatusOK, "image/png"},
		{"/img/photo.JPG", http.StatusOK, "image/png"},
		{"/img/photo.jpeg", http.StatusOK, "image/png"},
		{"/fonts/inter.woff2", http.StatusNotFound, "text/plain; charset=utf-8"},
		{"/manifest.json", http.StatusNotFound, "text/plain; charset=utf-8"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rt, _, net := newTestRouter(t)
			net.setDown(true)
			res, _ := rt.Handle(context.Background(), newReq(http.MethodGet, testOrigin+tt.path, false))
			if res.Source != SourceFallback {
				t.Errorf("source = %s, want fallback", res.Source)
			}
			if res.Response.Status != tt.status {
				t.Errorf("status = %d, want %d", res.Response.Status, tt.status)
			}
			if ct := res.Response.ContentType(); ct != tt.contentType {
				t.Errorf("content-type = %q, want %q", ct, tt.contentType)
			}
		})
	}
}

func TestRouter_StaticImagePlaceholderIsTransparentPixel(t *testing.T) {
	rt, _, net := newTestRouter(t)
	net.setDown(true)

	res, _ := rt.Handle(context.Background(), newReq(http.MethodGet, testOrigin+"/img/avatar.png", false))
	if ct := res.Response.ContentType(); ct != "image/png" {
		t.Fatalf("content-type = %q", ct)
	}
	img, err := png.Decode(bytes.NewReader(res.Response.Body))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 1 || b.Dy() != 1 {
		t.Errorf("size = %dx%d, want 1x1", b.Dx(), b.Dy())
	}
	if _, _, _, a := img.At(0, 0).RGBA(); a != 0 {
		t.Errorf("alpha = %d, want 0", a)
	}
}

func TestRouter_CacheStoreFailureDegradesToNetwork(t *testing.T) {
	rt, spy, net := newTestRouter(t)
	spy.matchErr = errors.New("store unavailable")
	spy.putErr = errors.New("quota exceeded")
	net.set(testOrigin+"/css/style.css", http.StatusOK, "text/css", "body{}")

	res, ok := rt.Handle(context.Background(), newReq(http.MethodGet, testOrigin+"/css/style.css", false))
	if !ok || res.Source != SourceNetwork || string(res.Response.Body) != "body{}" {
		t.Errorf("got ok=%v source=%s body=%q", ok, res.Source, res.Response.Body)
	}

	net.setDown(true)
	res, _ = rt.Handle(context.Background(), newReq(http.MethodGet, testOrigin+"/page", true))
	if res.Source != SourceFallback || res.Response.Status != http.StatusOK {
		t.Errorf("got source=%s status=%d", res.Source, res.Response.Status)
	}
}

func TestRouter_MaxEntryBytes(t *testing.T) {
	c, _ := NewMemoryStorage().Open(context.Background(), "test-v1")
	net := newFakeNetwork()
	rt := NewRouter(RouterConfig{Generation: "test-v1", MaxEntryBytes: 4}, c, net)
	net.set(testOrigin+"/big.js", http.StatusOK, "application/javascript", "0123456789")

	res, _ := rt.Handle(context.Background(), newReq(http.MethodGet, testOrigin+"/big.js", false))
	if res.Source != SourceNetwork || len(res.Response.Body) != 10 {
		t.Fatalf("got source=%s len=%d", res.Source, len(res.Response.Body))
	}
	if _, hit, _ := c.Match(context.Background(), testOrigin+"/big.js"); hit {
		t.Error("oversized response was stored")
	}
}

func TestRouter_CanceledRequestStillAnswers(t *testing.T) {
	rt, _, _ := newTestRouter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The fake network ignores ctx; the cache does not. The router still
	// produces a response and the cache stays untouched.
	res, ok := rt.Handle(ctx, newReq(http.MethodGet, testOrigin+"/css/a.css", false))
	if !ok || res.Response == nil {
		t.Fatal("expected a response")
	}
}

func TestRouter_SessionStateIsNotShared(t *testing.T) {
	rt, spy, net := newTestRouter(t)
	net.set(testOrigin+"/api/me", http.StatusOK, "application/json", `{"user":"alice"}`)
	net.set(testOrigin+"/dashboard", http.StatusOK, "text/html", "<h1>alice</h1>")
	net.set(testOrigin+"/api/token", http.StatusOK, "application/json", `{"t":1}`)
	net.set(testOrigin+"/api/shared", http.StatusOK, "application/json", `{"s":1}`)
	net.responses[testOrigin+"/api/me"].Header.Set("Set-Cookie", "sid=alice-session; HttpOnly")
	net.responses[testOrigin+"/dashboard"].Header.Set("Cache-Control", "private, max-age=60")
	net.responses[testOrigin+"/api/token"].Header.Set("Cache-Control", "no-store")
	net.responses[testOrigin+"/api/shared"].Header.Set("Cache-Control", "public, max-age=60")

	// The client that triggered the fetch still gets its cookie.
	res, _ := rt.Handle(context.Background(), newReq(http.MethodGet, testOrigin+"/api/me", false))
	if res.Response.Header.Get("Set-Cookie") == "" {
		t.Error("Set-Cookie dropped from the live response")
	}
	rt.Handle(context.Background(), newReq(http.MethodGet, testOrigin+"/dashboard", true))
	rt.Handle(context.Background(), newReq(http.MethodGet, testOrigin+"/api/token", false))

	authed := newReq(http.MethodGet, testOrigin+"/api/shared", false)
	authed.Header.Set("Authorization", "Bearer abc")
	rt.Handle(context.Background(), authed)
	authedPrivate := newReq(http.MethodGet, testOrigin+"/api/orders", false)
	authedPrivate.Header.Set("Authorization", "Bearer abc")
	net.set(testOrigin+"/api/orders", http.StatusOK, "application/json", `[]`)
	rt.Handle(context.Background(), authedPrivate)

	cached, hit, err := spy.Cache.Match(context.Background(), testOrigin+"/api/me")
	if err != nil || !hit {
		t.Fatalf("cookie-setting response not cached: hit=%v err=%v", hit, err)
	}
	if v := cached.Header.Get("Set-Cookie"); v != "" {
		t.Errorf("Set-Cookie stored in shared cache: %q", v)
	}

	for _, key := range []string{"/dashboard", "/api/token", "/api/orders"} {
		if _, hit, _ := spy.Cache.Match(context.Background(), testOrigin+key); hit {
			t.Errorf("%s was stored in the shared cache", key)
		}
	}
	if _, hit, _ := spy.Cache.Match(context.Background(), testOrigin+"/api/shared"); !hit {
		t.Error("public response to an authorized request was not stored")
	}

	// Offline, another client must not receive alice's session.
	net.setDown(true)
	res, _ = rt.Handle(context.Background(), newReq(http.MethodGet, testOrigin+"/api/me", false))
	if res.Source != SourceCache || res.Response.Header.Get("Set-Cookie") != "" {
		t.Errorf("offline replay: source=%s Set-Cookie=%q", res.Source, res.Response.Header.Get("Set-Cookie"))
	}
	res, _ = rt.Handle(context.Background(), newReq(http.MethodGet, testOrigin+"/dashboard", true))
	if res.Source == SourceCache {
		t.Error("private page replayed from cache")
	}
}
