package offline0

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"offline0/internal/logging"
	"offline0/internal/metrics"
)

type Strategy int

const (
	StrategyPassthrough Strategy = iota
	StrategyNavigation
	StrategyAPI
	StrategyStatic
)

func (s Strategy) String() string {
	switch s {
	case StrategyNavigation:
		return "navigation"
	case StrategyAPI:
		return "api"
	case StrategyStatic:
		return "static"
	default:
		return "passthrough"
	}
}

// Response sources, reported in the X-Offline0 header.
const (
	SourceNetwork     = "network"
	SourceCache       = "cache"
	SourceOfflinePage = "offline-page"
	SourceFallback    = "fallback"
	SourceBypass      = "bypass"
	SourceBadGateway  = "bad-gateway"
	SourceForbidden   = "forbidden"
)

// RouterConfig is fixed for the lifetime of a generation.
type RouterConfig struct {
	Generation string
	Precache   []string
	APIPrefix  string

	// OfflineKey is the cache key of the offline page.
	OfflineKey string
	AppName    string

	// Responses with larger bodies are served but not stored. Zero means no
	// limit.
	MaxEntryBytes int64
}

type Result struct {
	Response *Response
	Strategy Strategy
	Source   string
}

// Router decides per request whether to answer from the cache, the network
// or synthesized content. It holds no per-request state; concurrent Handle
// calls share only the cache.
type Router struct {
	cfg   RouterConfig
	cache Cache
	fetch Fetcher

	storeErrLog *rateLimitedLogger
}

func NewRouter(cfg RouterConfig, cache Cache, fetch Fetcher) *Router {
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/"
	}
	return &Router{
		cfg:         cfg,
		cache:       cache,
		fetch:       fetch,
		storeErrLog: newRateLimitedLogger(time.Minute),
	}
}

func (rt *Router) Generation() string { return rt.cfg.Generation }

// Classify picks the strategy for req. The first matching rule wins.
func (rt *Router) Classify(req *Request) Strategy {
	switch {
	case req.Method != http.MethodGet:
		return StrategyPassthrough
	case req.URL == nil || !isHTTPScheme(req.URL.Scheme):
		return StrategyPassthrough
	case req.Navigate:
		return StrategyNavigation
	case strings.HasPrefix(req.URL.Path, rt.cfg.APIPrefix):
		return StrategyAPI
	default:
		return StrategyStatic
	}
}

// Handle routes req. ok is false when the request is not intercepted; the
// caller must then forward it untouched. Once a request is claimed a
// response is always produced.
func (rt *Router) Handle(ctx context.Context, req *Request) (Result, bool) {
	s := rt.Classify(req)
	var res Result
	switch s {
	case StrategyNavigation:
		res = rt.navigation(ctx, req)
	case StrategyAPI:
		res = rt.api(ctx, req)
	case StrategyStatic:
		res = rt.static(ctx, req)
	default:
		return Result{Strategy: StrategyPassthrough}, false
	}
	res.Strategy = s
	metrics.RequestsTotal.WithLabelValues(s.String(), res.Source).Inc()
	return res, true
}

// navigation is network first, then the cached page, then the cached offline
// page, then a synthesized offline page.
func (rt *Router) navigation(ctx context.Context, req *Request) Result {
	if resp, ok := rt.fetchOK(ctx, req); ok {
		rt.store(ctx, req, resp)
		return Result{Response: resp, Source: SourceNetwork}
	}
	if resp, ok := rt.match(ctx, req.Key()); ok {
		return Result{Response: resp, Source: SourceCache}
	}
	if rt.cfg.OfflineKey != "" {
		if resp, ok := rt.match(ctx, rt.cfg.OfflineKey); ok {
			return Result{Response: resp, Source: SourceOfflinePage}
		}
	}
	return Result{Response: offlinePageResponse(rt.cfg.AppName), Source: SourceFallback}
}

// api is network first. Only GET responses are stored or served from cache;
// replaying anything else from cache would not be safe.
func (rt *Router) api(ctx context.Context, req *Request) Result {
	isGet := req.Method == http.MethodGet
	if resp, ok := rt.fetchOK(ctx, req); ok {
		if isGet {
			rt.store(ctx, req, resp)
		}
		return Result{Response: resp, Source: SourceNetwork}
	}
	if isGet {
		if resp, ok := rt.match(ctx, req.Key()); ok {
			return Result{Response: resp, Source: SourceCache}
		}
	}
	return Result{Response: apiOfflineResponse(), Source: SourceFallback}
}

// static is cache first; a hit never touches the network.
func (rt *Router) static(ctx context.Context, req *Request) Result {
	if resp, ok := rt.match(ctx, req.Key()); ok {
		return Result{Response: resp, Source: SourceCache}
	}
	if resp, ok := rt.fetchOK(ctx, req); ok {
		rt.store(ctx, req, resp)
		return Result{Response: resp, Source: SourceNetwork}
	}
	return Result{Response: staticPlaceholder(req.URL.Path), Source: SourceFallback}
}

// fetchOK reports ok=false for transport errors and non-ok statuses alike.
func (rt *Router) fetchOK(ctx context.Context, req *Request) (*Response, bool) {
	start := time.Now()
	resp, err := rt.fetch.Fetch(ctx, req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		metrics.FetchDuration.WithLabelValues("error").Observe(elapsed)
		logging.FromContext(ctx).Debug("network fetch failed", "url", req.URL.String(), "error", err)
		return nil, false
	}
	if !resp.OK() {
		metrics.FetchDuration.WithLabelValues("not_ok").Observe(elapsed)
		logging.FromContext(ctx).Debug("network response not ok", "url", req.URL.String(), "status", resp.Status)
		return nil, false
	}
	metrics.FetchDuration.WithLabelValues("ok").Observe(elapsed)
	return resp, true
}

// match treats store failures as a miss.
func (rt *Router) match(ctx context.Context, key string) (*Response, bool) {
	resp, ok, err := rt.cache.Match(ctx, key)
	if err != nil {
		rt.storeFailed(ctx, "match", key, err)
		return nil, false
	}
	return resp, ok
}

// store puts a copy of resp stripped of session headers; resp itself goes
// back to the caller untouched.
func (rt *Router) store(ctx context.Context, req *Request, resp *Response) {
	key := req.Key()
	if !storable(req, resp) {
		logging.FromContext(ctx).Debug("response not shareable, not caching", "key", key)
		return
	}
	if rt.cfg.MaxEntryBytes > 0 && int64(len(resp.Body)) > rt.cfg.MaxEntryBytes {
		logging.FromContext(ctx).Debug("response too large to cache", "key", key, "bytes", len(resp.Body))
		return
	}
	if err := rt.cache.Put(ctx, key, resp.forStorage()); err != nil {
		rt.storeFailed(ctx, "put", key, err)
	}
}

func (rt *Router) storeFailed(ctx context.Context, op, key string, err error) {
	// An aborted request abandons its cache work; that is not a store fault.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	metrics.CacheStoreErrors.WithLabelValues(op).Inc()
	rt.storeErrLog.Warn(logging.FromContext(ctx), "cache store failure, degrading to network", "op", op, "key", key, "error", err)
}
