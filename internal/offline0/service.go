package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"offline0/internal/logging"
	"offline0/internal/metrics"
)

// Service is the gateway: it hosts one Worker in front of the origin and
// exposes the control endpoints.
type Service struct {
	cfg Config

	storage Storage
	fetcher *httpFetcher
	worker  *Worker

	stopCh chan struct{}
	wg     sync.WaitGroup

	stats *statsCollector
	now   func() time.Time
}

// OpenStorage opens the configured cache store backend.
func OpenStorage(ctx context.Context, cfg Config) (Storage, error) {
	switch cfg.Storage.Backend {
	case BackendLevelDB:
		var o LevelDBOptions
		if v := cfg.Storage.LevelDB.WriteBuffer; v != "" {
			o.WriteBuffer, _ = parseBytes(v)
		}
		if v := cfg.Storage.LevelDB.BlockCache; v != "" {
			o.BlockCache, _ = parseBytes(v)
		}
		return OpenLevelDBStorage(cfg.Storage.LevelDB.Path, o)
	case BackendRedis:
		r := cfg.Storage.Redis
		return OpenRedisStorage(ctx, RedisOptions{
			Address:   r.Address,
			Password:  r.Password,
			DB:        r.DB,
			KeyPrefix: r.KeyPrefix,
		})
	default:
		return NewMemoryStorage(), nil
	}
}

// NewService wires the service around storage. Redirects are not followed so
// the browser sees them; 3xx responses count as ok.
func NewService(cfg Config, storage Storage) *Service {
	client := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return newService(cfg, storage, client)
}

func newService(cfg Config, storage Storage, client *http.Client) *Service {
	fetcher := newHTTPFetcher(client, cfg.breakerOptions())
	s := &Service{
		cfg:     cfg,
		storage: storage,
		fetcher: fetcher,
		worker:  NewWorker(cfg, storage, fetcher),
		stopCh:  make(chan struct{}),
		stats:   newStatsCollector(),
		now:     time.Now,
	}
	return s
}

func (s *Service) Worker() *Worker { return s.worker }

// Start runs the install/activate lifecycle and then the background loops.
// Requests arriving before activation completes are passed through.
func (s *Service) Start(ctx context.Context) error {
	if err := s.worker.Start(ctx); err != nil {
		return err
	}

	if every := s.cfg.Sync.everyDur; every > 0 {
		logging.Logger.Info("periodic content sync enabled", "every", every.String())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.syncLoop(every)
		}()
	}
	if every := s.cfg.Logging.statsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return nil
}

func (s *Service) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	return s.storage.Close()
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware)

	r.Route(s.cfg.Server.ControlPrefix, func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Handle("/metrics", metrics.Handler())
		r.Post("/message", s.handleMessage)
		r.Post("/push", s.handlePush)
		r.Post("/notificationclick", s.handleNotificationClick)
	})
	r.HandleFunc("/*", s.handle)
	return r
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	req := NewRequest(r, s.cfg.OriginURL())
	if !s.cfg.allowsHost(req.URL.Host) {
		logging.FromContext(r.Context()).Warn("rejected request for foreign host", "url", req.URL.String())
		metrics.RequestsTotal.WithLabelValues(StrategyPassthrough.String(), SourceForbidden).Inc()
		setOfflineHeaders(w.Header(), SourceForbidden)
		http.Error(w, "host not allowed", http.StatusForbidden)
		return
	}

	if rt := s.worker.Router(); rt != nil {
		if res, ok := rt.Handle(r.Context(), req); ok {
			s.writeResponse(w, res.Response, res.Source)
			return
		}
	}
	s.proxyPass(w, r, req)
}

func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request, req *Request) {
	resp, err := s.fetcher.proxyFetch(r.Context(), req, r.Body)
	if err != nil {
		logging.FromContext(r.Context()).Warn("pass-through failed", "method", req.Method, "url", req.URL.String(), "error", err)
		metrics.RequestsTotal.WithLabelValues(StrategyPassthrough.String(), SourceBadGateway).Inc()
		setOfflineHeaders(w.Header(), SourceBadGateway)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	metrics.RequestsTotal.WithLabelValues(StrategyPassthrough.String(), SourceBypass).Inc()
	s.writeResponse(w, resp, SourceBypass)
}

func (s *Service) writeResponse(w http.ResponseWriter, resp *Response, source string) {
	writeResponse(w, resp, source)
	s.stats.Observe(source, len(resp.Body))
}

func writeResponse(w http.ResponseWriter, resp *Response, source string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, "X-Offline0") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOfflineHeaders(w.Header(), source)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setOfflineHeaders(h http.Header, source string) {
	if source != "" {
		h.Set("X-Offline0", source)
	}
	// Custom headers are not readable by page scripts in a CORS context
	// unless exposed.
	ensureExposedHeader(h, "X-Offline0")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// ---- control endpoints ----

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"state":      s.worker.State().String(),
		"generation": s.worker.Version(),
		"origin":     s.fetcher.BreakerState(s.cfg.OriginURL().Host),
	})
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	var m Message
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&m); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message: " + err.Error()})
		return
	}
	reply, err := s.worker.HandleMessage(r.Context(), m)
	switch {
	case errors.Is(err, ErrUnknownMessage):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrNotInstalled):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		logging.FromContext(r.Context()).Error("message failed", "type", m.Type, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, reply)
	}
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 4<<10))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, BuildNotification(s.cfg.Cache.AppName, payload, s.now()))
}

func (s *Service) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<10)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	out := map[string]string{}
	if target, ok := NotificationClickTarget(body.Action); ok {
		out["open"] = target
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- background loops ----

func (s *Service) syncLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-s.stopCh:
					cancel()
				case <-ctx.Done():
				}
			}()
			if _, err := s.worker.SyncContent(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Logger.Warn("periodic content sync failed", "tag", SyncTagPeriodic, "error", err)
			}
			cancel()
		}
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	args := []any{
		"network", ss.Network,
		"cache", ss.Cache,
		"fallback", ss.Fallback,
		"bypass", ss.Bypass,
		"hit_ratio", fmt.Sprintf("%.2f", ss.HitRatio()),
		"resp_min_avg_max", fmt.Sprintf("%s/%s/%s", formatBytes(ss.MinRespBytes), formatBytes(ss.AvgRespBytes), formatBytes(ss.MaxRespBytes)),
	}
	if rt := s.worker.Router(); rt != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if keys, err := rt.cache.Keys(ctx); err == nil {
			args = append(args, "cached", len(keys))
		}
		cancel()
	}
	if rss, ok := processRSSBytes(); ok {
		args = append(args, "rss", formatBytes(rss))
	}
	if vals, ok := processSmapsRollupBytes(); ok {
		args = append(args, "smaps", formatSmapsRollup(vals))
	}
	logging.Logger.Info("stats", args...)
}
