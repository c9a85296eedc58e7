package offline0

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"offline0/internal/logging"
	"offline0/internal/metrics"
)

type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "parsed"
	}
}

var (
	ErrNotInstalled  = errors.New("worker is not installed")
	ErrInstallFailed = errors.New("precache failed")
)

// Worker owns one cache generation: it precaches on Install, purges older
// generations on Activate and only then publishes its Router.
type Worker struct {
	cfg     Config
	storage Storage
	fetch   Fetcher

	// mu serializes lifecycle transitions.
	mu    sync.Mutex
	state atomic.Int32
	cache Cache

	router atomic.Pointer[Router]
}

func NewWorker(cfg Config, storage Storage, fetch Fetcher) *Worker {
	return &Worker{cfg: cfg, storage: storage, fetch: fetch}
}

func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) Version() string { return w.cfg.Cache.Generation }

// Router returns nil until the worker is activated.
func (w *Worker) Router() *Router { return w.router.Load() }

// Start installs and, unless the configuration asks to wait for an explicit
// skip-waiting message, activates right away.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	if !w.cfg.Cache.skipWaiting() {
		logging.FromContext(ctx).Info("worker installed, waiting for skip-waiting", "generation", w.Version())
		return nil
	}
	return w.Activate(ctx)
}

// Install opens the generation cache and stores every precache resource.
// The precache list is all-or-nothing: if any resource cannot be fetched,
// nothing is stored. Running Install again overwrites the same keys.
func (w *Worker) Install(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	log := logging.FromContext(ctx).With("generation", w.Version())
	wasActive := w.State() == StateActivated
	if !wasActive {
		w.state.Store(int32(StateInstalling))
	}
	fail := func(err error) error {
		if !wasActive {
			w.state.Store(int32(StateRedundant))
		}
		log.Error("install failed", "error", err)
		return err
	}

	cache, err := w.storage.Open(ctx, w.Version())
	if err != nil {
		metrics.CacheStoreErrors.WithLabelValues("open").Inc()
		return fail(fmt.Errorf("open cache %q: %w", w.Version(), err))
	}

	urls, err := w.precacheURLs()
	if err != nil {
		return fail(err)
	}
	n, err := w.addAll(ctx, cache, urls)
	if err != nil {
		return fail(err)
	}

	if len(w.cfg.Cache.Sitemaps) > 0 {
		discovered, err := w.discoverURLs(ctx)
		if err != nil {
			log.Warn("sitemap discovery failed", "error", err)
		}
		n += w.addBestEffort(ctx, cache, discovered, urls)
	}

	w.cache = cache
	metrics.PrecachedEntries.Set(float64(n))
	if !wasActive {
		w.state.Store(int32(StateInstalled))
	}
	log.Info("worker installed", "precached", n)
	return nil
}

func (w *Worker) precacheURLs() ([]*url.URL, error) {
	seen := map[string]struct{}{}
	out := make([]*url.URL, 0, len(w.cfg.Cache.Precache))
	for _, ref := range w.cfg.Cache.Precache {
		u, err := w.cfg.resolve(ref)
		if err != nil {
			return nil, fmt.Errorf("precache %q: %w", ref, err)
		}
		k := cacheKey(u)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, u)
	}
	return out, nil
}

type fetched struct {
	key  string
	resp *Response
	err  error
}

// fetchAll fetches urls with at most sync.concurrency requests in flight.
func (w *Worker) fetchAll(ctx context.Context, urls []*url.URL) []fetched {
	out := make([]fetched, len(urls))
	sem := make(chan struct{}, w.cfg.Sync.Concurrency)
	if cap(sem) == 0 {
		sem = make(chan struct{}, 1)
	}
	var wg sync.WaitGroup
	for i, u := range urls {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			for j := i; j < len(urls); j++ {
				out[j] = fetched{key: cacheKey(urls[j]), err: ctx.Err()}
			}
			wg.Wait()
			return out
		}
		wg.Add(1)
		go func(i int, u *url.URL) {
			defer wg.Done()
			defer func() { <-sem }()

			req := &Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}
			resp, err := w.fetch.Fetch(ctx, req)
			if err == nil && !resp.OK() {
				err = fmt.Errorf("status %d", resp.Status)
			}
			out[i] = fetched{key: req.Key(), resp: resp, err: err}
		}(i, u)
	}
	wg.Wait()
	return out
}

func (w *Worker) addAll(ctx context.Context, cache Cache, urls []*url.URL) (int, error) {
	results := w.fetchAll(ctx, urls)
	for _, r := range results {
		if r.err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInstallFailed, r.key, r.err)
		}
	}
	for _, r := range results {
		if err := cache.Put(ctx, r.key, r.resp.forStorage()); err != nil {
			metrics.CacheStoreErrors.WithLabelValues("put").Inc()
			return 0, fmt.Errorf("%w: store %s: %v", ErrInstallFailed, r.key, err)
		}
	}
	return len(results), nil
}

func (w *Worker) addBestEffort(ctx context.Context, cache Cache, urls, already []*url.URL) int {
	skip := make(map[string]struct{}, len(already))
	for _, u := range already {
		skip[cacheKey(u)] = struct{}{}
	}
	todo := urls[:0:0]
	for _, u := range urls {
		if _, ok := skip[cacheKey(u)]; !ok {
			todo = append(todo, u)
		}
	}

	log := logging.FromContext(ctx)
	stored := 0
	for _, r := range w.fetchAll(ctx, todo) {
		if r.err != nil {
			log.Debug("skipping discovered url", "url", r.key, "error", r.err)
			continue
		}
		if err := cache.Put(ctx, r.key, r.resp.forStorage()); err != nil {
			metrics.CacheStoreErrors.WithLabelValues("put").Inc()
			log.Warn("store discovered url", "url", r.key, "error", err)
			continue
		}
		stored++
	}
	return stored
}

// Activate deletes every cache whose name is not the current generation,
// then publishes the router. It is safe to call repeatedly.
func (w *Worker) Activate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	prev := w.State()
	if prev != StateInstalled && prev != StateActivated {
		return fmt.Errorf("%w (state %s)", ErrNotInstalled, prev)
	}
	log := logging.FromContext(ctx).With("generation", w.Version())
	w.state.Store(int32(StateActivating))

	names, err := w.storage.Names(ctx)
	if err != nil {
		w.state.Store(int32(prev))
		return fmt.Errorf("list caches: %w", err)
	}
	for _, name := range names {
		if name == w.Version() {
			continue
		}
		if _, err := w.storage.Drop(ctx, name); err != nil {
			metrics.CacheStoreErrors.WithLabelValues("drop").Inc()
			w.state.Store(int32(prev))
			return fmt.Errorf("delete cache %q: %w", name, err)
		}
		metrics.GenerationsPurged.Inc()
		log.Info("deleted old cache", "cache", name)
	}

	if w.router.Load() == nil {
		offlineKey := ""
		if u, err := w.cfg.resolve(w.cfg.Cache.OfflinePage); err == nil {
			offlineKey = cacheKey(u)
		}
		w.router.Store(NewRouter(RouterConfig{
			Generation:    w.Version(),
			Precache:      w.cfg.Cache.Precache,
			APIPrefix:     w.cfg.Cache.APIPrefix,
			OfflineKey:    offlineKey,
			AppName:       w.cfg.Cache.AppName,
			MaxEntryBytes: w.cfg.Cache.maxEntryBytes,
		}, w.cache, w.fetch))
	}
	w.state.Store(int32(StateActivated))
	log.Info("worker activated")
	return nil
}

// SkipWaiting activates an installed worker immediately. It is a no-op for a
// worker that is already active.
func (w *Worker) SkipWaiting(ctx context.Context) error {
	if w.State() == StateActivated {
		return nil
	}
	return w.Activate(ctx)
}
