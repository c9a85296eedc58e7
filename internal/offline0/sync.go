package offline0

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"offline0/internal/logging"
	"offline0/internal/metrics"
)

// Sync tags understood by the worker.
const (
	SyncTagBackground = "background-sync"
	SyncTagPeriodic   = "content-sync"
)

// SyncContent revalidates every entry of the live cache against the network.
// Entries whose body changed are replaced; entries that cannot be refreshed
// are kept so they stay available offline.
func (w *Worker) SyncContent(ctx context.Context) (updated int, err error) {
	rt := w.Router()
	if rt == nil {
		return 0, ErrNotInstalled
	}
	keys, err := rt.cache.Keys(ctx)
	if err != nil {
		return 0, err
	}

	var n atomic.Int64
	sem := make(chan struct{}, max(w.cfg.Sync.Concurrency, 1))
	var wg sync.WaitGroup
	for _, key := range keys {
		select {
		case <-ctx.Done():
			wg.Wait()
			return int(n.Load()), ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			defer func() { <-sem }()
			if w.revalidateOnce(ctx, rt.cache, key) {
				n.Add(1)
			}
		}(key)
	}
	wg.Wait()

	updated = int(n.Load())
	metrics.SyncUpdates.Add(float64(updated))
	logging.FromContext(ctx).Info("content sync finished", "entries", len(keys), "updated", updated)
	return updated, nil
}

func (w *Worker) revalidateOnce(ctx context.Context, cache Cache, key string) bool {
	u, err := url.Parse(key)
	if err != nil || !u.IsAbs() {
		return false
	}
	resp, err := w.fetch.Fetch(ctx, &Request{Method: http.MethodGet, URL: u, Header: make(http.Header)})
	if err != nil || !resp.OK() || !resp.Shared() {
		return false
	}
	if w.cfg.Cache.maxEntryBytes > 0 && int64(len(resp.Body)) > w.cfg.Cache.maxEntryBytes {
		return false
	}

	cur, ok, err := cache.Match(ctx, key)
	if err == nil && ok && cur.Hash32 == resp.Hash32 {
		return false
	}
	if err := cache.Put(ctx, key, resp.forStorage()); err != nil {
		metrics.CacheStoreErrors.WithLabelValues("put").Inc()
		return false
	}
	return true
}
