package offline0

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"offline0/internal/logging"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discoverURLs walks the configured sitemaps, following nested sitemap
// indexes, and returns the page URLs they list. Pages under the API prefix
// are left out; they are runtime cache material only.
func (w *Worker) discoverURLs(ctx context.Context) ([]*url.URL, error) {
	seenSitemaps := map[string]struct{}{}
	seenURLs := map[string]struct{}{}
	var out []*url.URL

	queue := make([]string, 0, len(w.cfg.Cache.Sitemaps))
	queue = append(queue, w.cfg.Cache.Sitemaps...)

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		ref := strings.TrimSpace(queue[0])
		queue = queue[1:]
		if ref == "" {
			continue
		}
		smURL, err := w.cfg.resolve(ref)
		if err != nil {
			return out, fmt.Errorf("sitemap %q: %w", ref, err)
		}
		key := smURL.String()
		if _, ok := seenSitemaps[key]; ok {
			continue
		}
		seenSitemaps[key] = struct{}{}

		doc, err := w.fetchAndParseSitemap(ctx, smURL)
		if err != nil {
			return out, fmt.Errorf("fetch sitemap %q: %w", key, err)
		}
		queue = append(queue, doc.Sitemaps...)

		fit := 0
		for _, loc := range doc.URLs {
			u, err := w.cfg.resolve(loc)
			if err != nil || !isHTTPScheme(u.Scheme) {
				continue
			}
			if strings.HasPrefix(u.Path, w.cfg.Cache.APIPrefix) {
				continue
			}
			k := cacheKey(u)
			if _, ok := seenURLs[k]; ok {
				continue
			}
			seenURLs[k] = struct{}{}
			out = append(out, u)
			fit++
		}
		logging.FromContext(ctx).Debug("sitemap discovered", "sitemap", key, "urls", len(doc.URLs), "fit", fit)
	}
	return out, nil
}

func (w *Worker) fetchAndParseSitemap(ctx context.Context, u *url.URL) (sitemapDoc, error) {
	resp, err := w.fetch.Fetch(ctx, &Request{Method: http.MethodGet, URL: u, Header: make(http.Header)})
	if err != nil {
		return sitemapDoc{}, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		b := resp.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	body := resp.Body
	// Some servers serve a .gz URL and also set Content-Encoding, in which
	// case the body is already plain XML.
	tryGzip := strings.HasSuffix(strings.ToLower(u.Path), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
