package offline0

import (
	"hash/crc32"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request is an outbound resource fetch as seen by the router.
type Request struct {
	Method string
	URL    *url.URL // absolute

	// Navigate is set for full-page loads (as opposed to subresources).
	Navigate bool

	Header http.Header
}

// Key is the cache identity of the request: its absolute URL without fragment.
func (r *Request) Key() string {
	return cacheKey(r.URL)
}

func cacheKey(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}

// NewRequest builds a router Request from an incoming proxy request. Requests
// in origin-form are resolved against origin; absolute-form requests keep
// their own target.
func NewRequest(r *http.Request, origin *url.URL) *Request {
	var target *url.URL
	if r.URL.IsAbs() {
		u := *r.URL
		target = &u
	} else {
		target = origin.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
	}
	return &Request{
		Method:   r.Method,
		URL:      target,
		Navigate: isNavigation(r),
		Header:   r.Header,
	}
}

func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	if r.Method != http.MethodGet {
		return false
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/html")
}

// Response is a captured or synthesized response. A Response stored in a
// cache is never handed back to the caller directly; the router stores a
// Clone.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

func newResponse(status int, contentType string, body []byte) *Response {
	h := make(http.Header)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return &Response{
		Status:   status,
		Header:   h,
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
}

// OK reports whether the status is in the success range (2xx-3xx).
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 400
}

// Shared reports whether r may be kept in the cache every client reads from.
// Responses marked private or no-store are per-user or must not persist.
func (r *Response) Shared() bool {
	for _, v := range r.Header.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			d = strings.ToLower(strings.TrimSpace(d))
			if d == "no-store" || d == "private" || strings.HasPrefix(d, "private=") {
				return false
			}
		}
	}
	return true
}

func (r *Response) hasDirective(name string) bool {
	for _, v := range r.Header.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(d), name) {
				return true
			}
		}
	}
	return false
}

// storable reports whether resp, fetched for req, may go into a shared
// cache. Answers to authorized requests are only kept when marked public.
func storable(req *Request, resp *Response) bool {
	if resp == nil || !resp.Shared() {
		return false
	}
	if req != nil && req.Header.Get("Authorization") != "" && !resp.hasDirective("public") {
		return false
	}
	return true
}

// forStorage returns a copy of r without per-client session headers.
func (r *Response) forStorage() *Response {
	out := r.Clone()
	out.Header.Del("Set-Cookie")
	out.Header.Del("Set-Cookie2")
	return out
}

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = cloneHeader(r.Header)
	if r.Body != nil {
		out.Body = make([]byte, len(r.Body))
		copy(out.Body, r.Body)
	}
	return &out
}

func (r *Response) ContentType() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}
