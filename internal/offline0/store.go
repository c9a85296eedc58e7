package offline0

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"net/http"
	"sort"
	"sync"
)

var (
	ErrClosed        = errors.New("cache storage closed")
	ErrCacheNotFound = errors.New("cache not found")
)

// Storage is a set of named caches that outlives the process.
type Storage interface {
	// Open returns the named cache, creating it if needed.
	Open(ctx context.Context, name string) (Cache, error)
	Names(ctx context.Context) ([]string, error)
	// Drop deletes a cache and all its entries. It reports whether the cache
	// existed.
	Drop(ctx context.Context, name string) (bool, error)
	Close() error
}

// Cache maps request identities to responses.
type Cache interface {
	// Match returns a copy of the stored response, or ok=false.
	Match(ctx context.Context, key string) (*Response, bool, error)
	Put(ctx context.Context, key string, resp *Response) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// ---- memory storage ----

type memoryStorage struct {
	mu     sync.Mutex
	caches map[string]*memoryCache
	closed bool
}

func NewMemoryStorage() Storage {
	return &memoryStorage{caches: map[string]*memoryCache{}}
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	c, ok := s.caches[name]
	if !ok {
		c = &memoryCache{name: name, items: map[string]*Response{}}
		s.caches[name] = c
	}
	return c, nil
}

func (s *memoryStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(s.caches))
	for k := range s.caches {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryStorage) Drop(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	c, ok := s.caches[name]
	if !ok {
		return false, nil
	}
	delete(s.caches, name)
	c.mu.Lock()
	c.dropped = true
	c.items = map[string]*Response{}
	c.mu.Unlock()
	return true, nil
}

func (s *memoryStorage) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type memoryCache struct {
	name string

	mu      sync.Mutex
	items   map[string]*Response
	dropped bool
}

func (c *memoryCache) Match(ctx context.Context, key string) (*Response, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return nil, false, ErrCacheNotFound
	}
	r, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

func (c *memoryCache) Put(ctx context.Context, key string, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return ErrCacheNotFound
	}
	c.items[key] = resp.Clone()
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return false, ErrCacheNotFound
	}
	_, ok := c.items[key]
	delete(c.items, key)
	return ok, nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return nil, ErrCacheNotFound
	}
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
}
