package offline0

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<cache>           cache name marker
//	e:<cache>\x00<key>  gob-encoded Response
const (
	nameKeyPrefix  = "n:"
	entryKeyPrefix = "e:"
	entryKeySep    = "\x00"
)

type levelDBStorage struct {
	db *leveldb.DB

	// mu serializes Drop against Open/Put so a dropped cache is not
	// resurrected half-way through.
	mu     sync.RWMutex
	closed bool
}

type LevelDBOptions struct {
	WriteBuffer int64
	BlockCache  int64
}

func OpenLevelDBStorage(path string, o LevelDBOptions) (Storage, error) {
	var dbOpts *opt.Options
	if o.WriteBuffer > 0 || o.BlockCache > 0 {
		dbOpts = &opt.Options{
			WriteBuffer:        int(o.WriteBuffer),
			BlockCacheCapacity: int(o.BlockCache),
		}
	}
	db, err := leveldb.OpenFile(path, dbOpts)
	if err != nil {
		return nil, err
	}
	return newLevelDBStorage(db), nil
}

func newLevelDBStorage(db *leveldb.DB) *levelDBStorage {
	return &levelDBStorage{db: db}
}

func (s *levelDBStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.db.Put([]byte(nameKeyPrefix+name), nil, nil); err != nil {
		return nil, err
	}
	return &levelDBCache{s: s, name: name}, nil
}

func (s *levelDBStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(nameKeyPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(it.Key()[len(nameKeyPrefix):]))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *levelDBStorage) Drop(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	existed, err := s.db.Has([]byte(nameKeyPrefix+name), nil)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		batch.Delete(k)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete([]byte(nameKeyPrefix + name))
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return existed, nil
}

func (s *levelDBStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func entryPrefix(name string) []byte {
	return []byte(entryKeyPrefix + name + entryKeySep)
}

type levelDBCache struct {
	s    *levelDBStorage
	name string
}

func (c *levelDBCache) entryKey(key string) []byte {
	return append(entryPrefix(c.name), key...)
}

// live must be called with s.mu held.
func (c *levelDBCache) live() error {
	if c.s.closed {
		return ErrClosed
	}
	ok, err := c.s.db.Has([]byte(nameKeyPrefix+c.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCacheNotFound
	}
	return nil
}

func (c *levelDBCache) Match(ctx context.Context, key string) (*Response, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	if c.s.closed {
		return nil, false, ErrClosed
	}
	b, err := c.s.db.Get(c.entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var resp Response
	if err := decodeGob(b, &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

func (c *levelDBCache) Put(ctx context.Context, key string, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := encodeGob(*resp)
	if err != nil {
		return err
	}
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	if err := c.live(); err != nil {
		return err
	}
	return c.s.db.Put(c.entryKey(key), b, nil)
}

func (c *levelDBCache) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	if err := c.live(); err != nil {
		return false, err
	}
	k := c.entryKey(key)
	ok, err := c.s.db.Has(k, nil)
	if err != nil || !ok {
		return false, err
	}
	return true, c.s.db.Delete(k, nil)
}

func (c *levelDBCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	if err := c.live(); err != nil {
		return nil, err
	}
	prefix := entryPrefix(c.name)
	it := c.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(it.Key()[len(prefix):]))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}
