// Package cached keeps recently read blob objects on local disk in front of a
// remote blob.ObjectStore.
//
// Object keys are content hashes, so a cached copy is never stale. Entries
// leave the cache on Delete, when unread for the TTL, or when evicted to stay
// under the size bound.
package cached

import (
	"container/list"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rbaliyan/mailsync/store/blob"
)

// Store is a read-through disk cache over another ObjectStore.
type Store struct {
	backend blob.ObjectStore
	dir     string
	maxSize int64
	ttl     time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*list.Element // of *entry, front is most recent
	lru     *list.List
	size    int64

	stop chan struct{}
	done sync.WaitGroup
	once sync.Once
}

type entry struct {
	key  string
	size int64
	used time.Time
}

var _ blob.ObjectStore = (*Store)(nil)

// New opens the cache directory and indexes whatever a previous process left
// in it.
func New(backend blob.ObjectStore, opts ...Option) (*Store, error) {
	o := newOptions(opts...)
	dir := filepath.Join(o.dir, "mailsync-blobs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	s := &Store{
		backend: backend,
		dir:     dir,
		maxSize: o.maxSize,
		ttl:     o.ttl,
		logger:  o.logger,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		stop:    make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	if s.ttl > 0 {
		s.done.Add(1)
		go s.expireLoop()
	}
	return s, nil
}

// Close stops the expiry loop. Cached files stay on disk.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.stop) })
	s.done.Wait()
	return nil
}

// Put writes through to the backend. Objects are cached when first read.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	return s.backend.Put(ctx, key, r, size)
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if f := s.open(key); f != nil {
		s.logger.Debug("cache hit", "key", key)
		return f, nil
	}
	s.logger.Debug("cache miss", "key", key)
	rc, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(s.dir, ".fill-*")
	if err != nil {
		s.logger.Warn("cannot cache object", "key", key, "error", err)
		return rc, nil
	}
	return &fill{ReadCloser: rc, tmp: tmp, key: key, store: s}, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	if el, ok := s.entries[key]; ok {
		s.evict(el)
	}
	s.mu.Unlock()
	return s.backend.Delete(ctx, key)
}

// Size reports the bytes currently cached.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// ClearCache drops every cached object.
func (s *Store) ClearCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.lru.Len() > 0 {
		s.evict(s.lru.Back())
	}
	s.logger.Info("cache cleared")
	return nil
}

func (s *Store) path(key string) string { return filepath.Join(s.dir, key) }

// open returns the cached file for key, or nil when it is absent or expired.
func (s *Store) open(key string) *os.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[key]
	if !ok {
		return nil
	}
	e := el.Value.(*entry)
	now := time.Now()
	if s.ttl > 0 && now.Sub(e.used) >= s.ttl {
		s.evict(el)
		return nil
	}
	f, err := os.Open(s.path(key))
	if err != nil {
		s.evict(el)
		return nil
	}
	e.used = now
	s.lru.MoveToFront(el)
	return f
}

// admit moves a fully read object into the cache, evicting the least
// recently used entries to make room. Must be called with mu held.
func (s *Store) admit(key, tmpName string, size int64) bool {
	if size > s.maxSize {
		return false
	}
	if el, ok := s.entries[key]; ok {
		s.evict(el)
	}
	for s.size+size > s.maxSize && s.lru.Len() > 0 {
		s.evict(s.lru.Back())
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		s.logger.Warn("cannot cache object", "key", key, "error", err)
		return false
	}
	s.entries[key] = s.lru.PushFront(&entry{key: key, size: size, used: time.Now()})
	s.size += size
	return true
}

// evict removes an entry and its file. Must be called with mu held.
func (s *Store) evict(el *list.Element) {
	e := s.lru.Remove(el).(*entry)
	delete(s.entries, e.key)
	s.size -= e.size
	if err := os.Remove(s.path(e.key)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("cannot remove cached object", "key", e.key, "error", err)
	}
}

// load indexes existing files by modification time and removes leftover
// partial fills.
func (s *Store) load() error {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read cache directory: %w", err)
	}
	var found []*entry
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		if strings.HasPrefix(d.Name(), ".") {
			os.Remove(filepath.Join(s.dir, d.Name()))
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		found = append(found, &entry{key: d.Name(), size: info.Size(), used: info.ModTime()})
	}
	// Oldest first so the newest ends at the front.
	slices.SortFunc(found, func(a, b *entry) int { return a.used.Compare(b.used) })

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range found {
		s.entries[e.key] = s.lru.PushFront(e)
		s.size += e.size
	}
	for s.size > s.maxSize && s.lru.Len() > 0 {
		s.evict(s.lru.Back())
	}
	return nil
}

func (s *Store) expireLoop() {
	defer s.done.Done()
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.expire(now)
		}
	}
}

func (s *Store) expire(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for el := s.lru.Back(); el != nil; el = s.lru.Back() {
		if now.Sub(el.Value.(*entry).used) < s.ttl {
			break
		}
		s.evict(el)
		n++
	}
	if n > 0 {
		s.logger.Info("expired cached objects", "count", n, "cached_bytes", s.size)
	}
}

// fill tees a backend read into a temporary file. A read that reaches EOF is
// admitted to the cache on Close; anything else is discarded.
type fill struct {
	io.ReadCloser
	tmp    *os.File
	key    string
	store  *Store
	n      int64
	broken bool
	eof    bool
	closed bool
}

func (f *fill) Read(p []byte) (int, error) {
	n, err := f.ReadCloser.Read(p)
	if n > 0 && !f.broken {
		if _, werr := f.tmp.Write(p[:n]); werr != nil {
			f.broken = true
		}
		f.n += int64(n)
	}
	if err == io.EOF {
		f.eof = true
	}
	return n, err
}

func (f *fill) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	err := f.ReadCloser.Close()
	name := f.tmp.Name()
	if cerr := f.tmp.Close(); cerr != nil || f.broken || !f.eof {
		os.Remove(name)
		return err
	}
	s := f.store
	s.mu.Lock()
	ok := s.admit(f.key, name, f.n)
	s.mu.Unlock()
	if !ok {
		os.Remove(name)
		s.logger.Debug("object not cached", "key", f.key, "size", f.n)
	}
	return err
}
