package cached

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rbaliyan/mailsync/store"
	"github.com/rbaliyan/mailsync/store/blob"
)

// countingStore counts backend reads.
type countingStore struct {
	blob.ObjectStore
	gets atomic.Int32
}

func (c *countingStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	c.gets.Add(1)
	return c.ObjectStore.Get(ctx, key)
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *countingStore) {
	t.Helper()
	files, err := blob.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	backend := &countingStore{ObjectStore: files}
	s, err := New(backend, append([]Option{WithCacheDir(t.TempDir()), WithTTL(0)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, backend
}

func readAll(t *testing.T, s *Store, key string) string {
	t.Helper()
	r, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%s): %v", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestCacheHit(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, "abcd1234", strings.NewReader("content"), 7); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if got := readAll(t, s, "abcd1234"); got != "content" {
			t.Fatalf("read %d = %q", i, got)
		}
	}
	if n := backend.gets.Load(); n != 1 {
		t.Errorf("backend reads = %d, want 1", n)
	}
	if s.Size() != 7 {
		t.Errorf("cache size = %d, want 7", s.Size())
	}
}

func TestDeleteDropsCacheEntry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_ = s.Put(ctx, "k1", strings.NewReader("x"), 1)
	readAll(t, s, "k1")

	if err := s.Delete(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "k1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if s.Size() != 0 {
		t.Errorf("cache size = %d after delete", s.Size())
	}
}

func TestFullCacheSkipsCaching(t *testing.T) {
	s, backend := newTestStore(t, WithMaxSize(4))
	ctx := context.Background()
	_ = s.Put(ctx, "big", strings.NewReader("too large"), 9)

	readAll(t, s, "big")
	readAll(t, s, "big")
	if n := backend.gets.Load(); n != 2 {
		t.Errorf("backend reads = %d, want 2", n)
	}
}

func TestEvictsLeastRecentlyRead(t *testing.T) {
	s, backend := newTestStore(t, WithMaxSize(8))
	ctx := context.Background()
	for _, k := range []string{"aa", "bb", "cc"} {
		if err := s.Put(ctx, k, strings.NewReader("four"), 4); err != nil {
			t.Fatal(err)
		}
	}

	readAll(t, s, "aa")
	readAll(t, s, "bb")
	readAll(t, s, "aa") // bb is now least recent
	readAll(t, s, "cc") // evicts bb
	if s.Size() != 8 {
		t.Errorf("cache size = %d, want 8", s.Size())
	}

	before := backend.gets.Load()
	readAll(t, s, "aa")
	readAll(t, s, "cc")
	if n := backend.gets.Load() - before; n != 0 {
		t.Errorf("backend reads for cached objects = %d, want 0", n)
	}
	readAll(t, s, "bb")
	if n := backend.gets.Load() - before; n != 1 {
		t.Errorf("backend reads after eviction = %d, want 1", n)
	}
}

func TestReopenIndexesExistingFiles(t *testing.T) {
	files, err := blob.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	ctx := context.Background()
	_ = files.Put(ctx, "k1", strings.NewReader("hello"), 5)

	first, err := New(files, WithCacheDir(dir), WithTTL(0))
	if err != nil {
		t.Fatal(err)
	}
	readAll(t, first, "k1")
	_ = first.Close()

	second, err := New(files, WithCacheDir(dir), WithTTL(0))
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if second.Size() != 5 {
		t.Errorf("reopened cache size = %d, want 5", second.Size())
	}
}

func TestPartialReadNotCached(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()
	_ = s.Put(ctx, "k1", strings.NewReader("content"), 7)

	r, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 3)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatal(err)
	}
	r.Close()

	if s.Size() != 0 {
		t.Errorf("cache size = %d after partial read", s.Size())
	}
	readAll(t, s, "k1")
	if n := backend.gets.Load(); n != 2 {
		t.Errorf("backend reads = %d, want 2", n)
	}
}
