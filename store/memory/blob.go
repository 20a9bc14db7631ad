package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rbaliyan/mailsync/store"
)

// blobData is one physical copy of blob bytes, shared by every kind linked to it.
type blobData struct {
	data []byte
	refs int
}

type blobState struct {
	mu    sync.Mutex
	kinds map[store.BlobKind]*blobData
}

func newBlobState() *blobState {
	return &blobState{kinds: make(map[store.BlobKind]*blobData)}
}

func (s *Store) PutBlob(_ context.Context, kind store.BlobKind, data []byte) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	s.blobs.mu.Lock()
	defer s.blobs.mu.Unlock()
	s.unlinkLocked(kind)
	s.blobs.kinds[kind] = &blobData{data: slices.Clone(data), refs: 1}
	return nil
}

func (s *Store) GetBlob(_ context.Context, kind store.BlobKind) ([]byte, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.blobs.mu.Lock()
	defer s.blobs.mu.Unlock()
	b, ok := s.blobs.kinds[kind]
	if !ok {
		return nil, store.ErrNotFound
	}
	return slices.Clone(b.data), nil
}

// CopyBlob links dst to the bytes of src.
func (s *Store) CopyBlob(_ context.Context, src, dst store.BlobKind) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	s.blobs.mu.Lock()
	defer s.blobs.mu.Unlock()
	b, ok := s.blobs.kinds[src]
	if !ok {
		return store.ErrNotFound
	}
	if s.blobs.kinds[dst] == b {
		return nil
	}
	s.unlinkLocked(dst)
	b.refs++
	s.blobs.kinds[dst] = b
	return nil
}

func (s *Store) DeleteBlob(_ context.Context, kind store.BlobKind) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}
	s.blobs.mu.Lock()
	defer s.blobs.mu.Unlock()
	return s.unlinkLocked(kind), nil
}

func (s *Store) unlinkLocked(kind store.BlobKind) bool {
	b, ok := s.blobs.kinds[kind]
	if !ok {
		return false
	}
	b.refs--
	delete(s.blobs.kinds, kind)
	return true
}

func (s *Store) TmpBlobUsage(_ context.Context, accountID store.AccountID, ttl time.Duration) (store.TmpUsage, error) {
	if err := s.checkConnected(); err != nil {
		return store.TmpUsage{}, err
	}
	cutoff := time.Now().Add(-ttl).Unix()
	s.blobs.mu.Lock()
	defer s.blobs.mu.Unlock()
	var u store.TmpUsage
	for kind, b := range s.blobs.kinds {
		if kind.IsTemporary() && kind.AccountID == accountID && kind.Timestamp >= cutoff {
			u.Count++
			u.Bytes += int64(len(b.data))
		}
	}
	return u, nil
}

func (s *Store) PurgeTmpBlobs(_ context.Context, olderThan time.Time) (int, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	cutoff := olderThan.Unix()
	s.blobs.mu.Lock()
	defer s.blobs.mu.Unlock()
	var n int
	for kind := range s.blobs.kinds {
		if kind.IsTemporary() && kind.Timestamp < cutoff {
			s.unlinkLocked(kind)
			n++
		}
	}
	return n, nil
}

// StoredBytes returns the bytes held by distinct physical blobs. Linked
// copies do not add to it.
func (s *Store) StoredBytes() int64 {
	s.blobs.mu.Lock()
	defer s.blobs.mu.Unlock()
	seen := make(map[*blobData]struct{})
	var n int64
	for _, b := range s.blobs.kinds {
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		n += int64(len(b.data))
	}
	return n
}

// BlobCount returns the number of addressable blobs.
func (s *Store) BlobCount() int {
	s.blobs.mu.Lock()
	defer s.blobs.mu.Unlock()
	return len(s.blobs.kinds)
}
