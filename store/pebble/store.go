// Package pebble provides a store.Store backed by a local Pebble database.
//
// Every Write is a single Pebble batch, so documents, bitmap entries, the
// term index, the change log and the collection states of one batch become
// visible together or not at all.
package pebble

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rbaliyan/mailsync/store"
)

var _ store.Store = (*Store)(nil)

// Store implements store.Store on Pebble.
type Store struct {
	dir       string
	opts      *options
	db        *pebble.DB
	connected int32

	// counters serializes id allocation.
	counters sync.Mutex
	// accounts serializes writers per account.
	accounts sync.Map // map[store.AccountID]*sync.Mutex
}

// New creates a store rooted at dir. Call Connect to open the database.
func New(dir string, opts ...Option) *Store {
	return &Store{dir: dir, opts: newOptions(opts...)}
}

// Connect opens the database.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	if s.dir == "" {
		atomic.StoreInt32(&s.connected, 0)
		return errors.New("pebble: data directory is required")
	}

	po := s.opts.pebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	if s.opts.fsync == FsyncInterval {
		interval := s.opts.fsyncInterval
		po.WALMinSyncInterval = func() time.Duration { return interval }
	}

	db, err := pebble.Open(s.dir, po)
	if err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("pebble open: %w", err)
	}
	s.db = db
	s.opts.logger.Info("opened pebble store", "dir", s.dir)
	return nil
}

// Close closes the database.
func (s *Store) Close(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 1, 0) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

func (s *Store) writeOptions() *pebble.WriteOptions {
	if s.opts.fsync == FsyncAlways {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (s *Store) accountLock(acct store.AccountID) *sync.Mutex {
	v, _ := s.accounts.LoadOrStore(acct, &sync.Mutex{})
	return v.(*sync.Mutex)
}

type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

// get copies the value for key. Missing keys return store.ErrNotFound.
func get(r reader, key []byte) ([]byte, error) {
	v, closer, err := r.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

// scan calls fn for each key with the prefix, in order. fn must not retain
// the slices.
func scan(r reader, prefix []byte, fn func(key, value []byte) bool) error {
	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return err
	}
	for valid := iter.First(); valid; valid = iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return err
	}
	return iter.Close()
}

// next increments the counter at key and returns the previous value.
func (s *Store) next(key []byte) (uint64, error) {
	s.counters.Lock()
	defer s.counters.Unlock()
	var cur uint64
	v, err := get(s.db, key)
	switch {
	case err == nil:
		cur = decodeUint64(v)
	case !errors.Is(err, store.ErrNotFound):
		return 0, err
	}
	if err := s.db.Set(key, encodeUint64(cur+1), pebble.Sync); err != nil {
		return 0, err
	}
	return cur, nil
}

func (s *Store) AssignDocumentID(_ context.Context, acct store.AccountID, c store.Collection) (store.DocumentID, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	id, err := s.next(docCounterKey(acct, c))
	if err != nil {
		return 0, fmt.Errorf("assign document id: %w", err)
	}
	return store.DocumentID(id), nil
}

func (s *Store) AssignChangeID(_ context.Context, acct store.AccountID) (store.ChangeID, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	id, err := s.next(changeCounterKey(acct))
	if err != nil {
		return 0, fmt.Errorf("assign change id: %w", err)
	}
	return store.ChangeID(id), nil
}

func (s *Store) DocumentIDs(_ context.Context, acct store.AccountID, c store.Collection) (*store.DocumentSet, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	prefix := collectionKey(prefixDoc, acct, c)
	var ids []store.DocumentID
	err := scan(s.db, prefix, func(key, _ []byte) bool {
		ids = append(ids, store.DocumentID(binary.BigEndian.Uint32(key[len(prefix):])))
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return store.NewDocumentSet(ids...), nil
}

func (s *Store) GetProperty(_ context.Context, acct store.AccountID, c store.Collection, doc store.DocumentID, prop store.Property) ([]byte, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	return get(s.db, valueKey(acct, c, doc, prop))
}

func (s *Store) GetTermIndex(_ context.Context, acct store.AccountID, c store.Collection, doc store.DocumentID) ([]byte, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	return get(s.db, documentKey(prefixTerm, acct, c, doc))
}

func (s *Store) Filter(_ context.Context, acct store.AccountID, c store.Collection, prop store.Property, key string) (*store.DocumentSet, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	prefix := bitmapPrefix(acct, c, prop, key)
	var ids []store.DocumentID
	err := scan(s.db, prefix, func(k, _ []byte) bool {
		if len(k) == len(prefix)+4 {
			ids = append(ids, store.DocumentID(binary.BigEndian.Uint32(k[len(prefix):])))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("filter %s=%s: %w", prop, key, err)
	}
	return store.NewDocumentSet(ids...), nil
}

func (s *Store) UsedQuota(_ context.Context, acct store.AccountID) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	v, err := get(s.db, accountKey(prefixQuota, acct))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int64(decodeUint64(v)), nil
}

func (s *Store) GetState(_ context.Context, acct store.AccountID, c store.Collection) (store.State, error) {
	if err := s.checkConnected(); err != nil {
		return store.State{}, err
	}
	v, err := get(s.db, collectionKey(prefixState, acct, c))
	if errors.Is(err, store.ErrNotFound) {
		return store.InitialState(), nil
	}
	if err != nil {
		return store.State{}, err
	}
	return store.ExactState(store.ChangeID(decodeUint64(v))), nil
}

func (s *Store) ChangesSince(_ context.Context, acct store.AccountID, c store.Collection, since store.State, limit int) ([]store.ChangeRecord, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	from, exact := since.ChangeID()
	var (
		out    []store.ChangeRecord
		decErr error
	)
	err := scan(s.db, collectionKey(prefixLog, acct, c), func(k, v []byte) bool {
		id := store.ChangeID(binary.BigEndian.Uint64(k[len(k)-8:]))
		if exact && id <= from {
			return true
		}
		rec := store.ChangeRecord{ChangeID: id}
		if decErr = json.Unmarshal(v, &rec.Entries); decErr != nil {
			return false
		}
		out = append(out, rec)
		return limit <= 0 || len(out) < limit
	})
	if err == nil {
		err = decErr
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrCannotCalculateChanges, err)
	}
	return out, nil
}
