// Package memory provides an in-memory Store and BlobStore for testing.
// This store is not suitable for production use - data is not persisted.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/mailsync/store"
)

// Compile-time checks
var (
	_ store.Store      = (*Store)(nil)
	_ store.BlobStore  = (*Store)(nil)
	_ store.BlobPurger = (*Store)(nil)
)

type valueKey struct {
	collection store.Collection
	document   store.DocumentID
	property   store.Property
}

type bitmapKey struct {
	collection store.Collection
	property   store.Property
	key        string
}

type docKey struct {
	collection store.Collection
	document   store.DocumentID
}

// account holds everything belonging to one account. Accounts are locked
// independently so unrelated accounts never contend.
type account struct {
	mu sync.RWMutex

	nextDoc    map[store.Collection]store.DocumentID
	nextChange store.ChangeID

	data *accountData
}

// accountData is the committed state swapped in by Write.
type accountData struct {
	docs    map[store.Collection]map[store.DocumentID]struct{}
	values  map[valueKey][]byte
	bitmaps map[bitmapKey]map[store.DocumentID]struct{}
	docKeys map[valueKey][]string
	terms   map[docKey][]byte
	states  map[store.Collection]store.ChangeID
	log     map[store.Collection][]store.ChangeRecord
	used    int64
}

func newAccountData() *accountData {
	return &accountData{
		docs:    make(map[store.Collection]map[store.DocumentID]struct{}),
		values:  make(map[valueKey][]byte),
		bitmaps: make(map[bitmapKey]map[store.DocumentID]struct{}),
		docKeys: make(map[valueKey][]string),
		terms:   make(map[docKey][]byte),
		states:  make(map[store.Collection]store.ChangeID),
		log:     make(map[store.Collection][]store.ChangeRecord),
	}
}

func (d *accountData) clone() *accountData {
	c := &accountData{
		docs:    make(map[store.Collection]map[store.DocumentID]struct{}, len(d.docs)),
		values:  maps.Clone(d.values),
		bitmaps: make(map[bitmapKey]map[store.DocumentID]struct{}, len(d.bitmaps)),
		docKeys: maps.Clone(d.docKeys),
		terms:   maps.Clone(d.terms),
		states:  maps.Clone(d.states),
		log:     make(map[store.Collection][]store.ChangeRecord, len(d.log)),
		used:    d.used,
	}
	for k, v := range d.docs {
		c.docs[k] = maps.Clone(v)
	}
	for k, v := range d.bitmaps {
		c.bitmaps[k] = maps.Clone(v)
	}
	for k, v := range d.log {
		c.log[k] = slices.Clone(v)
	}
	return c
}

// WriteFault decides whether a write fails after applied operations.
// Returning a non-nil error aborts the batch.
type WriteFault func(batch *store.Batch, applied int) error

// Store implements store.Store and store.BlobStore with in-memory storage.
// Thread-safe for concurrent use. Not suitable for production.
type Store struct {
	accounts  sync.Map // map[store.AccountID]*account
	connected int32

	faultMu sync.Mutex
	fault   WriteFault

	writes atomic.Int64

	blobs *blobState
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{blobs: newBlobState()}
}

// Connect marks the store as connected.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	return nil
}

// Close marks the store as disconnected.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// getAccount returns the account, creating it if needed.
// Uses LoadOrStore for atomic get-or-create.
func (s *Store) getAccount(id store.AccountID) *account {
	if v, ok := s.accounts.Load(id); ok {
		return v.(*account)
	}
	v, _ := s.accounts.LoadOrStore(id, &account{
		nextDoc: make(map[store.Collection]store.DocumentID),
		data:    newAccountData(),
	})
	return v.(*account)
}

// SetWriteFault installs a fault injected into subsequent writes.
// Pass nil to clear it.
func (s *Store) SetWriteFault(f WriteFault) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.fault = f
}

// Writes returns the number of successfully committed batches.
func (s *Store) Writes() int64 {
	return s.writes.Load()
}

// =============================================================================
// Documents
// =============================================================================

func (s *Store) AssignDocumentID(_ context.Context, accountID store.AccountID, c store.Collection) (store.DocumentID, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	a := s.getAccount(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextDoc[c]
	a.nextDoc[c] = id + 1
	return id, nil
}

func (s *Store) DocumentIDs(_ context.Context, accountID store.AccountID, c store.Collection) (*store.DocumentSet, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	a := s.getAccount(accountID)
	a.mu.RLock()
	defer a.mu.RUnlock()
	return store.NewDocumentSet(slices.Collect(maps.Keys(a.data.docs[c]))...), nil
}

func (s *Store) GetProperty(_ context.Context, accountID store.AccountID, c store.Collection, doc store.DocumentID, prop store.Property) ([]byte, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	a := s.getAccount(accountID)
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.data.values[valueKey{c, doc, prop}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return slices.Clone(v), nil
}

func (s *Store) GetTermIndex(_ context.Context, accountID store.AccountID, c store.Collection, doc store.DocumentID) ([]byte, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	a := s.getAccount(accountID)
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.data.terms[docKey{c, doc}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return slices.Clone(v), nil
}

func (s *Store) Filter(_ context.Context, accountID store.AccountID, c store.Collection, prop store.Property, key string) (*store.DocumentSet, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	a := s.getAccount(accountID)
	a.mu.RLock()
	defer a.mu.RUnlock()
	return store.NewDocumentSet(slices.Collect(maps.Keys(a.data.bitmaps[bitmapKey{c, prop, key}]))...), nil
}

func (s *Store) UsedQuota(_ context.Context, accountID store.AccountID) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	a := s.getAccount(accountID)
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.used, nil
}

// =============================================================================
// Changes
// =============================================================================

func (s *Store) AssignChangeID(_ context.Context, accountID store.AccountID) (store.ChangeID, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	a := s.getAccount(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextChange
	a.nextChange++
	return id, nil
}

func (s *Store) GetState(_ context.Context, accountID store.AccountID, c store.Collection) (store.State, error) {
	if err := s.checkConnected(); err != nil {
		return store.State{}, err
	}
	a := s.getAccount(accountID)
	a.mu.RLock()
	defer a.mu.RUnlock()
	if id, ok := a.data.states[c]; ok {
		return store.ExactState(id), nil
	}
	return store.InitialState(), nil
}

func (s *Store) ChangesSince(_ context.Context, accountID store.AccountID, c store.Collection, since store.State, limit int) ([]store.ChangeRecord, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	a := s.getAccount(accountID)
	a.mu.RLock()
	defer a.mu.RUnlock()
	from, exact := since.ChangeID()
	var out []store.ChangeRecord
	for _, r := range a.data.log[c] {
		if exact && r.ChangeID <= from {
			continue
		}
		out = append(out, store.ChangeRecord{ChangeID: r.ChangeID, Entries: slices.Clone(r.Entries)})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
