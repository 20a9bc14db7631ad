// Package sqldb provides a store.Store on a SQL database through sqlx.
// PostgreSQL (lib/pq) and SQLite (go-sqlite3) are supported; the dialect is
// taken from the driver name of the connection.
//
// Every Write runs inside one transaction. Bitmap entries are rows keyed by
// (property, key, document) so Filter is a single indexed lookup.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/mailsync/store"
)

var _ store.Store = (*Store)(nil)

const (
	counterDocument = 0
	counterChange   = 1
)

// Store implements store.Store on PostgreSQL or SQLite.
type Store struct {
	db        *sqlx.DB
	opts      *options
	tables    tables
	connected int32
	logger    *slog.Logger
}

// New creates a store on the given connection. Call Connect to create the
// schema.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:     db,
		opts:   o,
		tables: newTables(o.tablePrefix),
		logger: o.logger,
	}
}

// NewFromDB wraps a standard sql.DB opened with the named driver.
func NewFromDB(db *sql.DB, driver string, opts ...Option) *Store {
	return New(sqlx.NewDb(db, driver), opts...)
}

// Connect verifies the connection and creates the schema.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("sqldb: db is required")
	}

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("sqldb ping: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to SQL store", "driver", s.db.DriverName(), "prefix", s.opts.tablePrefix)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
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

// next increments a counter row and returns the value before the increment.
func (s *Store) next(ctx context.Context, acct store.AccountID, kind int, c store.Collection) (int64, error) {
	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	query := s.db.Rebind(fmt.Sprintf(`
		INSERT INTO %[1]s (account_id, kind, collection, next_id) VALUES (?, ?, ?, 1)
		ON CONFLICT (account_id, kind, collection) DO UPDATE SET next_id = %[1]s.next_id + 1
		RETURNING next_id`, s.tables.counters))
	var next int64
	if err := s.db.QueryRowxContext(ctx, query, int64(acct), kind, int(c)).Scan(&next); err != nil {
		return 0, err
	}
	return next - 1, nil
}

func (s *Store) AssignDocumentID(ctx context.Context, acct store.AccountID, c store.Collection) (store.DocumentID, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	id, err := s.next(ctx, acct, counterDocument, c)
	if err != nil {
		return 0, fmt.Errorf("assign document id: %w", err)
	}
	return store.DocumentID(id), nil
}

func (s *Store) AssignChangeID(ctx context.Context, acct store.AccountID) (store.ChangeID, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	id, err := s.next(ctx, acct, counterChange, 0)
	if err != nil {
		return 0, fmt.Errorf("assign change id: %w", err)
	}
	return store.ChangeID(id), nil
}

func (s *Store) documentSet(ctx context.Context, query string, args ...any) (*store.DocumentSet, error) {
	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	var raw []int64
	if err := s.db.SelectContext(ctx, &raw, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	ids := make([]store.DocumentID, len(raw))
	for i, id := range raw {
		ids[i] = store.DocumentID(id)
	}
	return store.NewDocumentSet(ids...), nil
}

func (s *Store) DocumentIDs(ctx context.Context, acct store.AccountID, c store.Collection) (*store.DocumentSet, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	set, err := s.documentSet(ctx, fmt.Sprintf(
		`SELECT document_id FROM %s WHERE account_id = ? AND collection = ?`, s.tables.documents),
		int64(acct), int(c))
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return set, nil
}

func (s *Store) Filter(ctx context.Context, acct store.AccountID, c store.Collection, prop store.Property, key string) (*store.DocumentSet, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	set, err := s.documentSet(ctx, fmt.Sprintf(
		`SELECT document_id FROM %s WHERE account_id = ? AND collection = ? AND property = ? AND bit_key = ?`, s.tables.bitmaps),
		int64(acct), int(c), string(prop), key)
	if err != nil {
		return nil, fmt.Errorf("filter %s=%s: %w", prop, key, err)
	}
	return set, nil
}

func (s *Store) getBytes(ctx context.Context, query string, args ...any) ([]byte, error) {
	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	var data []byte
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(query), args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Store) GetProperty(ctx context.Context, acct store.AccountID, c store.Collection, doc store.DocumentID, prop store.Property) ([]byte, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	return s.getBytes(ctx, fmt.Sprintf(
		`SELECT value FROM %s WHERE account_id = ? AND collection = ? AND document_id = ? AND property = ?`, s.tables.values),
		int64(acct), int(c), int64(doc), string(prop))
}

func (s *Store) GetTermIndex(ctx context.Context, acct store.AccountID, c store.Collection, doc store.DocumentID) ([]byte, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	return s.getBytes(ctx, fmt.Sprintf(
		`SELECT data FROM %s WHERE account_id = ? AND collection = ? AND document_id = ?`, s.tables.terms),
		int64(acct), int(c), int64(doc))
}

func (s *Store) UsedQuota(ctx context.Context, acct store.AccountID) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	var used int64
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(fmt.Sprintf(
		`SELECT used FROM %s WHERE account_id = ?`, s.tables.quota)), int64(acct)).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("used quota: %w", err)
	}
	return used, nil
}

func (s *Store) GetState(ctx context.Context, acct store.AccountID, c store.Collection) (store.State, error) {
	if err := s.checkConnected(); err != nil {
		return store.State{}, err
	}
	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	var id int64
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(fmt.Sprintf(
		`SELECT change_id FROM %s WHERE account_id = ? AND collection = ?`, s.tables.states)),
		int64(acct), int(c)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.InitialState(), nil
	}
	if err != nil {
		return store.State{}, fmt.Errorf("get state: %w", err)
	}
	return store.ExactState(store.ChangeID(id)), nil
}

type changeRow struct {
	ChangeID int64  `db:"change_id"`
	Entries  string `db:"entries"`
}

func (s *Store) ChangesSince(ctx context.Context, acct store.AccountID, c store.Collection, since store.State, limit int) ([]store.ChangeRecord, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT change_id, entries FROM %s WHERE account_id = ? AND collection = ?`, s.tables.changes)
	args := []any{int64(acct), int(c)}
	if from, exact := since.ChangeID(); exact {
		query += ` AND change_id > ?`
		args = append(args, int64(from))
	}
	query += ` ORDER BY change_id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []changeRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrCannotCalculateChanges, err)
	}
	out := make([]store.ChangeRecord, 0, len(rows))
	for _, r := range rows {
		rec := store.ChangeRecord{ChangeID: store.ChangeID(r.ChangeID)}
		if err := json.Unmarshal([]byte(r.Entries), &rec.Entries); err != nil {
			return nil, fmt.Errorf("%w: decode record %d: %w", store.ErrCannotCalculateChanges, r.ChangeID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
