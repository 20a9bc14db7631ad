// Package mongo provides a MongoDB implementation of store.Store.
//
// Writes run inside a session transaction, so a replica set or sharded
// cluster is required. Deployments without transaction support fail every
// Write with store.ErrTransactionFailed instead of writing partially.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/rbaliyan/mailsync/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

var _ store.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client    *mongo.Client
	db        *mongo.Database
	counters  *mongo.Collection
	documents *mongo.Collection
	changes   *mongo.Collection
	states    *mongo.Collection
	quota     *mongo.Collection
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new MongoDB store with the provided client.
// Call Connect() to initialize the collections and indexes.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Connect initializes the database, collections, and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	if s.client == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo ping: %w", err)
	}

	s.db = s.client.Database(s.opts.database)
	s.counters = s.db.Collection(s.opts.collection("counters"))
	s.documents = s.db.Collection(s.opts.collection("documents"))
	s.changes = s.db.Collection(s.opts.collection("changes"))
	s.states = s.db.Collection(s.opts.collection("states"))
	s.quota = s.db.Collection(s.opts.collection("quota"))

	if err := s.ensureIndexes(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure indexes: %w", err)
	}

	s.logger.Info("connected to MongoDB", "database", s.opts.database, "prefix", s.opts.prefix)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the MongoDB client.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	docIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "a", Value: 1}, {Key: "c", Value: 1}, {Key: "d", Value: 1}}},
		// Bitmap lookups: bits holds "prop=key" strings.
		{Keys: bson.D{{Key: "a", Value: 1}, {Key: "c", Value: 1}, {Key: "bits", Value: 1}}},
	}
	if _, err := s.documents.Indexes().CreateMany(ctx, docIndexes); err != nil {
		return err
	}
	_, err := s.changes.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "a", Value: 1}, {Key: "c", Value: 1}, {Key: "id", Value: 1}},
		Options: mongoopts.Index().SetUnique(true),
	})
	return err
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

func docID(acct store.AccountID, c store.Collection, doc store.DocumentID) string {
	return fmt.Sprintf("%d:%d:%d", acct, c, doc)
}

func collectionID(acct store.AccountID, c store.Collection) string {
	return fmt.Sprintf("%d:%d", acct, c)
}

func bitEntry(prop store.Property, key string) string {
	return string(prop) + "=" + key
}

// docRecord is one stored document with its values and bitmap keys.
type docRecord struct {
	ID         string              `bson:"_id"`
	Account    int64               `bson:"a"`
	Collection int32               `bson:"c"`
	Document   int64               `bson:"d"`
	Values     map[string][]byte   `bson:"values,omitempty"`
	Keys       map[string][]string `bson:"keys,omitempty"`
	Bits       []string            `bson:"bits,omitempty"`
	Terms      []byte              `bson:"terms,omitempty"`
}

func (s *Store) next(ctx context.Context, id string) (int64, error) {
	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	var out struct {
		Next int64 `bson:"next"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{"next": 1}},
		mongoopts.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(mongoopts.After),
	).Decode(&out)
	if err != nil {
		return 0, err
	}
	return out.Next - 1, nil
}

func (s *Store) AssignDocumentID(ctx context.Context, acct store.AccountID, c store.Collection) (store.DocumentID, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	id, err := s.next(ctx, "doc:"+collectionID(acct, c))
	if err != nil {
		return 0, fmt.Errorf("assign document id: %w", err)
	}
	return store.DocumentID(id), nil
}

func (s *Store) AssignChangeID(ctx context.Context, acct store.AccountID) (store.ChangeID, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	id, err := s.next(ctx, fmt.Sprintf("change:%d", acct))
	if err != nil {
		return 0, fmt.Errorf("assign change id: %w", err)
	}
	return store.ChangeID(id), nil
}

func (s *Store) findDocuments(ctx context.Context, filter bson.M) (*store.DocumentSet, error) {
	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	cursor, err := s.documents.Find(ctx, filter, mongoopts.Find().SetProjection(bson.M{"d": 1}))
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Document int64 `bson:"d"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	ids := make([]store.DocumentID, len(rows))
	for i, r := range rows {
		ids[i] = store.DocumentID(r.Document)
	}
	return store.NewDocumentSet(ids...), nil
}

func (s *Store) DocumentIDs(ctx context.Context, acct store.AccountID, c store.Collection) (*store.DocumentSet, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	set, err := s.findDocuments(ctx, bson.M{"a": int64(acct), "c": int32(c)})
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return set, nil
}

func (s *Store) Filter(ctx context.Context, acct store.AccountID, c store.Collection, prop store.Property, key string) (*store.DocumentSet, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	set, err := s.findDocuments(ctx, bson.M{"a": int64(acct), "c": int32(c), "bits": bitEntry(prop, key)})
	if err != nil {
		return nil, fmt.Errorf("filter %s=%s: %w", prop, key, err)
	}
	return set, nil
}

func (s *Store) loadDocument(ctx context.Context, acct store.AccountID, c store.Collection, doc store.DocumentID) (*docRecord, error) {
	var rec docRecord
	err := s.documents.FindOne(ctx, bson.M{"_id": docID(acct, c, doc)}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) GetProperty(ctx context.Context, acct store.AccountID, c store.Collection, doc store.DocumentID, prop store.Property) ([]byte, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	rec, err := s.loadDocument(ctx, acct, c, doc)
	if err != nil {
		return nil, err
	}
	v, ok := rec.Values[string(prop)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (s *Store) GetTermIndex(ctx context.Context, acct store.AccountID, c store.Collection, doc store.DocumentID) ([]byte, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	rec, err := s.loadDocument(ctx, acct, c, doc)
	if err != nil {
		return nil, err
	}
	if rec.Terms == nil {
		return nil, store.ErrNotFound
	}
	return rec.Terms, nil
}

func (s *Store) UsedQuota(ctx context.Context, acct store.AccountID) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	var out struct {
		Used int64 `bson:"used"`
	}
	err := s.quota.FindOne(ctx, bson.M{"_id": int64(acct)}).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("used quota: %w", err)
	}
	return out.Used, nil
}

func (s *Store) GetState(ctx context.Context, acct store.AccountID, c store.Collection) (store.State, error) {
	if err := s.checkConnected(); err != nil {
		return store.State{}, err
	}
	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	var out struct {
		ChangeID int64 `bson:"change_id"`
	}
	err := s.states.FindOne(ctx, bson.M{"_id": collectionID(acct, c)}).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.InitialState(), nil
	}
	if err != nil {
		return store.State{}, fmt.Errorf("get state: %w", err)
	}
	return store.ExactState(store.ChangeID(out.ChangeID)), nil
}

type changeRecord struct {
	Account    int64          `bson:"a"`
	Collection int32          `bson:"c"`
	ID         int64          `bson:"id"`
	Entries    []store.Change `bson:"entries"`
}

func (s *Store) ChangesSince(ctx context.Context, acct store.AccountID, c store.Collection, since store.State, limit int) ([]store.ChangeRecord, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	filter := bson.M{"a": int64(acct), "c": int32(c)}
	if from, exact := since.ChangeID(); exact {
		filter["id"] = bson.M{"$gt": int64(from)}
	}
	opts := mongoopts.Find().SetSort(bson.D{{Key: "id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.changes.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrCannotCalculateChanges, err)
	}
	var rows []changeRecord
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrCannotCalculateChanges, err)
	}
	out := make([]store.ChangeRecord, len(rows))
	for i, r := range rows {
		out[i] = store.ChangeRecord{ChangeID: store.ChangeID(r.ID), Entries: r.Entries}
	}
	return out, nil
}
