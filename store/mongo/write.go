package mongo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/rbaliyan/mailsync/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// illegalOperation is returned by standalone servers for transactions.
const illegalOperation = 20

// staged tracks documents touched by a batch until the transaction writes them.
type staged struct {
	rec     *docRecord
	deleted bool
}

// Write applies the batch inside one session transaction.
func (s *Store) Write(ctx context.Context, batch *store.Batch) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if batch == nil {
		return fmt.Errorf("%w: nil batch", store.ErrInvalidBatch)
	}

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("%w: start session: %w", store.ErrTransactionFailed, err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, s.apply(ctx, batch)
	})
	if err != nil {
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) && cmdErr.Code == illegalOperation {
			s.logger.Error("mongo deployment does not support transactions", "error", err)
		}
		return fmt.Errorf("%w: %w", store.ErrTransactionFailed, err)
	}
	return nil
}

func (s *Store) apply(ctx context.Context, batch *store.Batch) error {
	acct := batch.AccountID
	touched := make(map[string]*staged)

	touch := func(c store.Collection, doc store.DocumentID) (*staged, error) {
		id := docID(acct, c, doc)
		if st, ok := touched[id]; ok {
			return st, nil
		}
		rec, err := s.loadDocument(ctx, acct, c, doc)
		if errors.Is(err, store.ErrNotFound) {
			rec = &docRecord{ID: id, Account: int64(acct), Collection: int32(c), Document: int64(doc)}
		} else if err != nil {
			return nil, err
		}
		st := &staged{rec: rec}
		touched[id] = st
		return st, nil
	}

	var quota int64
	for _, op := range batch.Ops {
		if op.Kind == store.OpQuota {
			quota += op.Delta
			continue
		}
		st, err := touch(op.Collection, op.Document)
		if err != nil {
			return err
		}
		switch op.Kind {
		case store.OpCreate:
			st.deleted = false
		case store.OpDelete:
			st.deleted = true
			st.rec.Values, st.rec.Keys, st.rec.Terms = nil, nil, nil
		case store.OpValue:
			if op.Flags&store.FlagValue != 0 {
				if st.rec.Values == nil {
					st.rec.Values = make(map[string][]byte)
				}
				st.rec.Values[string(op.Property)] = op.Value
			}
			if op.Flags&store.FlagBitmap != 0 {
				if st.rec.Keys == nil {
					st.rec.Keys = make(map[string][]string)
				}
				st.rec.Keys[string(op.Property)] = slices.Clone(op.Keys)
			}
		}
	}
	if t := batch.TermIndex; t != nil {
		st, err := touch(t.Collection, t.Document)
		if err != nil {
			return err
		}
		st.rec.Terms = t.Data
	}

	for id, st := range touched {
		if st.deleted {
			if _, err := s.documents.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
			continue
		}
		st.rec.Bits = st.rec.Bits[:0]
		for prop, keys := range st.rec.Keys {
			for _, key := range keys {
				st.rec.Bits = append(st.rec.Bits, bitEntry(store.Property(prop), key))
			}
		}
		sort.Strings(st.rec.Bits)
		if _, err := s.documents.ReplaceOne(ctx, bson.M{"_id": id}, st.rec, mongoopts.Replace().SetUpsert(true)); err != nil {
			return fmt.Errorf("write %s: %w", id, err)
		}
	}

	if quota != 0 {
		_, err := s.quota.UpdateOne(ctx,
			bson.M{"_id": int64(acct)},
			bson.M{"$inc": bson.M{"used": quota}},
			mongoopts.UpdateOne().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("quota: %w", err)
		}
	}

	if log := batch.Changes; log != nil {
		for c, rec := range log.RecordsFor() {
			// Only an older state matches the filter; a newer one makes the
			// upsert collide on _id.
			_, err := s.states.UpdateOne(ctx,
				bson.M{"_id": collectionID(acct, c), "change_id": bson.M{"$lt": int64(rec.ChangeID)}},
				bson.M{"$set": bson.M{"change_id": int64(rec.ChangeID)}},
				mongoopts.UpdateOne().SetUpsert(true))
			if mongo.IsDuplicateKeyError(err) {
				return fmt.Errorf("%w: %s change %d", store.ErrStaleChange, c, rec.ChangeID)
			}
			if err != nil {
				return fmt.Errorf("state: %w", err)
			}
			if _, err := s.changes.InsertOne(ctx, changeRecord{
				Account:    int64(acct),
				Collection: int32(c),
				ID:         int64(rec.ChangeID),
				Entries:    rec.Entries,
			}); err != nil {
				return fmt.Errorf("change log: %w", err)
			}
		}
	}
	return nil
}
