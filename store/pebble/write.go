package pebble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/rbaliyan/mailsync/store"
)

// Write applies the batch as one Pebble commit.
func (s *Store) Write(ctx context.Context, batch *store.Batch) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if batch == nil {
		return fmt.Errorf("%w: nil batch", store.ErrInvalidBatch)
	}

	mu := s.accountLock(batch.AccountID)
	mu.Lock()
	defer mu.Unlock()

	b := s.db.NewIndexedBatch()
	defer b.Close()

	acct := batch.AccountID
	for _, op := range batch.Ops {
		if err := applyOp(b, acct, op); err != nil {
			return fmt.Errorf("%w: %w", store.ErrTransactionFailed, err)
		}
	}
	if t := batch.TermIndex; t != nil {
		if err := b.Set(documentKey(prefixTerm, acct, t.Collection, t.Document), t.Data, nil); err != nil {
			return fmt.Errorf("%w: %w", store.ErrTransactionFailed, err)
		}
	}
	if log := batch.Changes; log != nil {
		for c, rec := range log.RecordsFor() {
			if err := writeRecord(b, acct, c, rec); err != nil {
				return fmt.Errorf("%w: %w", store.ErrTransactionFailed, err)
			}
		}
	}

	// Last chance to abandon the batch before it becomes visible.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrTransactionFailed, err)
	}
	if err := b.Commit(s.writeOptions()); err != nil {
		return fmt.Errorf("%w: commit: %w", store.ErrTransactionFailed, err)
	}
	return nil
}

func applyOp(b *pebble.Batch, acct store.AccountID, op store.Operation) error {
	switch op.Kind {
	case store.OpCreate:
		return b.Set(documentKey(prefixDoc, acct, op.Collection, op.Document), nil, nil)

	case store.OpDelete:
		return deleteDocument(b, acct, op.Collection, op.Document)

	case store.OpValue:
		if op.Flags&store.FlagValue != 0 {
			if err := b.Set(valueKey(acct, op.Collection, op.Document, op.Property), op.Value, nil); err != nil {
				return err
			}
		}
		if op.Flags&store.FlagBitmap != 0 {
			return replaceBits(b, acct, op)
		}
		return nil

	case store.OpQuota:
		key := accountKey(prefixQuota, acct)
		var used int64
		v, err := get(b, key)
		switch {
		case err == nil:
			used = int64(decodeUint64(v))
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		return b.Set(key, encodeUint64(uint64(used+op.Delta)), nil)
	}
	return fmt.Errorf("unknown operation %d", op.Kind)
}

func storedKeys(b *pebble.Batch, key []byte) ([]string, error) {
	v, err := get(b, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(v, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func replaceBits(b *pebble.Batch, acct store.AccountID, op store.Operation) error {
	rk := reverseKey(acct, op.Collection, op.Document, op.Property)
	old, err := storedKeys(b, rk)
	if err != nil {
		return err
	}
	for _, key := range old {
		if err := b.Delete(bitmapKey(acct, op.Collection, op.Property, key, op.Document), nil); err != nil {
			return err
		}
	}
	for _, key := range op.Keys {
		if err := b.Set(bitmapKey(acct, op.Collection, op.Property, key, op.Document), nil, nil); err != nil {
			return err
		}
	}
	data, err := json.Marshal(op.Keys)
	if err != nil {
		return err
	}
	return b.Set(rk, data, nil)
}

func deleteDocument(b *pebble.Batch, acct store.AccountID, c store.Collection, doc store.DocumentID) error {
	// Collect first; the batch must not be mutated while iterating it.
	type reverse struct {
		key  []byte
		prop store.Property
	}
	var (
		values   [][]byte
		reverses []reverse
	)
	vp := documentKey(prefixValue, acct, c, doc)
	if err := scan(b, vp, func(k, _ []byte) bool {
		values = append(values, append([]byte(nil), k...))
		return true
	}); err != nil {
		return err
	}
	rp := documentKey(prefixReverse, acct, c, doc)
	if err := scan(b, rp, func(k, _ []byte) bool {
		reverses = append(reverses, reverse{key: append([]byte(nil), k...), prop: store.Property(k[len(rp):])})
		return true
	}); err != nil {
		return err
	}

	for _, k := range values {
		if err := b.Delete(k, nil); err != nil {
			return err
		}
	}
	for _, r := range reverses {
		keys, err := storedKeys(b, r.key)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := b.Delete(bitmapKey(acct, c, r.prop, key, doc), nil); err != nil {
				return err
			}
		}
		if err := b.Delete(r.key, nil); err != nil {
			return err
		}
	}
	if err := b.Delete(documentKey(prefixTerm, acct, c, doc), nil); err != nil {
		return err
	}
	return b.Delete(documentKey(prefixDoc, acct, c, doc), nil)
}

// writeRecord appends the change record and advances the collection state
// to the record's change id. A record at or behind the state is stale.
func writeRecord(b *pebble.Batch, acct store.AccountID, c store.Collection, rec store.ChangeRecord) error {
	data, err := json.Marshal(rec.Entries)
	if err != nil {
		return err
	}
	sk := collectionKey(prefixState, acct, c)
	cur, err := get(b, sk)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return err
	case store.ChangeID(decodeUint64(cur)) >= rec.ChangeID:
		return fmt.Errorf("%w: %s change %d at state %d", store.ErrStaleChange, c, rec.ChangeID, decodeUint64(cur))
	}
	if err := b.Set(logKey(acct, c, rec.ChangeID), data, nil); err != nil {
		return err
	}
	return b.Set(sk, encodeUint64(uint64(rec.ChangeID)), nil)
}
