package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/rbaliyan/mailsync/store"
)

// Write applies the batch to a private copy of the account and swaps it in
// only when every operation succeeded.
func (s *Store) Write(ctx context.Context, batch *store.Batch) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if batch == nil {
		return fmt.Errorf("%w: nil batch", store.ErrInvalidBatch)
	}

	s.faultMu.Lock()
	fault := s.fault
	s.faultMu.Unlock()

	a := s.getAccount(batch.AccountID)
	a.mu.Lock()
	defer a.mu.Unlock()

	staged := a.data.clone()
	for i, op := range batch.Ops {
		applyOp(staged, op)
		if fault != nil {
			if err := fault(batch, i+1); err != nil {
				return fmt.Errorf("%w: %w", store.ErrTransactionFailed, err)
			}
		}
	}
	if t := batch.TermIndex; t != nil {
		staged.terms[docKey{t.Collection, t.Document}] = slices.Clone(t.Data)
	}
	if log := batch.Changes; log != nil {
		for c, rec := range log.RecordsFor() {
			if cur, ok := staged.states[c]; ok && rec.ChangeID <= cur {
				return fmt.Errorf("%w: %s change %d at state %d", store.ErrStaleChange, c, rec.ChangeID, cur)
			}
			staged.log[c] = insertRecord(staged.log[c], rec)
			staged.states[c] = rec.ChangeID
		}
	}
	if fault != nil {
		if err := fault(batch, len(batch.Ops)+1); err != nil {
			return fmt.Errorf("%w: %w", store.ErrTransactionFailed, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrTransactionFailed, err)
	}

	a.data = staged
	s.writes.Add(1)
	return nil
}

func applyOp(d *accountData, op store.Operation) {
	switch op.Kind {
	case store.OpCreate:
		docs := d.docs[op.Collection]
		if docs == nil {
			docs = make(map[store.DocumentID]struct{})
			d.docs[op.Collection] = docs
		}
		docs[op.Document] = struct{}{}

	case store.OpDelete:
		delete(d.docs[op.Collection], op.Document)
		delete(d.terms, docKey{op.Collection, op.Document})
		for k := range d.values {
			if k.collection == op.Collection && k.document == op.Document {
				delete(d.values, k)
			}
		}
		for k, keys := range d.docKeys {
			if k.collection == op.Collection && k.document == op.Document {
				unsetBits(d, k, keys)
				delete(d.docKeys, k)
			}
		}

	case store.OpValue:
		vk := valueKey{op.Collection, op.Document, op.Property}
		if op.Flags&store.FlagValue != 0 {
			d.values[vk] = slices.Clone(op.Value)
		}
		if op.Flags&store.FlagBitmap != 0 {
			unsetBits(d, vk, d.docKeys[vk])
			for _, key := range op.Keys {
				bk := bitmapKey{op.Collection, op.Property, key}
				set := d.bitmaps[bk]
				if set == nil {
					set = make(map[store.DocumentID]struct{})
					d.bitmaps[bk] = set
				}
				set[op.Document] = struct{}{}
			}
			d.docKeys[vk] = slices.Clone(op.Keys)
		}

	case store.OpQuota:
		d.used += op.Delta
	}
}

func unsetBits(d *accountData, vk valueKey, keys []string) {
	for _, key := range keys {
		bk := bitmapKey{vk.collection, vk.property, key}
		delete(d.bitmaps[bk], vk.document)
		if len(d.bitmaps[bk]) == 0 {
			delete(d.bitmaps, bk)
		}
	}
}

// insertRecord keeps records ordered by change id; commits may arrive out of
// allocation order.
func insertRecord(records []store.ChangeRecord, rec store.ChangeRecord) []store.ChangeRecord {
	i, _ := slices.BinarySearchFunc(records, rec.ChangeID, func(r store.ChangeRecord, id store.ChangeID) int {
		return cmp.Compare(r.ChangeID, id)
	})
	return slices.Insert(records, i, rec)
}
