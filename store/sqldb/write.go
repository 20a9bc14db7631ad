package sqldb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/rbaliyan/mailsync/store"
)

// Write applies the batch inside a single transaction.
func (s *Store) Write(ctx context.Context, batch *store.Batch) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if batch == nil {
		return fmt.Errorf("%w: nil batch", store.ErrInvalidBatch)
	}

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", store.ErrTransactionFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.apply(ctx, tx, batch); err != nil {
		if isConflict(err) {
			s.logger.Warn("batch conflicts with committed data", "account_id", batch.AccountID, "error", err)
		}
		return fmt.Errorf("%w: %w", store.ErrTransactionFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", store.ErrTransactionFailed, err)
	}
	return nil
}

func (s *Store) apply(ctx context.Context, tx *sqlx.Tx, batch *store.Batch) error {
	acct := int64(batch.AccountID)
	t := s.tables
	exec := func(query string, args ...any) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		return err
	}

	for _, op := range batch.Ops {
		c, doc := int(op.Collection), int64(op.Document)
		var err error
		switch op.Kind {
		case store.OpCreate:
			err = exec(fmt.Sprintf(`INSERT INTO %s (account_id, collection, document_id) VALUES (?, ?, ?)
				ON CONFLICT (account_id, collection, document_id) DO NOTHING`, t.documents), acct, c, doc)

		case store.OpDelete:
			for _, table := range []string{t.values, t.bitmaps, t.terms, t.documents} {
				if err = exec(fmt.Sprintf(`DELETE FROM %s WHERE account_id = ? AND collection = ? AND document_id = ?`, table),
					acct, c, doc); err != nil {
					break
				}
			}

		case store.OpValue:
			if op.Flags&store.FlagValue != 0 {
				err = exec(fmt.Sprintf(`INSERT INTO %s (account_id, collection, document_id, property, value) VALUES (?, ?, ?, ?, ?)
					ON CONFLICT (account_id, collection, document_id, property) DO UPDATE SET value = excluded.value`, t.values),
					acct, c, doc, string(op.Property), op.Value)
			}
			if err == nil && op.Flags&store.FlagBitmap != 0 {
				err = s.replaceBits(ctx, tx, acct, op)
			}

		case store.OpQuota:
			err = exec(fmt.Sprintf(`INSERT INTO %[1]s (account_id, used) VALUES (?, ?)
				ON CONFLICT (account_id) DO UPDATE SET used = %[1]s.used + excluded.used`, t.quota), acct, op.Delta)

		default:
			err = fmt.Errorf("unknown operation %d", op.Kind)
		}
		if err != nil {
			return fmt.Errorf("%s %s/%d: %w", opName(op.Kind), op.Collection, op.Document, err)
		}
	}

	if ti := batch.TermIndex; ti != nil {
		if err := exec(fmt.Sprintf(`INSERT INTO %s (account_id, collection, document_id, data) VALUES (?, ?, ?, ?)
			ON CONFLICT (account_id, collection, document_id) DO UPDATE SET data = excluded.data`, t.terms),
			acct, int(ti.Collection), int64(ti.Document), ti.Data); err != nil {
			return fmt.Errorf("term index: %w", err)
		}
	}

	if log := batch.Changes; log != nil {
		for c, rec := range log.RecordsFor() {
			entries, err := json.Marshal(rec.Entries)
			if err != nil {
				return err
			}
			// The conditional upsert locks the state row, so a concurrent
			// newer commit either lands first and makes this one stale or
			// waits behind it.
			res, err := tx.ExecContext(ctx, tx.Rebind(fmt.Sprintf(`INSERT INTO %[1]s (account_id, collection, change_id) VALUES (?, ?, ?)
				ON CONFLICT (account_id, collection) DO UPDATE SET change_id = excluded.change_id
				WHERE %[1]s.change_id < excluded.change_id`, t.states)),
				acct, int(c), int64(rec.ChangeID))
			if err != nil {
				return fmt.Errorf("state: %w", err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return fmt.Errorf("state: %w", err)
			} else if n == 0 {
				return fmt.Errorf("%w: %s change %d", store.ErrStaleChange, c, rec.ChangeID)
			}
			// A reused change id violates the primary key and aborts the batch.
			if err := exec(fmt.Sprintf(`INSERT INTO %s (account_id, collection, change_id, entries) VALUES (?, ?, ?, ?)`, t.changes),
				acct, int(c), int64(rec.ChangeID), string(entries)); err != nil {
				return fmt.Errorf("change log: %w", err)
			}
		}
	}
	return nil
}

func (s *Store) replaceBits(ctx context.Context, tx *sqlx.Tx, acct int64, op store.Operation) error {
	t := s.tables
	c, doc, prop := int(op.Collection), int64(op.Document), string(op.Property)
	del := tx.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE account_id = ? AND collection = ? AND document_id = ? AND property = ?`, t.bitmaps))
	if _, err := tx.ExecContext(ctx, del, acct, c, doc, prop); err != nil {
		return err
	}
	ins := tx.Rebind(fmt.Sprintf(`INSERT INTO %s (account_id, collection, property, bit_key, document_id) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`, t.bitmaps))
	for _, key := range op.Keys {
		if _, err := tx.ExecContext(ctx, ins, acct, c, prop, key, doc); err != nil {
			return err
		}
	}
	return nil
}

func opName(k store.OpKind) string {
	switch k {
	case store.OpCreate:
		return "create"
	case store.OpDelete:
		return "delete"
	case store.OpValue:
		return "value"
	case store.OpQuota:
		return "quota"
	}
	return "op"
}

// isConflict reports whether err is a uniqueness violation on either driver.
func isConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
