// Package store provides the storage contract for mailsync: per-account
// document collections with value and bitmap indexes, a change log with
// monotonic states, and atomic batch writes.
// Implementations are in store/memory, store/pebble, store/sqldb and store/mongo.
//
// # Architectural Principle: Native Atomicity
//
// A Batch is applied with the database's own atomic primitive:
//
//  1. Pebble: one pebble.Batch committed with Commit.
//  2. SQL: one transaction; any error rolls it back.
//  3. MongoDB: one session transaction. Deployments without transactions
//     are refused rather than written partially.
//
// No backend attempts a manual two-phase rollback. A failed Write leaves
// nothing visible; blob bytes written before the batch are orphaned and
// reclaimed by the temporary-blob TTL.
//
// # States
//
// Writing a batch that carries a ChangeLog also advances the state of every
// collection in the log to max(current, changeId), inside the same atomic
// unit. Change ids are allocated by AssignChangeID before the batch is built,
// so two commits on one account never share an id. A batch whose id is not
// newer than a state already committed for one of its collections is
// rejected with ErrStaleChange: accepting it would place a record behind a
// state clients may already hold. Callers serialize allocation and commit
// per account and retry with a fresh id on ErrStaleChange.
//
// Example - copying a message:
//
//	id, _ := st.AssignChangeID(ctx, account)
//	log := store.NewChangeLog(account, id).
//	    LogInsert(store.CollectionEmail, uint64(emailID)).
//	    LogChildUpdate(store.CollectionMailbox, uint64(inbox))
//	batch, err := store.NewBatch(account).
//	    WithCollection(store.CollectionEmail).
//	    CreateDocument(doc).
//	    Value(store.PropMailboxIDs, []store.DocumentID{inbox}, store.FlagValue|store.FlagBitmap).
//	    Changes(log).
//	    Build()
//	if err == nil {
//	    err = st.Write(ctx, batch)
//	}
package store

import "context"

// Store is the storage interface for mailsync.
//
// All operations must be safe for concurrent use across accounts.
type Store interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	DocumentStore
	ChangeStore
	Writer
}

// DocumentStore reads documents and their indexes.
type DocumentStore interface {
	// AssignDocumentID allocates the next document id of a collection.
	// Ids are never reused.
	AssignDocumentID(ctx context.Context, account AccountID, c Collection) (DocumentID, error)

	// DocumentIDs returns the ids of all live documents of a collection.
	DocumentIDs(ctx context.Context, account AccountID, c Collection) (*DocumentSet, error)

	// GetProperty returns the JSON value stored with FlagValue.
	// Returns ErrNotFound if the document or property is absent.
	GetProperty(ctx context.Context, account AccountID, c Collection, doc DocumentID, prop Property) ([]byte, error)

	// GetTermIndex returns the full-text payload of a document.
	// Returns ErrNotFound if absent.
	GetTermIndex(ctx context.Context, account AccountID, c Collection, doc DocumentID) ([]byte, error)

	// Filter returns the documents whose bitmap index for prop contains key.
	Filter(ctx context.Context, account AccountID, c Collection, prop Property, key string) (*DocumentSet, error)

	// UsedQuota returns the account's used bytes.
	UsedQuota(ctx context.Context, account AccountID) (int64, error)
}

// ChangeStore allocates change ids and reads committed states.
type ChangeStore interface {
	// AssignChangeID allocates the next change id of the account.
	// No two calls for one account return the same id.
	AssignChangeID(ctx context.Context, account AccountID) (ChangeID, error)

	// GetState returns the latest committed state of a collection.
	// States only move forward; see ErrStaleChange.
	// Ids allocated by AssignChangeID are not visible until their batch commits.
	GetState(ctx context.Context, account AccountID, c Collection) (State, error)

	// ChangesSince returns committed change records newer than since, ordered
	// by id, at most limit records (0 means no limit). The initial state
	// returns the whole log.
	ChangesSince(ctx context.Context, account AccountID, c Collection, since State, limit int) ([]ChangeRecord, error)
}

// Writer applies batches atomically.
type Writer interface {
	// Write applies every operation of the batch or none of them.
	Write(ctx context.Context, batch *Batch) error
}
