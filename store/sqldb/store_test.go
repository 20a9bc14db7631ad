package sqldb

import (
	"context"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rbaliyan/mailsync/store"
	"github.com/rbaliyan/mailsync/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := New(db)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTestStore(t) })
}

func TestStaleChangeIDRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AssignChangeID(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	first, err := store.NewBatch(1).
		WithCollection(store.CollectionEmail).
		CreateDocument(1).
		Changes(store.NewChangeLog(1, id).LogInsert(store.CollectionEmail, 1)).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write(ctx, first); err != nil {
		t.Fatalf("first write: %v", err)
	}

	second, err := store.NewBatch(1).
		WithCollection(store.CollectionEmail).
		CreateDocument(2).
		Value(store.PropMailboxIDs, []store.DocumentID{3}, store.FlagValue|store.FlagBitmap).
		AddQuota(100).
		Changes(store.NewChangeLog(1, id).LogInsert(store.CollectionEmail, 2)).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write(ctx, second); !errors.Is(err, store.ErrTransactionFailed) || !store.IsStaleChange(err) {
		t.Fatalf("second write error = %v, want a stale change inside ErrTransactionFailed", err)
	}

	ids, _ := s.DocumentIDs(ctx, 1, store.CollectionEmail)
	if ids.Contains(2) {
		t.Error("document from rolled back batch is visible")
	}
	if used, _ := s.UsedQuota(ctx, 1); used != 0 {
		t.Errorf("used quota = %d after rollback", used)
	}
	set, _ := s.Filter(ctx, 1, store.CollectionEmail, store.PropMailboxIDs, "3")
	if !set.IsEmpty() {
		t.Error("bitmap from rolled back batch is visible")
	}
}

func TestConnectTwice(t *testing.T) {
	s := newTestStore(t)
	if err := s.Connect(context.Background()); !errors.Is(err, store.ErrAlreadyConnected) {
		t.Errorf("Connect = %v, want ErrAlreadyConnected", err)
	}
}
