package pebble

import (
	"context"
	"errors"
	"testing"

	"github.com/rbaliyan/mailsync/store"
	"github.com/rbaliyan/mailsync/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir(), WithFsync(FsyncNever))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTestStore(t) })
}

func TestCancelledWriteLeavesNothing(t *testing.T) {
	s := newTestStore(t)
	id, err := s.AssignChangeID(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	batch, err := store.NewBatch(1).
		WithCollection(store.CollectionEmail).
		CreateDocument(1).
		Value(store.PropKeywords, []string{"$seen"}, store.FlagValue|store.FlagBitmap).
		Changes(store.NewChangeLog(1, id).LogInsert(store.CollectionEmail, 1)).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Write(ctx, batch); !errors.Is(err, store.ErrTransactionFailed) {
		t.Fatalf("Write error = %v, want ErrTransactionFailed", err)
	}

	ids, _ := s.DocumentIDs(context.Background(), 1, store.CollectionEmail)
	if !ids.IsEmpty() {
		t.Errorf("documents visible after failed write: %v", ids.IDs())
	}
	st, _ := s.GetState(context.Background(), 1, store.CollectionEmail)
	if !st.IsInitial() {
		t.Errorf("state = %s after failed write", st)
	}
}

func TestReopenKeepsCounters(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := New(dir)
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	first, _ := s.AssignChangeID(ctx, 1)
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}

	s = New(dir)
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Close(ctx)
	second, _ := s.AssignChangeID(ctx, 1)
	if second <= first {
		t.Errorf("change id after reopen = %d, want > %d", second, first)
	}
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		in, want []byte
	}{
		{[]byte{1, 2}, []byte{1, 3}},
		{[]byte{1, 0xff}, []byte{2}},
		{[]byte{0xff, 0xff}, nil},
	}
	for _, tt := range tests {
		if got := prefixEnd(tt.in); string(got) != string(tt.want) {
			t.Errorf("prefixEnd(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
