// Package storetest provides a conformance suite run against every
// store.Store implementation.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/mailsync/store"
)

// Factory returns a connected store that is empty for the given test.
type Factory func(t *testing.T) store.Store

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("AssignDocumentID", func(t *testing.T) { testAssignDocumentID(t, newStore(t)) })
	t.Run("WriteAndRead", func(t *testing.T) { testWriteAndRead(t, newStore(t)) })
	t.Run("BitmapReplace", func(t *testing.T) { testBitmapReplace(t, newStore(t)) })
	t.Run("DeleteDocument", func(t *testing.T) { testDeleteDocument(t, newStore(t)) })
	t.Run("StateMonotonic", func(t *testing.T) { testStateMonotonic(t, newStore(t)) })
	t.Run("ChangesSince", func(t *testing.T) { testChangesSince(t, newStore(t)) })
	t.Run("ConcurrentChangeIDs", func(t *testing.T) { testConcurrentChangeIDs(t, newStore(t)) })
	t.Run("AccountsIsolated", func(t *testing.T) { testAccountsIsolated(t, newStore(t)) })
}

func mustBuild(t *testing.T, b *store.BatchBuilder) *store.Batch {
	t.Helper()
	batch, err := b.Build()
	if err != nil {
		t.Fatalf("build batch: %v", err)
	}
	return batch
}

func mustWrite(t *testing.T, s store.Store, b *store.BatchBuilder) {
	t.Helper()
	if err := s.Write(context.Background(), mustBuild(t, b)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func testAssignDocumentID(t *testing.T, s store.Store) {
	ctx := context.Background()
	seen := make(map[store.DocumentID]bool)
	for i := 0; i < 5; i++ {
		id, err := s.AssignDocumentID(ctx, 1, store.CollectionEmail)
		if err != nil {
			t.Fatalf("AssignDocumentID: %v", err)
		}
		if seen[id] {
			t.Fatalf("document id %d reused", id)
		}
		seen[id] = true
	}
	// Collections allocate independently.
	if _, err := s.AssignDocumentID(ctx, 1, store.CollectionThread); err != nil {
		t.Fatalf("AssignDocumentID thread: %v", err)
	}
}

func testWriteAndRead(t *testing.T, s store.Store) {
	ctx := context.Background()
	doc, _ := s.AssignDocumentID(ctx, 1, store.CollectionEmail)
	mustWrite(t, s, store.NewBatch(1).
		WithCollection(store.CollectionEmail).
		CreateDocument(doc).
		Value(store.PropMailboxIDs, []store.DocumentID{4, 5}, store.FlagValue|store.FlagBitmap).
		Value(store.PropSubject, "hello", store.FlagValue).
		TermIndex([]byte("tokens")).
		AddQuota(250))

	ids, err := s.DocumentIDs(ctx, 1, store.CollectionEmail)
	if err != nil {
		t.Fatalf("DocumentIDs: %v", err)
	}
	if !ids.Contains(doc) || ids.Len() != 1 {
		t.Errorf("DocumentIDs = %v, want [%d]", ids.IDs(), doc)
	}

	raw, err := s.GetProperty(ctx, 1, store.CollectionEmail, doc, store.PropSubject)
	if err != nil {
		t.Fatalf("GetProperty: %v", err)
	}
	var subject string
	if err := json.Unmarshal(raw, &subject); err != nil || subject != "hello" {
		t.Errorf("subject = %q (%v)", subject, err)
	}

	if _, err := s.GetProperty(ctx, 1, store.CollectionEmail, doc, store.PropKeywords); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing property error = %v, want ErrNotFound", err)
	}

	terms, err := s.GetTermIndex(ctx, 1, store.CollectionEmail, doc)
	if err != nil || string(terms) != "tokens" {
		t.Errorf("GetTermIndex = %q, %v", terms, err)
	}

	set, err := s.Filter(ctx, 1, store.CollectionEmail, store.PropMailboxIDs, "5")
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if !set.Contains(doc) {
		t.Errorf("bitmap mailboxIds=5 missing document %d", doc)
	}
	// Value-only properties are not bitmap indexed.
	set, _ = s.Filter(ctx, 1, store.CollectionEmail, store.PropSubject, "hello")
	if !set.IsEmpty() {
		t.Errorf("value-only property appeared in bitmap: %v", set.IDs())
	}

	used, err := s.UsedQuota(ctx, 1)
	if err != nil || used != 250 {
		t.Errorf("UsedQuota = %d, %v; want 250", used, err)
	}
}

func testBitmapReplace(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustWrite(t, s, store.NewBatch(1).
		WithCollection(store.CollectionEmail).
		CreateDocument(1).
		Value(store.PropKeywords, []string{"$seen", "$flagged"}, store.FlagValue|store.FlagBitmap))
	mustWrite(t, s, store.NewBatch(1).
		WithCollection(store.CollectionEmail).
		UpdateDocument(1).
		Value(store.PropKeywords, []string{"$seen"}, store.FlagValue|store.FlagBitmap))

	flagged, _ := s.Filter(ctx, 1, store.CollectionEmail, store.PropKeywords, "$flagged")
	if !flagged.IsEmpty() {
		t.Errorf("stale bitmap key kept: %v", flagged.IDs())
	}
	seen, _ := s.Filter(ctx, 1, store.CollectionEmail, store.PropKeywords, "$seen")
	if !seen.Contains(1) {
		t.Error("current bitmap key missing")
	}
}

func testDeleteDocument(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustWrite(t, s, store.NewBatch(1).
		WithCollection(store.CollectionEmail).
		CreateDocument(3).
		Value(store.PropThreadID, store.DocumentID(9), store.FlagValue|store.FlagBitmap).
		TermIndex([]byte("x")))
	mustWrite(t, s, store.NewBatch(1).
		WithCollection(store.CollectionEmail).
		DeleteDocument(3))

	ids, _ := s.DocumentIDs(ctx, 1, store.CollectionEmail)
	if ids.Contains(3) {
		t.Error("deleted document still listed")
	}
	if _, err := s.GetProperty(ctx, 1, store.CollectionEmail, 3, store.PropThreadID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted value error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetTermIndex(ctx, 1, store.CollectionEmail, 3); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted term index error = %v, want ErrNotFound", err)
	}
	set, _ := s.Filter(ctx, 1, store.CollectionEmail, store.PropThreadID, "9")
	if set.Contains(3) {
		t.Error("deleted document still in bitmap")
	}
}

func testStateMonotonic(t *testing.T, s store.Store) {
	ctx := context.Background()
	st, err := s.GetState(ctx, 1, store.CollectionEmail)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if !st.IsInitial() {
		t.Fatalf("fresh state = %s, want initial", st)
	}

	first, _ := s.AssignChangeID(ctx, 1)
	second, _ := s.AssignChangeID(ctx, 1)
	if first == second {
		t.Fatalf("change id %d allocated twice", first)
	}

	// Allocated but uncommitted ids are invisible.
	if st, _ := s.GetState(ctx, 1, store.CollectionEmail); !st.IsInitial() {
		t.Fatalf("state after allocation = %s, want initial", st)
	}

	// Commit the later id first; the earlier one is now stale.
	mustWrite(t, s, store.NewBatch(1).Changes(store.NewChangeLog(1, second).LogInsert(store.CollectionEmail, 2)))
	after, _ := s.GetState(ctx, 1, store.CollectionEmail)
	if after.Compare(store.ExactState(second)) != 0 {
		t.Errorf("state after first commit = %s, want %s", after, store.ExactState(second))
	}

	stale := mustBuild(t, store.NewBatch(1).
		WithCollection(store.CollectionEmail).
		CreateDocument(1).
		Changes(store.NewChangeLog(1, first).LogInsert(store.CollectionEmail, 1)))
	if err := s.Write(ctx, stale); !store.IsStaleChange(err) {
		t.Fatalf("write with stale change id: got %v, want ErrStaleChange", err)
	}
	if st, _ := s.GetState(ctx, 1, store.CollectionEmail); st.Compare(after) != 0 {
		t.Errorf("state after rejected write = %s, want %s", st, after)
	}
	if ids, _ := s.DocumentIDs(ctx, 1, store.CollectionEmail); !ids.IsEmpty() {
		t.Errorf("rejected write left documents %v", ids.IDs())
	}

	// A fresh id commits and is visible from the earlier state.
	third, _ := s.AssignChangeID(ctx, 1)
	mustWrite(t, s, store.NewBatch(1).Changes(store.NewChangeLog(1, third).LogInsert(store.CollectionEmail, 1)))
	final, _ := s.GetState(ctx, 1, store.CollectionEmail)
	if final.Compare(after) <= 0 {
		t.Errorf("state did not advance: %s -> %s", after, final)
	}
	recs, err := s.ChangesSince(ctx, 1, store.CollectionEmail, after, 0)
	if err != nil {
		t.Fatalf("ChangesSince: %v", err)
	}
	want := []store.ChangeRecord{
		{ChangeID: third, Entries: []store.Change{{Collection: store.CollectionEmail, Kind: store.ChangeInsert, ID: 1}}},
	}
	if diff := cmp.Diff(want, recs); diff != "" {
		t.Errorf("ChangesSince(%s) mismatch (-want +got):\n%s", after, diff)
	}

	// Untouched collections stay initial.
	if st, _ := s.GetState(ctx, 1, store.CollectionMailbox); !st.IsInitial() {
		t.Errorf("mailbox state = %s, want initial", st)
	}
}

func testChangesSince(t *testing.T, s store.Store) {
	ctx := context.Background()
	var ids []store.ChangeID
	for i := 0; i < 3; i++ {
		id, _ := s.AssignChangeID(ctx, 1)
		ids = append(ids, id)
		mustWrite(t, s, store.NewBatch(1).Changes(store.NewChangeLog(1, id).
			LogInsert(store.CollectionEmail, uint64(i)).
			LogChildUpdate(store.CollectionMailbox, 7)))
	}

	recs, err := s.ChangesSince(ctx, 1, store.CollectionEmail, store.ExactState(ids[0]), 0)
	if err != nil {
		t.Fatalf("ChangesSince: %v", err)
	}
	want := []store.ChangeRecord{
		{ChangeID: ids[1], Entries: []store.Change{{Collection: store.CollectionEmail, Kind: store.ChangeInsert, ID: 1}}},
		{ChangeID: ids[2], Entries: []store.Change{{Collection: store.CollectionEmail, Kind: store.ChangeInsert, ID: 2}}},
	}
	if diff := cmp.Diff(want, recs); diff != "" {
		t.Errorf("ChangesSince mismatch (-want +got):\n%s", diff)
	}

	all, _ := s.ChangesSince(ctx, 1, store.CollectionEmail, store.InitialState(), 0)
	if len(all) != 3 || all[0].ChangeID != ids[0] {
		t.Errorf("changes since initial = %+v, want all 3 records", all)
	}

	limited, _ := s.ChangesSince(ctx, 1, store.CollectionMailbox, store.ExactState(ids[0]), 1)
	if len(limited) != 1 || limited[0].ChangeID != ids[1] {
		t.Errorf("limited = %+v", limited)
	}
}

func testConcurrentChangeIDs(t *testing.T, s store.Store) {
	ctx := context.Background()
	const n = 20
	var (
		mu   sync.Mutex
		seen = make(map[store.ChangeID]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.AssignChangeID(ctx, 5)
			if err != nil {
				t.Errorf("AssignChangeID: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[id] {
				t.Errorf("change id %d allocated twice", id)
			}
			seen[id] = true
		}()
	}
	wg.Wait()
}

func testAccountsIsolated(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, _ := s.AssignChangeID(ctx, 1)
	mustWrite(t, s, store.NewBatch(1).
		WithCollection(store.CollectionEmail).
		CreateDocument(1).
		Changes(store.NewChangeLog(1, id).LogInsert(store.CollectionEmail, 1)))

	if st, _ := s.GetState(ctx, 2, store.CollectionEmail); !st.IsInitial() {
		t.Errorf("other account state = %s, want initial", st)
	}
	ids, _ := s.DocumentIDs(ctx, 2, store.CollectionEmail)
	if !ids.IsEmpty() {
		t.Errorf("other account documents = %v", ids.IDs())
	}
}
