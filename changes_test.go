package mailsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/mailsync/store"
	"github.com/rbaliyan/mailsync/store/memory"
)

// writeMailboxChange commits one mailbox change through the service.
func writeMailboxChange(t *testing.T, svc *service, mem *memory.Store, kind store.ChangeKind, doc store.DocumentID) store.ChangeID {
	t.Helper()
	ctx := context.Background()
	log, err := svc.BeginChanges(ctx, aliceAccount)
	if err != nil {
		t.Fatal(err)
	}
	b := store.NewBatch(aliceAccount).WithCollection(store.CollectionMailbox)
	switch kind {
	case store.ChangeInsert:
		b.CreateDocument(doc).Value(store.PropName, "box", store.FlagValue)
		log.LogInsert(store.CollectionMailbox, uint64(doc))
	case store.ChangeUpdate:
		b.UpdateDocument(doc).Value(store.PropName, "renamed", store.FlagValue)
		log.LogUpdate(store.CollectionMailbox, uint64(doc))
	case store.ChangeDelete:
		b.DeleteDocument(doc)
		log.LogDelete(store.CollectionMailbox, uint64(doc))
	}
	batch, err := b.Changes(log).Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.Write(ctx, batch); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return log.ChangeID
}

func TestChanges(t *testing.T) {
	ctx := context.Background()

	t.Run("folds kinds across records", func(t *testing.T) {
		svc, mem := newTestService(t)
		writeMailboxChange(t, svc, mem, store.ChangeInsert, 10)
		since, _ := svc.GetState(ctx, aliceAccount, store.CollectionMailbox)

		writeMailboxChange(t, svc, mem, store.ChangeInsert, 11) // created
		writeMailboxChange(t, svc, mem, store.ChangeUpdate, 10) // updated
		writeMailboxChange(t, svc, mem, store.ChangeInsert, 12) // created then destroyed
		writeMailboxChange(t, svc, mem, store.ChangeDelete, 12)
		last := writeMailboxChange(t, svc, mem, store.ChangeUpdate, 11)

		resp, err := svc.Changes(ctx, &ChangesRequest{AccountID: aliceAccount, Collection: store.CollectionMailbox, SinceState: since})
		if err != nil {
			t.Fatalf("Changes: %v", err)
		}
		want := &ChangesResponse{
			AccountID: aliceAccount,
			OldState:  since,
			NewState:  store.ExactState(last),
			Created:   []store.ID{store.IDFromDocument(11)},
			Updated:   []store.ID{store.IDFromDocument(10)},
			Destroyed: []store.ID{},
		}
		if diff := cmp.Diff(want, resp); diff != "" {
			t.Errorf("response mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("paginates whole records", func(t *testing.T) {
		svc, mem := newTestService(t)
		var ids []store.ChangeID
		for doc := range store.DocumentID(5) {
			ids = append(ids, writeMailboxChange(t, svc, mem, store.ChangeInsert, doc))
		}

		state := store.InitialState()
		var seen []store.ID
		for page := 0; ; page++ {
			if page > 5 {
				t.Fatal("pagination did not terminate")
			}
			resp, err := svc.Changes(ctx, &ChangesRequest{
				AccountID:  aliceAccount,
				Collection: store.CollectionMailbox,
				SinceState: state,
				MaxChanges: 2,
			})
			if err != nil {
				t.Fatalf("Changes: %v", err)
			}
			if len(resp.Created) > 2 {
				t.Errorf("page %d returned %d ids", page, len(resp.Created))
			}
			seen = append(seen, resp.Created...)
			state = resp.NewState
			if !resp.HasMoreChanges {
				break
			}
		}
		if len(seen) != 5 {
			t.Errorf("expected 5 created ids across pages, got %v", seen)
		}
		if !state.Equal(store.ExactState(ids[len(ids)-1])) {
			t.Errorf("expected final state %d, got %s", ids[len(ids)-1], state)
		}
	})

	t.Run("up to date", func(t *testing.T) {
		svc, mem := newTestService(t)
		writeMailboxChange(t, svc, mem, store.ChangeInsert, 0)
		current, _ := svc.GetState(ctx, aliceAccount, store.CollectionMailbox)
		resp, err := svc.Changes(ctx, &ChangesRequest{AccountID: aliceAccount, Collection: store.CollectionMailbox, SinceState: current})
		if err != nil {
			t.Fatal(err)
		}
		if resp.HasMoreChanges || !resp.NewState.Equal(current) || len(resp.Created)+len(resp.Updated)+len(resp.Destroyed) != 0 {
			t.Errorf("expected empty response at current state, got %+v", resp)
		}
	})

	t.Run("unknown collection", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Changes(ctx, &ChangesRequest{AccountID: aliceAccount, Collection: store.Collection(200)})
		var me *MethodError
		if !errors.As(err, &me) || me.Type != MethodInvalidArguments {
			t.Errorf("expected invalidArguments, got %v", err)
		}
	})

	t.Run("cannot calculate", func(t *testing.T) {
		mem := &truncatedLog{Store: memory.New()}
		svc, err := NewService(WithStore(mem))
		if err != nil {
			t.Fatal(err)
		}
		if err := svc.Connect(ctx); err != nil {
			t.Fatal(err)
		}
		defer svc.Close(ctx)

		_, err = svc.Changes(ctx, &ChangesRequest{AccountID: aliceAccount, Collection: store.CollectionEmail, SinceState: store.ExactState(1)})
		var me *MethodError
		if !errors.As(err, &me) || me.Type != MethodCannotCalculate {
			t.Errorf("expected cannotCalculateChanges, got %v", err)
		}
	})
}

// truncatedLog reports every change window as expired.
type truncatedLog struct {
	*memory.Store
}

func (s *truncatedLog) ChangesSince(ctx context.Context, account store.AccountID, c store.Collection, since store.State, limit int) ([]store.ChangeRecord, error) {
	return nil, store.ErrCannotCalculateChanges
}

func TestStateMonotonic(t *testing.T) {
	svc, _ := newTestService(t)
	alice := tokenFor(t, "alice")
	ctx := context.Background()

	prev, err := svc.GetState(ctx, aliceAccount, store.CollectionEmail)
	if err != nil {
		t.Fatal(err)
	}
	if !prev.IsInitial() {
		t.Fatalf("expected initial state, got %s", prev)
	}
	for i, id := range []string{"<m1@example.com>", "<m2@example.com>", "<m3@example.com>"} {
		importMessage(t, svc, alice, aliceAccount, rawMessage(id, "Monotonic"))
		cur, err := svc.GetState(ctx, aliceAccount, store.CollectionEmail)
		if err != nil {
			t.Fatal(err)
		}
		if prev.Compare(cur) >= 0 {
			t.Errorf("import %d: state %s did not advance past %s", i, cur, prev)
		}
		prev = cur
	}
}

// interleavedWriter commits a change of another writer between the service
// allocating its change id and writing the batch, once armed.
type interleavedWriter struct {
	*memory.Store
	armed atomic.Bool
	other store.ChangeID
	err   error
}

func (s *interleavedWriter) AssignChangeID(ctx context.Context, account store.AccountID) (store.ChangeID, error) {
	id, err := s.Store.AssignChangeID(ctx, account)
	if err != nil || !s.armed.CompareAndSwap(true, false) {
		return id, err
	}
	s.other, s.err = s.Store.AssignChangeID(ctx, account)
	if s.err == nil {
		var batch *store.Batch
		batch, s.err = store.NewBatch(account).
			Changes(store.NewChangeLog(account, s.other).LogUpdate(store.CollectionEmail, 999)).
			Build()
		if s.err == nil {
			s.err = s.Store.Write(ctx, batch)
		}
	}
	return id, nil
}

func TestCommitOrdering(t *testing.T) {
	ctx := context.Background()

	t.Run("stale change id is retried", func(t *testing.T) {
		st := &interleavedWriter{Store: memory.New()}
		svc, err := NewService(WithStore(st))
		if err != nil {
			t.Fatal(err)
		}
		if err := svc.Connect(ctx); err != nil {
			t.Fatal(err)
		}
		defer svc.Close(ctx)
		alice := tokenFor(t, "alice")
		if _, err := svc.Mailboxes(ctx, aliceAccount); err != nil {
			t.Fatal(err)
		}

		st.armed.Store(true)
		created := importMessage(t, svc.(*service), alice, aliceAccount, rawMessage("<late@example.com>", "Late"))
		if st.err != nil {
			t.Fatalf("other writer: %v", st.err)
		}

		observed := store.ExactState(st.other)
		final, err := svc.GetState(ctx, aliceAccount, store.CollectionEmail)
		if err != nil {
			t.Fatal(err)
		}
		if final.Compare(observed) <= 0 {
			t.Errorf("state %s did not advance past %s", final, observed)
		}
		recs, err := st.ChangesSince(ctx, aliceAccount, store.CollectionEmail, observed, 0)
		if err != nil {
			t.Fatal(err)
		}
		want := []store.Change{{Collection: store.CollectionEmail, Kind: store.ChangeInsert, ID: uint64(created.ID)}}
		if len(recs) != 1 {
			t.Fatalf("expected the import after %s, got %+v", observed, recs)
		}
		if diff := cmp.Diff(want, recs[0].Entries); diff != "" {
			t.Errorf("entries mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("concurrent imports commit in order", func(t *testing.T) {
		svc, mem := newTestService(t)
		alice := tokenFor(t, "alice")
		if _, err := svc.Mailboxes(ctx, aliceAccount); err != nil {
			t.Fatal(err)
		}
		const n = 16
		blobs := make([]string, n)
		for i := range blobs {
			up, err := svc.UploadBlob(ctx, alice, aliceAccount, "message/rfc822",
				rawMessage(fmt.Sprintf("<c%d@example.com>", i), fmt.Sprintf("Concurrent %d", i)))
			if err != nil {
				t.Fatal(err)
			}
			blobs[i] = up.BlobID
		}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created = make(map[uint64]bool)
		)
		for _, blob := range blobs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				req := &ImportRequest{AccountID: accountID(aliceAccount)}
				req.Emails.Set("k", ImportItem{BlobID: blob, MailboxIDs: map[store.ID]bool{inbox: true}})
				resp, err := svc.ImportEmails(ctx, alice, req)
				if err != nil {
					t.Errorf("ImportEmails: %v", err)
					return
				}
				c, ok := resp.Created.Get("k")
				if !ok {
					t.Errorf("import not created: %v", resp.NotCreated)
					return
				}
				mu.Lock()
				created[uint64(c.ID)] = true
				mu.Unlock()
			}()
		}
		wg.Wait()

		recs, err := mem.ChangesSince(ctx, aliceAccount, store.CollectionEmail, store.InitialState(), 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != n {
			t.Fatalf("expected %d change records, got %d", n, len(recs))
		}
		for i, rec := range recs {
			if i > 0 && rec.ChangeID <= recs[i-1].ChangeID {
				t.Errorf("record %d: change id %d not after %d", i, rec.ChangeID, recs[i-1].ChangeID)
			}
			for _, e := range rec.Entries {
				delete(created, e.ID)
			}
		}
		if len(created) != 0 {
			t.Errorf("emails missing from the change log: %v", created)
		}
		final, _ := svc.GetState(ctx, aliceAccount, store.CollectionEmail)
		if !final.Equal(store.ExactState(recs[n-1].ChangeID)) {
			t.Errorf("final state %s, want %d", final, recs[n-1].ChangeID)
		}
	})
}

func TestStateChangeFor(t *testing.T) {
	log := store.NewChangeLog(aliceAccount, 7)
	log.LogInsert(store.CollectionEmail, 1)
	log.LogChildUpdate(store.CollectionMailbox, 0)

	sc := stateChangeFor(log)
	want := map[store.TypeState]store.State{
		store.TypeEmail:   store.ExactState(7),
		store.TypeMailbox: store.ExactState(7),
	}
	if diff := cmp.Diff(want, sc.Types); diff != "" {
		t.Errorf("types mismatch (-want +got):\n%s", diff)
	}
}
