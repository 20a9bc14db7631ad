package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rbaliyan/mailsync/store"
	"github.com/rbaliyan/mailsync/store/storetest"
)

func newConnected(t *testing.T) *Store {
	t.Helper()
	s := New()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newConnected(t) })
}

func TestNotConnected(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.AssignChangeID(ctx, 1); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("AssignChangeID error = %v, want ErrNotConnected", err)
	}
	if err := s.PutBlob(ctx, store.MaildirBlob(1, 1), nil); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("PutBlob error = %v, want ErrNotConnected", err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(ctx); !errors.Is(err, store.ErrAlreadyConnected) {
		t.Errorf("second Connect error = %v, want ErrAlreadyConnected", err)
	}
}

func TestWriteFaultIsAtomic(t *testing.T) {
	s := newConnected(t)
	ctx := context.Background()

	id, _ := s.AssignChangeID(ctx, 1)
	batch, err := store.NewBatch(1).
		WithCollection(store.CollectionEmail).
		CreateDocument(1).
		Value(store.PropMailboxIDs, []store.DocumentID{2}, store.FlagValue|store.FlagBitmap).
		TermIndex([]byte("t")).
		Changes(store.NewChangeLog(1, id).LogInsert(store.CollectionEmail, 1)).
		AddQuota(10).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	injected := errors.New("disk full")
	for _, after := range []int{1, 2, len(batch.Ops) + 1} {
		s.SetWriteFault(func(_ *store.Batch, applied int) error {
			if applied == after {
				return injected
			}
			return nil
		})
		err := s.Write(ctx, batch)
		if !errors.Is(err, store.ErrTransactionFailed) || !errors.Is(err, injected) {
			t.Fatalf("fault after %d: error = %v", after, err)
		}

		ids, _ := s.DocumentIDs(ctx, 1, store.CollectionEmail)
		if !ids.IsEmpty() {
			t.Errorf("fault after %d: documents visible %v", after, ids.IDs())
		}
		if st, _ := s.GetState(ctx, 1, store.CollectionEmail); !st.IsInitial() {
			t.Errorf("fault after %d: state = %s", after, st)
		}
		if used, _ := s.UsedQuota(ctx, 1); used != 0 {
			t.Errorf("fault after %d: used = %d", after, used)
		}
		set, _ := s.Filter(ctx, 1, store.CollectionEmail, store.PropMailboxIDs, "2")
		if !set.IsEmpty() {
			t.Errorf("fault after %d: bitmap visible", after)
		}
	}
	if s.Writes() != 0 {
		t.Errorf("Writes = %d, want 0", s.Writes())
	}

	s.SetWriteFault(nil)
	if err := s.Write(ctx, batch); err != nil {
		t.Fatalf("Write without fault: %v", err)
	}
	if s.Writes() != 1 {
		t.Errorf("Writes = %d, want 1", s.Writes())
	}
}

func TestBlobLinking(t *testing.T) {
	s := newConnected(t)
	ctx := context.Background()

	src := store.MaildirBlob(1, 10)
	dst := store.LinkedBlob(2, 20)
	if err := s.PutBlob(ctx, src, []byte("message body")); err != nil {
		t.Fatal(err)
	}
	before := s.StoredBytes()

	if err := s.CopyBlob(ctx, src, dst); err != nil {
		t.Fatalf("CopyBlob: %v", err)
	}
	if s.StoredBytes() != before {
		t.Errorf("StoredBytes = %d after link, want %d", s.StoredBytes(), before)
	}
	got, err := s.GetBlob(ctx, dst)
	if err != nil || string(got) != "message body" {
		t.Fatalf("GetBlob(dst) = %q, %v", got, err)
	}

	if ok, _ := s.DeleteBlob(ctx, src); !ok {
		t.Error("DeleteBlob(src) = false")
	}
	if _, err := s.GetBlob(ctx, dst); err != nil {
		t.Errorf("linked copy lost after source delete: %v", err)
	}
	if ok, _ := s.DeleteBlob(ctx, src); ok {
		t.Error("second DeleteBlob(src) = true")
	}
	if err := s.CopyBlob(ctx, src, dst); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("CopyBlob from missing = %v, want ErrNotFound", err)
	}
}

func TestTmpBlobs(t *testing.T) {
	s := newConnected(t)
	ctx := context.Background()
	now := time.Now()

	fresh := store.TemporaryBlob(1, now, 1)
	stale := store.TemporaryBlob(1, now.Add(-2*time.Hour), 2)
	other := store.TemporaryBlob(2, now, 1)
	for kind, data := range map[store.BlobKind]string{fresh: "abc", stale: "defgh", other: "z"} {
		if err := s.PutBlob(ctx, kind, []byte(data)); err != nil {
			t.Fatal(err)
		}
	}
	_ = s.PutBlob(ctx, store.MaildirBlob(1, 1), []byte("permanent"))

	usage, err := s.TmpBlobUsage(ctx, 1, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if usage != (store.TmpUsage{Count: 1, Bytes: 3}) {
		t.Errorf("usage = %+v, want 1 blob / 3 bytes", usage)
	}

	n, err := s.PurgeTmpBlobs(ctx, now.Add(-time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PurgeTmpBlobs = %d, %v; want 1", n, err)
	}
	if _, err := s.GetBlob(ctx, stale); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stale blob survived purge: %v", err)
	}
	if s.BlobCount() != 3 {
		t.Errorf("BlobCount = %d, want 3", s.BlobCount())
	}
}
