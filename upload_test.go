package mailsync

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/mailsync/store"
	"github.com/rbaliyan/mailsync/store/memory"
)

// blockingBlobs parks PutBlob until released or cancelled.
type blockingBlobs struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingBlobs) PutBlob(ctx context.Context, kind store.BlobKind, data []byte) error {
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.Store.PutBlob(ctx, kind, data)
}

// plainBlobs hides the purge capability of the wrapped store.
type plainBlobs struct {
	store.BlobStore
}

func requestErr(t *testing.T, err error) *RequestError {
	t.Helper()
	var re *RequestError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RequestError, got %T: %v", err, err)
	}
	return re
}

func TestUploadBlob(t *testing.T) {
	ctx := context.Background()

	t.Run("stores a temporary blob", func(t *testing.T) {
		svc, mem := newTestService(t)
		alice := tokenFor(t, "alice")

		resp, err := svc.UploadBlob(ctx, alice, aliceAccount, "Message/RFC822; charset=utf-8", []byte("hello"))
		if err != nil {
			t.Fatalf("UploadBlob: %v", err)
		}
		if resp.Size != 5 || resp.AccountID != accountID(aliceAccount) {
			t.Errorf("unexpected response %+v", resp)
		}
		kind, err := store.ParseBlobKind(resp.BlobID)
		if err != nil {
			t.Fatalf("ParseBlobKind(%q): %v", resp.BlobID, err)
		}
		if !kind.IsTemporary() || kind.AccountID != aliceAccount {
			t.Errorf("expected temporary blob of account %d, got %+v", aliceAccount, kind)
		}
		data, err := mem.GetBlob(ctx, kind)
		if err != nil || !bytes.Equal(data, []byte("hello")) {
			t.Errorf("GetBlob = %q, %v", data, err)
		}
	})

	t.Run("quota boundary", func(t *testing.T) {
		svc, _ := newTestService(t, WithUploadQuota(0, 100))
		alice := tokenFor(t, "alice")

		if _, err := svc.UploadBlob(ctx, alice, aliceAccount, "text/plain", make([]byte, 80)); err != nil {
			t.Fatalf("first upload: %v", err)
		}
		_, err := svc.UploadBlob(ctx, alice, aliceAccount, "text/plain", make([]byte, 25))
		if re := requestErr(t, err); re.Type != RequestOverBlobQuota {
			t.Errorf("expected overBlobQuota, got %s", re.Type)
		}
		if _, err := svc.UploadBlob(ctx, alice, aliceAccount, "text/plain", make([]byte, 20)); err != nil {
			t.Errorf("upload to exactly the quota should pass: %v", err)
		}
	})

	t.Run("count quota", func(t *testing.T) {
		svc, _ := newTestService(t, WithUploadQuota(2, 0))
		alice := tokenFor(t, "alice")
		for i := range 2 {
			if _, err := svc.UploadBlob(ctx, alice, aliceAccount, "text/plain", []byte{byte(i)}); err != nil {
				t.Fatalf("upload %d: %v", i, err)
			}
		}
		_, err := svc.UploadBlob(ctx, alice, aliceAccount, "text/plain", []byte{9})
		if re := requestErr(t, err); re.Type != RequestOverBlobQuota {
			t.Errorf("expected overBlobQuota, got %s", re.Type)
		}
	})

	t.Run("super user bypasses quota", func(t *testing.T) {
		svc, _ := newTestService(t, WithUploadQuota(1, 10))
		root := tokenFor(t, "root")
		for range 3 {
			if _, err := svc.UploadBlob(ctx, root, aliceAccount, "text/plain", make([]byte, 50)); err != nil {
				t.Fatalf("super user upload: %v", err)
			}
		}
	})

	t.Run("oversized upload releases its slot", func(t *testing.T) {
		svc, _ := newTestService(t, WithMaxUploadSize(10))
		alice := tokenFor(t, "alice")

		_, err := svc.UploadBlob(ctx, alice, aliceAccount, "text/plain", make([]byte, 11))
		re := requestErr(t, err)
		if re.Type != RequestLimit || re.Limit != LimitSizeUpload {
			t.Errorf("expected limit %s, got %s/%s", LimitSizeUpload, re.Type, re.Limit)
		}
		if n := svc.uploads.InFlight("alice"); n != 0 {
			t.Errorf("expected no uploads in flight, got %d", n)
		}
	})

	t.Run("blocked media type", func(t *testing.T) {
		svc, _ := newTestService(t, WithUploadTypes(nil, DefaultBlockedMIMETypes()))
		alice := tokenFor(t, "alice")
		_, err := svc.UploadBlob(ctx, alice, aliceAccount, "application/x-msdownload", []byte("MZ"))
		if re := requestErr(t, err); re.Status != 415 {
			t.Errorf("expected status 415, got %d", re.Status)
		}
	})

	t.Run("foreign account", func(t *testing.T) {
		svc, _ := newTestService(t)
		bob := tokenFor(t, "bob")
		_, err := svc.UploadBlob(ctx, bob, aliceAccount, "text/plain", []byte("x"))
		if re := requestErr(t, err); re.Status != 403 {
			t.Errorf("expected status 403, got %d", re.Status)
		}
	})
}

func TestUploadConcurrencyLimit(t *testing.T) {
	mem := memory.New()
	blobs := &blockingBlobs{Store: mem, entered: make(chan struct{}), release: make(chan struct{})}
	svc, err := NewService(WithStore(mem), WithBlobStore(blobs), WithMaxConcurrentUploads(1))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := svc.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = svc.Close(ctx) })
	alice := tokenFor(t, "alice")
	inner := svc.(*service)

	t.Run("second upload is rejected while the first runs", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.UploadBlob(ctx, alice, aliceAccount, "text/plain", []byte("one")); err != nil {
				t.Errorf("first upload: %v", err)
			}
		}()
		<-blobs.entered

		_, err := svc.UploadBlob(ctx, alice, aliceAccount, "text/plain", []byte("two"))
		re := requestErr(t, err)
		if re.Limit != LimitConcurrentUpload {
			t.Errorf("expected limit %s, got %q", LimitConcurrentUpload, re.Limit)
		}
		if !IsRetryableError(err) {
			t.Error("concurrency rejection should be retryable")
		}

		close(blobs.release)
		wg.Wait()
		if n := inner.uploads.InFlight("alice"); n != 0 {
			t.Errorf("expected no uploads in flight, got %d", n)
		}
	})

	t.Run("cancelled upload releases its slot", func(t *testing.T) {
		blobs.release = make(chan struct{})
		cctx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			_, err := svc.UploadBlob(cctx, alice, aliceAccount, "text/plain", []byte("three"))
			done <- err
		}()
		<-blobs.entered
		cancel()

		select {
		case err := <-done:
			if re := requestErr(t, err); re.Type != RequestServerFail {
				t.Errorf("expected serverFail, got %s", re.Type)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("upload did not return after cancel")
		}
		if n := inner.uploads.InFlight("alice"); n != 0 {
			t.Errorf("expected no uploads in flight, got %d", n)
		}
	})
}

func TestPurgeTmpBlobs(t *testing.T) {
	ctx := context.Background()

	t.Run("purges expired uploads only", func(t *testing.T) {
		svc, mem := newTestService(t)
		alice := tokenFor(t, "alice")

		old := store.TemporaryBlob(aliceAccount, time.Now().Add(-2*time.Hour), 1)
		if err := mem.PutBlob(ctx, old, []byte("stale")); err != nil {
			t.Fatal(err)
		}
		fresh, err := svc.UploadBlob(ctx, alice, aliceAccount, "text/plain", []byte("fresh"))
		if err != nil {
			t.Fatal(err)
		}

		result, err := svc.PurgeTmpBlobs(ctx)
		if err != nil {
			t.Fatalf("PurgeTmpBlobs: %v", err)
		}
		if result.PurgedCount != 1 {
			t.Errorf("expected 1 purged, got %d", result.PurgedCount)
		}
		if _, err := mem.GetBlob(ctx, old); !store.IsNotFound(err) {
			t.Errorf("expected stale blob gone, got %v", err)
		}
		kind, _ := store.ParseBlobKind(fresh.BlobID)
		if _, err := mem.GetBlob(ctx, kind); err != nil {
			t.Errorf("fresh upload should survive: %v", err)
		}
	})

	t.Run("linked bodies survive purge", func(t *testing.T) {
		svc, mem := newTestService(t, WithUploadTmpTTL(time.Nanosecond))
		alice := tokenFor(t, "alice")
		created := importMessage(t, svc, alice, aliceAccount, rawMessage("<p@example.com>", "Purge"))

		// The upload's timestamp has second resolution.
		time.Sleep(1100 * time.Millisecond)
		if _, err := svc.PurgeTmpBlobs(ctx); err != nil {
			t.Fatal(err)
		}
		kind, err := store.ParseBlobKind(created.BlobID)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := mem.GetBlob(ctx, kind); err != nil {
			t.Errorf("imported body should survive purge: %v", err)
		}
	})

	t.Run("unsupported blob store", func(t *testing.T) {
		mem := memory.New()
		svc, err := NewService(WithStore(mem), WithBlobStore(plainBlobs{mem}))
		if err != nil {
			t.Fatal(err)
		}
		if err := svc.Connect(ctx); err != nil {
			t.Fatal(err)
		}
		defer svc.Close(ctx)
		if _, err := svc.PurgeTmpBlobs(ctx); !errors.Is(err, ErrPurgeNotSupported) {
			t.Errorf("expected ErrPurgeNotSupported, got %v", err)
		}
	})
}
