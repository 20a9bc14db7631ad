package mailsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rbaliyan/mailsync/directory"
	"github.com/rbaliyan/mailsync/store"
	"github.com/rbaliyan/mailsync/store/memory"
)

// Accounts used across the service tests.
const (
	aliceAccount store.AccountID = 1
	bobAccount   store.AccountID = 2
	carolAccount store.AccountID = 3
	daveAccount  store.AccountID = 4
)

var inbox = store.IDFromDocument(0)

// testDirectory resolves alice (member of accounts 1 and 2), bob (account 2)
// carol (account 3, read access to email 0 of account 1) and dave (account
// 4, may add to the inbox of account 1 and read its email 0).
func testDirectory(t *testing.T) *directory.Static {
	t.Helper()
	dir, err := directory.NewStatic([]directory.Principal{
		{Login: "alice", Account: aliceAccount, Members: []store.AccountID{bobAccount}},
		{Login: "bob", Account: bobAccount},
		{Login: "carol", Account: carolAccount, Grants: []directory.Grant{
			{Account: aliceAccount, Collection: store.CollectionEmail, ACL: directory.ACLReadItems, Documents: []store.DocumentID{0}},
		}},
		{Login: "dave", Account: daveAccount, Grants: []directory.Grant{
			{Account: aliceAccount, Collection: store.CollectionMailbox, ACL: directory.ACLAddItems, Documents: []store.DocumentID{0}},
			{Account: aliceAccount, Collection: store.CollectionEmail, ACL: directory.ACLReadItems, Documents: []store.DocumentID{0}},
		}},
		{Login: "root", Account: 99, Groups: []string{directory.DefaultSuperUserGroup}},
	})
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	return dir
}

func tokenFor(t *testing.T, login string) directory.AccessToken {
	t.Helper()
	tok, err := testDirectory(t).Resolve(context.Background(), login)
	if err != nil {
		t.Fatalf("Resolve(%s): %v", login, err)
	}
	return tok
}

// newTestService returns a connected service over a fresh memory store.
func newTestService(t *testing.T, opts ...Option) (*service, *memory.Store) {
	t.Helper()
	mem := memory.New()
	svc, err := NewService(append([]Option{WithStore(mem)}, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc.(*service), mem
}

func rawMessage(messageID, subject string, headers ...string) []byte {
	msg := fmt.Sprintf("From: sender@example.com\r\nTo: rcpt@example.com\r\nSubject: %s\r\nMessage-ID: %s\r\n", subject, messageID)
	for _, h := range headers {
		msg += h + "\r\n"
	}
	msg += "Content-Type: text/plain; charset=utf-8\r\n\r\nBody of " + subject + "\r\n"
	return []byte(msg)
}

// importMessage uploads raw and imports it into the inbox of account.
func importMessage(t *testing.T, svc *service, tok directory.AccessToken, account store.AccountID, raw []byte) *EmailCreated {
	t.Helper()
	ctx := context.Background()
	up, err := svc.UploadBlob(ctx, tok, account, "message/rfc822", raw)
	if err != nil {
		t.Fatalf("UploadBlob: %v", err)
	}
	if _, err := svc.Mailboxes(ctx, account); err != nil {
		t.Fatalf("Mailboxes: %v", err)
	}
	req := &ImportRequest{AccountID: accountID(account)}
	req.Emails.Set("k1", ImportItem{BlobID: up.BlobID, MailboxIDs: map[store.ID]bool{inbox: true}})
	resp, err := svc.ImportEmails(ctx, tok, req)
	if err != nil {
		t.Fatalf("ImportEmails: %v", err)
	}
	if setErr, ok := resp.NotCreated.Get("k1"); ok {
		t.Fatalf("import not created: %v", setErr)
	}
	created, ok := resp.Created.Get("k1")
	if !ok {
		t.Fatal("import: k1 missing from created")
	}
	return created
}

func mailboxPatch(t *testing.T, ids ...store.ID) json.RawMessage {
	t.Helper()
	set := make(map[store.ID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	raw, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal mailboxIds: %v", err)
	}
	return raw
}

func TestNewService(t *testing.T) {
	t.Run("requires store", func(t *testing.T) {
		_, err := NewService()
		if !errors.Is(err, ErrStoreRequired) {
			t.Errorf("expected ErrStoreRequired, got %v", err)
		}
	})

	t.Run("uses store as blob store", func(t *testing.T) {
		svc, err := NewService(WithStore(memory.New()))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if svc.(*service).blobs == nil {
			t.Error("expected blob store to default to the memory store")
		}
	})
}

func TestServiceLifecycle(t *testing.T) {
	t.Run("connect and close", func(t *testing.T) {
		svc, err := NewService(WithStore(memory.New()))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ctx := context.Background()

		if svc.IsConnected() {
			t.Error("expected not connected before Connect")
		}
		if err := svc.Connect(ctx); err != nil {
			t.Fatalf("connect failed: %v", err)
		}
		if err := svc.Connect(ctx); !errors.Is(err, ErrAlreadyConnected) {
			t.Errorf("expected ErrAlreadyConnected, got %v", err)
		}
		if !svc.IsConnected() {
			t.Error("expected connected")
		}
		if svc.Events() == nil {
			t.Error("expected events after Connect")
		}
		if err := svc.Close(ctx); err != nil {
			t.Fatalf("close failed: %v", err)
		}
		if svc.IsConnected() {
			t.Error("expected not connected after Close")
		}
	})

	t.Run("operations before connect", func(t *testing.T) {
		svc, err := NewService(WithStore(memory.New()))
		if err != nil {
			t.Fatal(err)
		}
		ctx := context.Background()
		if _, err := svc.GetState(ctx, aliceAccount, store.CollectionEmail); !errors.Is(err, ErrNotConnected) {
			t.Errorf("GetState: expected ErrNotConnected, got %v", err)
		}
		if _, err := svc.CopyEmails(ctx, tokenFor(t, "alice"), &CopyRequest{}); !errors.Is(err, ErrNotConnected) {
			t.Errorf("CopyEmails: expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.CopyEmails(context.Background(), nil, &CopyRequest{})
		if !errors.Is(err, ErrTokenRequired) {
			t.Errorf("expected ErrTokenRequired, got %v", err)
		}
	})
}

func TestMailboxes(t *testing.T) {
	t.Run("creates defaults once", func(t *testing.T) {
		svc, mem := newTestService(t)
		ctx := context.Background()

		ids, err := svc.Mailboxes(ctx, aliceAccount)
		if err != nil {
			t.Fatalf("Mailboxes: %v", err)
		}
		if ids.Len() != len(defaultMailboxes) {
			t.Fatalf("expected %d mailboxes, got %d", len(defaultMailboxes), ids.Len())
		}
		if !ids.Contains(0) {
			t.Error("expected inbox to be document 0")
		}
		raw, err := mem.GetProperty(ctx, aliceAccount, store.CollectionMailbox, 0, store.PropRole)
		if err != nil {
			t.Fatalf("GetProperty: %v", err)
		}
		var role string
		if err := json.Unmarshal(raw, &role); err != nil || role != RoleInbox {
			t.Errorf("expected role %q, got %q (%v)", RoleInbox, role, err)
		}

		writes := mem.Writes()
		if _, err := svc.Mailboxes(ctx, aliceAccount); err != nil {
			t.Fatal(err)
		}
		if mem.Writes() != writes {
			t.Error("second call should not write")
		}
	})

	t.Run("concurrent first calls create one set", func(t *testing.T) {
		svc, _ := newTestService(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := svc.Mailboxes(ctx, bobAccount); err != nil {
					t.Errorf("Mailboxes: %v", err)
				}
			}()
		}
		wg.Wait()

		ids, err := svc.Mailboxes(ctx, bobAccount)
		if err != nil {
			t.Fatal(err)
		}
		if ids.Len() != len(defaultMailboxes) {
			t.Errorf("expected %d mailboxes, got %d", len(defaultMailboxes), ids.Len())
		}
	})

	t.Run("creation survives first caller cancelling", func(t *testing.T) {
		svc, mem := newTestService(t)
		entered, release := make(chan struct{}), make(chan struct{})
		var once sync.Once
		mem.SetWriteFault(func(_ *store.Batch, applied int) error {
			if applied == 1 {
				once.Do(func() {
					close(entered)
					<-release
				})
			}
			return nil
		})

		ctx, cancel := context.WithCancel(context.Background())
		first := make(chan error, 1)
		go func() {
			_, err := svc.Mailboxes(ctx, aliceAccount)
			first <- err
		}()
		<-entered

		second := make(chan error, 1)
		go func() {
			_, err := svc.Mailboxes(context.Background(), aliceAccount)
			second <- err
		}()
		cancel()
		close(release)

		if err := <-first; err != nil {
			t.Errorf("first caller: %v", err)
		}
		if err := <-second; err != nil {
			t.Errorf("second caller: %v", err)
		}
		ids, err := mem.DocumentIDs(context.Background(), aliceAccount, store.CollectionMailbox)
		if err != nil {
			t.Fatal(err)
		}
		if ids.Len() != len(defaultMailboxes) {
			t.Errorf("expected %d mailboxes, got %d", len(defaultMailboxes), ids.Len())
		}
	})

	t.Run("advances mailbox state", func(t *testing.T) {
		svc, _ := newTestService(t)
		ctx := context.Background()
		if _, err := svc.Mailboxes(ctx, aliceAccount); err != nil {
			t.Fatal(err)
		}
		st, err := svc.GetState(ctx, aliceAccount, store.CollectionMailbox)
		if err != nil {
			t.Fatal(err)
		}
		if st.IsInitial() {
			t.Error("expected an exact mailbox state")
		}
	})
}

type recordingHook struct {
	mu      sync.Mutex
	changes []*store.StateChange
	reject  error
}

func (h *recordingHook) Name() string                    { return "recorder" }
func (h *recordingHook) Init(ctx context.Context) error  { return nil }
func (h *recordingHook) Close(ctx context.Context) error { return nil }

func (h *recordingHook) AfterCommit(ctx context.Context, sc *store.StateChange) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = append(h.changes, sc)
	return nil
}

func (h *recordingHook) BeforeCopy(ctx context.Context, token directory.AccessToken, req *CopyRequest) error {
	return h.reject
}

func (h *recordingHook) seen() []*store.StateChange {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*store.StateChange(nil), h.changes...)
}

func TestCommitHook(t *testing.T) {
	hook := &recordingHook{}
	svc, _ := newTestService(t, WithPlugin(hook))
	alice := tokenFor(t, "alice")

	importMessage(t, svc, alice, aliceAccount, rawMessage("<hook@example.com>", "Hook"))

	changes := hook.seen()
	if len(changes) != 2 {
		t.Fatalf("expected 2 state changes (mailboxes, import), got %d", len(changes))
	}
	last := changes[1]
	if last.AccountID != aliceAccount {
		t.Errorf("expected account %d, got %d", aliceAccount, last.AccountID)
	}
	for _, typ := range []store.TypeState{store.TypeEmail, store.TypeMailbox, store.TypeThread} {
		if _, ok := last.Types[typ]; !ok {
			t.Errorf("expected %s in state change", typ)
		}
	}
}
