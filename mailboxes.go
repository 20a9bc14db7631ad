package mailsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rbaliyan/mailsync/store"
)

// Mailbox roles (RFC 8621 section 2).
const (
	RoleInbox  = "inbox"
	RoleDrafts = "drafts"
	RoleSent   = "sent"
	RoleTrash  = "trash"
	RoleJunk   = "junk"
)

// defaultMailbox describes one mailbox created for a new account.
type defaultMailbox struct {
	Name      string
	Role      string
	SortOrder int
}

// defaultMailboxes is created for an account that has no mailboxes.
// Document ids follow this order, so the inbox is always document 0.
var defaultMailboxes = []defaultMailbox{
	{Name: "Inbox", Role: RoleInbox, SortOrder: 1},
	{Name: "Drafts", Role: RoleDrafts, SortOrder: 2},
	{Name: "Sent Items", Role: RoleSent, SortOrder: 3},
	{Name: "Deleted Items", Role: RoleTrash, SortOrder: 4},
	{Name: "Junk Mail", Role: RoleJunk, SortOrder: 5},
}

// Mailboxes returns the mailbox ids of an account, creating the default set
// in one batch when the account has none.
func (s *service) Mailboxes(ctx context.Context, account store.AccountID) (*store.DocumentSet, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ids, err := s.store.DocumentIDs(ctx, account, store.CollectionMailbox)
	if err != nil {
		s.logger.Error("failed to list mailboxes", "account_id", account, "error", err)
		return nil, serverFail(fmt.Errorf("list mailboxes: %w", err))
	}
	if !ids.IsEmpty() {
		return ids, nil
	}
	// Concurrent first requests for one account share a single creation,
	// which must not fail for all of them when the first caller goes away.
	v, err, _ := s.mailboxInit.Do(strconv.FormatUint(uint64(account), 10), func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		ids, err := s.store.DocumentIDs(ctx, account, store.CollectionMailbox)
		if err == nil && !ids.IsEmpty() {
			return ids, nil
		}
		return s.createDefaultMailboxes(ctx, account)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.DocumentSet), nil
}

func (s *service) createDefaultMailboxes(ctx context.Context, account store.AccountID) (*store.DocumentSet, error) {
	created := make([]store.DocumentID, 0, len(defaultMailboxes))
	for range defaultMailboxes {
		id, err := s.store.AssignDocumentID(ctx, account, store.CollectionMailbox)
		if err != nil {
			s.logger.Error("failed to assign mailbox id", "account_id", account, "error", err)
			return nil, serverFail(fmt.Errorf("assign mailbox id: %w", err))
		}
		created = append(created, id)
	}

	log, err := s.commitChanges(ctx, account, func(log *store.ChangeLog) (*store.Batch, error) {
		b := store.NewBatch(account).WithCollection(store.CollectionMailbox)
		for i, m := range defaultMailboxes {
			b.CreateDocument(created[i]).
				Value(store.PropName, m.Name, store.FlagValue).
				Value(store.PropRole, m.Role, store.FlagValue|store.FlagBitmap).
				Value(store.PropSortOrder, m.SortOrder, store.FlagValue)
			log.LogInsert(store.CollectionMailbox, uint64(created[i]))
		}
		batch, err := b.Changes(log).Build()
		if err != nil {
			return nil, serverFail(fmt.Errorf("build mailbox batch: %w", err))
		}
		return batch, nil
	})
	if err != nil {
		s.logger.Error("failed to create default mailboxes", "account_id", account, "error", err)
		var me *MethodError
		if errors.As(err, &me) {
			return nil, err
		}
		return nil, serverFail(fmt.Errorf("create mailboxes: %w", err))
	}

	s.logger.Info("created default mailboxes", "account_id", account, "count", len(created))
	if err := s.committed(ctx, stateChangeFor(log)); err != nil {
		return nil, err
	}
	return store.NewDocumentSet(created...), nil
}
