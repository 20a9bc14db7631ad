package mailsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rbaliyan/mailsync/directory"
	"github.com/rbaliyan/mailsync/store"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// CopyEmails copies messages from req.FromAccountID into req.AccountID.
//
// Items fail independently and are reported in NotCreated; a MethodError
// aborts the whole call. The message body is linked, never duplicated.
func (s *service) CopyEmails(ctx context.Context, token directory.AccessToken, req *CopyRequest) (resp *CopyResponse, err error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if token == nil {
		return nil, ErrTokenRequired
	}
	if req == nil {
		return nil, invalidArguments("Missing request.")
	}

	ctx, op := s.otel.begin(ctx, "copy",
		attribute.String("from_account_id", req.FromAccountID.String()),
		attribute.String("account_id", req.AccountID.String()),
		attribute.Int("items", req.Create.Len()),
	)
	defer func() {
		if resp != nil {
			op.count(ctx, "created", resp.Created.Len())
			op.count(ctx, "not_created", resp.NotCreated.Len())
		}
		op.end(ctx, err)
	}()

	if err := s.mutSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.mutSem.Release(1)

	if req.FromAccountID == req.AccountID {
		return nil, invalidArguments("From accountId is equal to fromAccountId")
	}
	from, ok := accountOf(req.FromAccountID)
	if !ok {
		return nil, invalidArguments("Invalid fromAccountId.")
	}
	account, ok := accountOf(req.AccountID)
	if !ok {
		return nil, invalidArguments("Invalid accountId.")
	}
	if req.Create.Len() > s.opts.maxObjectsInCopy {
		return nil, invalidArguments("Too many objects in copy request (max %d).", s.opts.maxObjectsInCopy)
	}
	if !token.IsMember(account) && !token.IsShared(account) {
		return nil, &MethodError{Type: MethodAccountNotFound}
	}
	if !token.IsMember(from) && !token.IsShared(from) {
		return nil, &MethodError{Type: MethodAccountNotFound, Description: "fromAccountId not found."}
	}

	if err := s.plugins.beforeCopy(ctx, token, req); err != nil {
		return nil, &MethodError{Type: MethodForbidden, Description: "Copy rejected.", Err: err}
	}

	oldState, err := s.assertState(ctx, account, store.CollectionEmail, req.IfInState)
	if err != nil {
		return nil, err
	}
	if req.IfFromInState != nil {
		if _, err := s.assertState(ctx, from, store.CollectionEmail, req.IfFromInState); err != nil {
			return nil, err
		}
	}

	readable, err := s.readableEmails(ctx, token, from)
	if err != nil {
		return nil, err
	}
	target, err := s.mailboxTarget(ctx, token, account)
	if err != nil {
		return nil, err
	}
	quota := token.Quota(account)

	resp = &CopyResponse{
		FromAccountID: req.FromAccountID,
		AccountID:     req.AccountID,
		OldState:      oldState,
		NewState:      oldState,
	}
	var destroy []store.ID

	for creationID, item := range req.Create.All() {
		if !readable.Contains(item.ID.DocumentID()) {
			resp.NotCreated.Set(creationID, notFoundError(
				"Item %s not found in account %s.", item.ID, req.FromAccountID))
			continue
		}

		var props emailProperties
		var setErr *SetError
		for _, p := range item.Properties {
			if setErr = parseEmailProperty(&props, p.Name, p.Value); setErr != nil {
				break
			}
		}
		if setErr == nil {
			setErr = target.check(props.mailboxes)
		}
		if setErr != nil {
			resp.NotCreated.Set(creationID, setErr)
			continue
		}

		created, setErr, err := s.copyMessage(ctx, from, item.ID.DocumentID(), account, quota, &props)
		if err != nil {
			return nil, err
		}
		if setErr != nil {
			resp.NotCreated.Set(creationID, setErr)
			continue
		}
		resp.Created.Set(creationID, created)
		destroy = append(destroy, item.ID)
	}

	if resp.Created.Len() > 0 {
		newState, err := s.GetState(ctx, account, store.CollectionEmail)
		if err != nil {
			return nil, err
		}
		resp.NewState = newState
		if id, ok := newState.ChangeID(); ok {
			resp.StateChange = store.NewStateChange(account).
				WithChange(store.TypeEmail, id).
				WithChange(store.TypeMailbox, id).
				WithChange(store.TypeThread, id)
			if err := s.committed(ctx, resp.StateChange); err != nil {
				return resp, err
			}
		}

		if req.OnSuccessDestroyOriginal {
			resp.NextCall = &SetRequest{
				AccountID: req.FromAccountID,
				IfInState: req.DestroyFromIfInState,
				Destroy:   destroy,
			}
		}
	}

	s.logger.Debug("copy completed",
		"from_account_id", from, "account_id", account,
		"created", resp.Created.Len(), "not_created", resp.NotCreated.Len())
	return resp, nil
}

// readableEmails returns the source messages the caller may read.
func (s *service) readableEmails(ctx context.Context, token directory.AccessToken, from store.AccountID) (*store.DocumentSet, error) {
	ids, err := s.store.DocumentIDs(ctx, from, store.CollectionEmail)
	if err != nil {
		s.logger.Error("failed to list source emails", "account_id", from, "error", err)
		return nil, serverFail(fmt.Errorf("list emails: %w", err))
	}
	if token.IsShared(from) {
		shared := token.SharedDocuments(from, store.CollectionEmail, directory.ACLReadItems)
		return shared.Intersect(ids), nil
	}
	return ids, nil
}

// mailboxTarget loads the mailboxes of account and, for shared accounts,
// the subset the caller may add messages to.
func (s *service) mailboxTarget(ctx context.Context, token directory.AccessToken, account store.AccountID) (mailboxTarget, error) {
	existing, err := s.Mailboxes(ctx, account)
	if err != nil {
		return mailboxTarget{}, err
	}
	t := mailboxTarget{existing: existing}
	if token.IsShared(account) {
		t.canAdd = token.SharedDocuments(account, store.CollectionMailbox, directory.ACLAddItems)
	}
	return t, nil
}

// copyMessage copies one readable message into account.
func (s *service) copyMessage(ctx context.Context, from store.AccountID, msg store.DocumentID, account store.AccountID, quota int64, props *emailProperties) (*EmailCreated, *SetError, error) {
	var (
		rawMeta []byte
		terms   []byte
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rawMeta, err = s.store.GetProperty(gctx, from, store.CollectionEmail, msg, store.PropBodyStructure)
		return err
	})
	g.Go(func() error {
		var err error
		terms, err = s.store.GetTermIndex(gctx, from, store.CollectionEmail, msg)
		return err
	})
	if err := g.Wait(); err != nil {
		if store.IsNotFound(err) {
			return nil, notFoundError("Message not found in account %s.", accountID(from)), nil
		}
		s.logger.Error("failed to read source email",
			"account_id", from, "document_id", msg, "error", err)
		return nil, nil, serverPartialFail(fmt.Errorf("read source email: %w", err))
	}

	var meta EmailMetadata
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		s.logger.Error("corrupt email metadata",
			"account_id", from, "document_id", msg, "error", err)
		return nil, nil, serverPartialFail(fmt.Errorf("decode email metadata: %w", err))
	}

	src := store.MaildirBlob(from, msg)
	if meta.BlobID != "" {
		kind, err := store.ParseBlobKind(meta.BlobID)
		if err != nil {
			s.logger.Error("corrupt email blob id",
				"account_id", from, "document_id", msg, "blob_id", meta.BlobID, "error", err)
			return nil, nil, serverPartialFail(fmt.Errorf("parse blob id: %w", err))
		}
		src = kind
	}
	if props.receivedAt != nil {
		meta.ReceivedAt = *props.receivedAt
	}

	created, _, setErr, err := s.writeEmail(ctx, account, quota, &newEmail{
		meta:      meta,
		mailboxes: props.mailboxes,
		keywords:  props.keywords,
		terms:     terms,
		blob:      src,
		linked:    true,
	})
	return created, setErr, err
}
