package mailsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/mailsync/content"
	"github.com/rbaliyan/mailsync/directory"
	"github.com/rbaliyan/mailsync/store"
	"go.opentelemetry.io/otel/attribute"
)

// ImportItem is one message to import from an uploaded blob.
type ImportItem struct {
	BlobID     string            `json:"blobId"`
	MailboxIDs map[store.ID]bool `json:"mailboxIds"`
	Keywords   map[string]bool   `json:"keywords,omitempty"`
	ReceivedAt *time.Time        `json:"receivedAt,omitempty"`
}

// ImportRequest imports uploaded messages into an account.
type ImportRequest struct {
	AccountID store.ID               `json:"accountId"`
	IfInState *store.State           `json:"ifInState,omitempty"`
	Emails    OrderedMap[ImportItem] `json:"emails"`
}

// ImportResponse reports per-item results of an import in request order.
type ImportResponse struct {
	AccountID   store.ID                  `json:"accountId"`
	OldState    store.State               `json:"oldState"`
	NewState    store.State               `json:"newState"`
	Created     OrderedMap[*EmailCreated] `json:"created"`
	NotCreated  OrderedMap[*SetError]     `json:"notCreated"`
	StateChange *store.StateChange        `json:"-"`
}

// ImportEmails parses uploaded blobs as messages and files them into
// mailboxes. The upload is linked into the message, so it stops counting
// against the temporary quota only once purged.
func (s *service) ImportEmails(ctx context.Context, token directory.AccessToken, req *ImportRequest) (resp *ImportResponse, err error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if token == nil {
		return nil, ErrTokenRequired
	}
	if req == nil {
		return nil, invalidArguments("Missing request.")
	}

	ctx, op := s.otel.begin(ctx, "import",
		attribute.String("account_id", req.AccountID.String()),
		attribute.Int("items", req.Emails.Len()),
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

	account, ok := accountOf(req.AccountID)
	if !ok {
		return nil, invalidArguments("Invalid accountId.")
	}
	if req.Emails.Len() > s.opts.maxObjectsInCopy {
		return nil, invalidArguments("Too many objects in import request (max %d).", s.opts.maxObjectsInCopy)
	}
	if !token.IsMember(account) && !token.IsShared(account) {
		return nil, &MethodError{Type: MethodAccountNotFound}
	}

	oldState, err := s.assertState(ctx, account, store.CollectionEmail, req.IfInState)
	if err != nil {
		return nil, err
	}
	target, err := s.mailboxTarget(ctx, token, account)
	if err != nil {
		return nil, err
	}
	quota := token.Quota(account)

	resp = &ImportResponse{
		AccountID: req.AccountID,
		OldState:  oldState,
		NewState:  oldState,
	}
	for creationID, item := range req.Emails.All() {
		created, setErr, err := s.importEmail(ctx, token, account, quota, target, &item)
		if err != nil {
			return nil, err
		}
		if setErr != nil {
			resp.NotCreated.Set(creationID, setErr)
			continue
		}
		resp.Created.Set(creationID, created)
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
	}
	return resp, nil
}

// canReadBlob reports whether the caller may read a blob. Members read every
// blob of an account; shared access reaches only the bodies of messages
// granted for reading, never another principal's uploads.
func canReadBlob(token directory.AccessToken, kind store.BlobKind) bool {
	if token.IsMember(kind.AccountID) {
		return true
	}
	if kind.IsTemporary() || !token.IsShared(kind.AccountID) {
		return false
	}
	return token.SharedDocuments(kind.AccountID, store.CollectionEmail, directory.ACLReadItems).Contains(kind.Document)
}

func (s *service) importEmail(ctx context.Context, token directory.AccessToken, account store.AccountID, quota int64, target mailboxTarget, item *ImportItem) (*EmailCreated, *SetError, error) {
	kind, err := store.ParseBlobKind(item.BlobID)
	if err != nil {
		return nil, invalidProperty("blobId", "Invalid blobId."), nil
	}
	if !canReadBlob(token, kind) {
		return nil, notFoundError("Blob %s not found.", item.BlobID), nil
	}

	var props emailProperties
	for id, in := range item.MailboxIDs {
		if in {
			props.mailboxes = append(props.mailboxes, id.DocumentID())
		}
	}
	for kw, in := range item.Keywords {
		if !in {
			continue
		}
		norm, err := NormalizeKeyword(kw)
		if err != nil {
			return nil, invalidProperty(string(store.PropKeywords), fmt.Sprintf("Invalid keyword %q.", kw)), nil
		}
		props.keywords = append(props.keywords, norm)
	}
	if setErr := target.check(props.mailboxes); setErr != nil {
		return nil, setErr, nil
	}

	data, err := s.blobs.GetBlob(ctx, kind)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, notFoundError("Blob %s not found.", item.BlobID), nil
		}
		s.logger.Error("failed to read uploaded blob",
			"account_id", account, "blob_id", item.BlobID, "error", err)
		return nil, nil, serverPartialFail(fmt.Errorf("get blob: %w", err))
	}

	msg, err := s.opts.extractors.Extract(content.MediaTypeMessage, data)
	if err != nil {
		if errors.Is(err, content.ErrMalformed) {
			return nil, invalidProperty("blobId", "Failed to parse message."), nil
		}
		return nil, nil, serverPartialFail(err)
	}

	meta := EmailMetadata{
		Size:       int64(len(data)),
		Subject:    msg.Subject,
		MessageID:  msg.MessageID,
		InReplyTo:  msg.InReplyTo,
		References: msg.References,
		ReceivedAt: time.Now().UTC().Truncate(time.Second),
	}
	if item.ReceivedAt != nil {
		meta.ReceivedAt = item.ReceivedAt.UTC()
	}
	terms, err := json.Marshal(termIndex{Subject: msg.Subject, Text: msg.Text})
	if err != nil {
		return nil, nil, serverPartialFail(fmt.Errorf("encode term index: %w", err))
	}

	created, _, setErr, err := s.writeEmail(ctx, account, quota, &newEmail{
		meta:      meta,
		mailboxes: props.mailboxes,
		keywords:  props.keywords,
		terms:     terms,
		blob:      kind,
	})
	return created, setErr, err
}

// termIndex is the full-text payload stored with each message.
type termIndex struct {
	Subject string `json:"subject,omitempty"`
	Text    string `json:"text,omitempty"`
}
