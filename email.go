package mailsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rbaliyan/mailsync/admission"
	"github.com/rbaliyan/mailsync/store"
	"github.com/rbaliyan/mailsync/thread"
)

// emailProperties are the client-settable properties of a new message.
type emailProperties struct {
	mailboxes  []store.DocumentID
	keywords   []string
	receivedAt *time.Time
}

// parseEmailProperty applies one property or property patch. A nil SetError
// means the property was accepted.
func parseEmailProperty(p *emailProperties, name string, raw json.RawMessage) *SetError {
	isNull := bytes.Equal(bytes.TrimSpace(raw), []byte("null"))

	switch {
	case name == string(store.PropMailboxIDs):
		var set map[store.ID]bool
		if err := json.Unmarshal(raw, &set); err != nil || isNull {
			return invalidProperty(name, "Invalid property or value.")
		}
		p.mailboxes = p.mailboxes[:0]
		for id, in := range set {
			if in {
				p.mailboxes = append(p.mailboxes, id.DocumentID())
			}
		}
		slices.Sort(p.mailboxes)
		return nil

	case strings.HasPrefix(name, string(store.PropMailboxIDs)+"/"):
		id, err := store.ParseID(strings.TrimPrefix(name, string(store.PropMailboxIDs)+"/"))
		if err != nil {
			return invalidProperty(name, "Invalid property or value.")
		}
		add, ok := patchValue(raw)
		if !ok {
			return invalidProperty(name, "Invalid property or value.")
		}
		doc := id.DocumentID()
		if add {
			if !slices.Contains(p.mailboxes, doc) {
				p.mailboxes = append(p.mailboxes, doc)
			}
		} else {
			p.mailboxes = slices.DeleteFunc(p.mailboxes, func(d store.DocumentID) bool { return d == doc })
		}
		return nil

	case name == string(store.PropKeywords):
		var set map[string]bool
		if err := json.Unmarshal(raw, &set); err != nil || isNull {
			return invalidProperty(name, "Invalid property or value.")
		}
		p.keywords = p.keywords[:0]
		for kw, in := range set {
			if !in {
				continue
			}
			norm, err := NormalizeKeyword(kw)
			if err != nil {
				return invalidProperty(name, fmt.Sprintf("Invalid keyword %q.", kw))
			}
			if !slices.Contains(p.keywords, norm) {
				p.keywords = append(p.keywords, norm)
			}
		}
		slices.Sort(p.keywords)
		return nil

	case strings.HasPrefix(name, string(store.PropKeywords)+"/"):
		norm, err := NormalizeKeyword(strings.TrimPrefix(name, string(store.PropKeywords)+"/"))
		if err != nil {
			return invalidProperty(name, "Invalid property or value.")
		}
		add, ok := patchValue(raw)
		if !ok {
			return invalidProperty(name, "Invalid property or value.")
		}
		if add {
			if !slices.Contains(p.keywords, norm) {
				p.keywords = append(p.keywords, norm)
			}
		} else {
			p.keywords = slices.DeleteFunc(p.keywords, func(k string) bool { return k == norm })
		}
		return nil

	case name == string(store.PropReceivedAt):
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return invalidProperty(name, "Invalid property or value.")
		}
		t, err := ValidateReceivedAt(v)
		if err != nil {
			return invalidProperty(name, "Invalid property or value.")
		}
		p.receivedAt = &t
		return nil
	}
	return invalidProperty(name, "Invalid property or value.")
}

// patchValue decodes a set-patch value: true adds, false or null removes.
func patchValue(raw json.RawMessage) (add, ok bool) {
	var v *bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, false
	}
	return v != nil && *v, true
}

// mailboxTarget holds the mailbox checks of one mutation.
type mailboxTarget struct {
	existing *store.DocumentSet
	// canAdd is nil when every existing mailbox is writable.
	canAdd *store.DocumentSet
}

// check validates the mailbox set of one item.
func (m mailboxTarget) check(mailboxes []store.DocumentID) *SetError {
	if len(mailboxes) == 0 {
		return invalidProperty(string(store.PropMailboxIDs), "Message has to belong to at least one mailbox.")
	}
	if len(mailboxes) > MaxMailboxesPerMessage {
		return invalidProperty(string(store.PropMailboxIDs), "Too many mailboxes.")
	}
	for _, id := range mailboxes {
		if !m.existing.Contains(id) {
			return invalidProperty(string(store.PropMailboxIDs), fmt.Sprintf("mailboxId %s does not exist.", store.IDFromDocument(id)))
		}
		if m.canAdd != nil && !m.canAdd.Contains(id) {
			return forbiddenError("You are not allowed to add messages to mailbox %s.", store.IDFromDocument(id))
		}
	}
	return nil
}

// newEmail is a message ready to be written into an account.
type newEmail struct {
	meta      EmailMetadata
	mailboxes []store.DocumentID
	keywords  []string
	terms     []byte
	// blob is linked into the target account; its bytes are not copied.
	blob store.BlobKind
	// linked selects a linked blob over a maildir blob for the new document.
	linked bool
}

// writeEmail links the blob, resolves the thread and commits the message in
// one batch. A SetError is an item failure; an error aborts the method.
func (s *service) writeEmail(ctx context.Context, account store.AccountID, quota int64, e *newEmail) (*EmailCreated, *store.ChangeLog, *SetError, error) {
	if quota > 0 {
		used, err := s.store.UsedQuota(ctx, account)
		if err != nil {
			s.logger.Error("failed to read used quota", "account_id", account, "error", err)
			return nil, nil, nil, serverPartialFail(fmt.Errorf("used quota: %w", err))
		}
		if err := admission.CheckAccountQuota(quota, used, e.meta.Size); err != nil {
			return nil, nil, &SetError{Type: SetOverQuota, Description: "You have exceeded your disk quota."}, nil
		}
	}

	refs := e.meta.ReferenceIDs()
	threadID, found, err := s.threads.FindOrMergeThread(ctx, account, e.meta.Subject, refs)
	if err != nil {
		s.logger.Error("failed to resolve thread", "account_id", account, "error", err)
		return nil, nil, nil, serverPartialFail(err)
	}

	doc, err := s.store.AssignDocumentID(ctx, account, store.CollectionEmail)
	if err != nil {
		s.logger.Error("failed to assign email id", "account_id", account, "error", err)
		return nil, nil, nil, serverPartialFail(fmt.Errorf("assign email id: %w", err))
	}

	dst := store.MaildirBlob(account, doc)
	if e.linked {
		dst = store.LinkedBlob(account, doc)
	}
	if err := s.blobs.CopyBlob(ctx, e.blob, dst); err != nil {
		if store.IsNotFound(err) {
			return nil, nil, notFoundError("Blob %s not found.", e.blob), nil
		}
		s.logger.Error("failed to link blob",
			"account_id", account, "document_id", doc, "blob", e.blob.String(), "error", err)
		return nil, nil, nil, serverPartialFail(fmt.Errorf("copy blob: %w", err))
	}
	e.meta.BlobID = dst.String()

	created, log, err := s.commitEmail(ctx, account, doc, threadID, found, e)
	if err != nil {
		s.unlinkBlob(ctx, dst)
		return nil, nil, nil, serverPartialFail(err)
	}
	return created, log, nil, nil
}

// unlinkBlob drops a link made for a batch that did not commit.
func (s *service) unlinkBlob(ctx context.Context, kind store.BlobKind) {
	if _, err := s.blobs.DeleteBlob(context.WithoutCancel(ctx), kind); err != nil {
		s.logger.Warn("failed to unlink blob of uncommitted email",
			"blob", kind.String(), "error", err)
	}
}

func (s *service) commitEmail(ctx context.Context, account store.AccountID, doc, threadID store.DocumentID, found bool, e *newEmail) (*EmailCreated, *store.ChangeLog, error) {
	refs := e.meta.ReferenceIDs()
	if !found {
		tid, err := s.store.AssignDocumentID(ctx, account, store.CollectionThread)
		if err != nil {
			s.logger.Error("failed to assign thread id", "account_id", account, "error", err)
			return nil, nil, fmt.Errorf("assign thread id: %w", err)
		}
		threadID = tid
	}
	emailID := store.IDFromParts(uint32(threadID), uint32(doc))

	metaJSON, err := json.Marshal(e.meta)
	if err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}

	log, err := s.commitChanges(ctx, account, func(log *store.ChangeLog) (*store.Batch, error) {
		b := store.NewBatch(account)
		if !found {
			b.WithCollection(store.CollectionThread).CreateDocument(threadID)
			log.LogInsert(store.CollectionThread, uint64(threadID))
		} else {
			log.LogChildUpdate(store.CollectionThread, uint64(threadID))
		}
		log.LogInsert(store.CollectionEmail, uint64(emailID))
		for _, mb := range e.mailboxes {
			log.LogChildUpdate(store.CollectionMailbox, uint64(mb))
		}

		b.WithCollection(store.CollectionEmail).
			CreateDocument(doc).
			Value(store.PropThreadID, threadID, store.FlagValue|store.FlagBitmap).
			Value(store.PropMailboxIDs, e.mailboxes, store.FlagValue|store.FlagBitmap).
			Value(store.PropKeywords, e.keywords, store.FlagValue|store.FlagBitmap).
			Value(store.PropCid, log.ChangeID, store.FlagValue).
			Value(store.PropSubject, e.meta.Subject, store.FlagValue).
			Value(store.PropReceivedAt, e.meta.ReceivedAt, store.FlagValue).
			Value(store.PropSize, e.meta.Size, store.FlagValue).
			Metadata(store.PropBodyStructure, metaJSON).
			TermIndex(e.terms).
			Changes(log).
			AddQuota(e.meta.Size)
		if tokens := thread.Tokens(refs); len(tokens) > 0 {
			b.Value(store.PropReferences, tokens, store.FlagBitmap)
		}

		batch, err := b.Build()
		if err != nil {
			return nil, fmt.Errorf("build email batch: %w", err)
		}
		return batch, nil
	})
	if err != nil {
		s.logger.Error("failed to write email",
			"account_id", account, "document_id", doc, "thread_id", threadID, "error", err)
		return nil, nil, fmt.Errorf("write email: %w", err)
	}

	return &EmailCreated{
		ID:       emailID,
		BlobID:   e.meta.BlobID,
		ThreadID: store.IDFromDocument(threadID),
		Size:     e.meta.Size,
	}, log, nil
}
