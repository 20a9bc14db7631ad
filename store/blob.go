package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BlobType distinguishes how a blob is addressed.
type BlobType uint8

const (
	// BlobTemporary is an upload that has not been attached to a document yet.
	// It is reclaimed once its TTL expires.
	BlobTemporary BlobType = iota + 1
	// BlobMaildir is the stored body of a message document.
	BlobMaildir
	// BlobLinkedMaildir is a message body shared with another account's
	// message instead of duplicating the bytes.
	BlobLinkedMaildir
)

// BlobKind addresses a blob.
type BlobKind struct {
	Type      BlobType
	AccountID AccountID
	// Document is set for maildir and linked blobs.
	Document DocumentID
	// Timestamp (unix seconds) and Seq are set for temporary blobs.
	Timestamp int64
	Seq       uint32
}

// TemporaryBlob addresses an upload made at t.
func TemporaryBlob(account AccountID, t time.Time, seq uint32) BlobKind {
	return BlobKind{Type: BlobTemporary, AccountID: account, Timestamp: t.Unix(), Seq: seq}
}

// MaildirBlob addresses the body of a message document.
func MaildirBlob(account AccountID, doc DocumentID) BlobKind {
	return BlobKind{Type: BlobMaildir, AccountID: account, Document: doc}
}

// LinkedBlob addresses a body shared with another message.
func LinkedBlob(account AccountID, doc DocumentID) BlobKind {
	return BlobKind{Type: BlobLinkedMaildir, AccountID: account, Document: doc}
}

// IsTemporary reports whether the blob is subject to the upload TTL.
func (k BlobKind) IsTemporary() bool {
	return k.Type == BlobTemporary
}

// CreatedAt returns the upload time of a temporary blob.
func (k BlobKind) CreatedAt() time.Time {
	return time.Unix(k.Timestamp, 0)
}

// String returns the blob id used on the wire and as a storage key.
func (k BlobKind) String() string {
	switch k.Type {
	case BlobTemporary:
		return "t" + strconv.FormatUint(uint64(k.AccountID), 16) +
			"_" + strconv.FormatInt(k.Timestamp, 16) +
			"_" + strconv.FormatUint(uint64(k.Seq), 16)
	case BlobMaildir:
		return "m" + strconv.FormatUint(uint64(k.AccountID), 16) + "_" + strconv.FormatUint(uint64(k.Document), 16)
	case BlobLinkedMaildir:
		return "l" + strconv.FormatUint(uint64(k.AccountID), 16) + "_" + strconv.FormatUint(uint64(k.Document), 16)
	}
	return "?"
}

// ParseBlobKind parses the form produced by String.
func ParseBlobKind(s string) (BlobKind, error) {
	if len(s) < 2 {
		return BlobKind{}, fmt.Errorf("%w: blob %q", ErrInvalidID, s)
	}
	parts := strings.Split(s[1:], "_")
	num := func(i, bits int) (uint64, bool) {
		v, err := strconv.ParseUint(parts[i], 16, bits)
		return v, err == nil
	}
	switch s[0] {
	case 't':
		if len(parts) == 3 {
			acct, ok1 := num(0, 32)
			ts, ok2 := num(1, 63)
			seq, ok3 := num(2, 32)
			if ok1 && ok2 && ok3 {
				return BlobKind{Type: BlobTemporary, AccountID: AccountID(acct), Timestamp: int64(ts), Seq: uint32(seq)}, nil
			}
		}
	case 'm', 'l':
		if len(parts) == 2 {
			acct, ok1 := num(0, 32)
			doc, ok2 := num(1, 32)
			if ok1 && ok2 {
				typ := BlobMaildir
				if s[0] == 'l' {
					typ = BlobLinkedMaildir
				}
				return BlobKind{Type: typ, AccountID: AccountID(acct), Document: DocumentID(doc)}, nil
			}
		}
	}
	return BlobKind{}, fmt.Errorf("%w: blob %q", ErrInvalidID, s)
}

// TmpUsage is an account's temporary-blob footprint within the upload TTL.
type TmpUsage struct {
	Count int
	Bytes int64
}

// BlobStore stores message bodies and uploads.
//
// CopyBlob must link dst to the bytes of src without storing them twice.
type BlobStore interface {
	PutBlob(ctx context.Context, kind BlobKind, data []byte) error
	GetBlob(ctx context.Context, kind BlobKind) ([]byte, error)
	CopyBlob(ctx context.Context, src, dst BlobKind) error
	// DeleteBlob reports whether the blob existed.
	DeleteBlob(ctx context.Context, kind BlobKind) (bool, error)
	// TmpBlobUsage counts temporary blobs of the account created within ttl.
	// It is computed on every call.
	TmpBlobUsage(ctx context.Context, account AccountID, ttl time.Duration) (TmpUsage, error)
}

// BlobPurger is implemented by blob stores that can reclaim expired uploads.
type BlobPurger interface {
	PurgeTmpBlobs(ctx context.Context, olderThan time.Time) (int, error)
}
