package mailsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/mailsync/admission"
	"github.com/rbaliyan/mailsync/directory"
	"github.com/rbaliyan/mailsync/store"
	"go.opentelemetry.io/otel/attribute"
)

// LimitSizeUpload is the limit name of an oversized upload.
const LimitSizeUpload = "maxSizeUpload"

// UploadResponse describes a stored upload.
type UploadResponse struct {
	AccountID store.ID `json:"accountId"`
	BlobID    string   `json:"blobId"`
	Type      string   `json:"type"`
	Size      int      `json:"size"`
}

// UploadBlob stores data as a temporary blob of account.
//
// The per-principal concurrency slot is taken before any I/O and released on
// every exit path. Temporary usage is read fresh on each call, so concurrent
// uploads cannot overcommit the quota by racing on a cached value. Failures
// are RequestErrors; none are retried.
func (s *service) UploadBlob(ctx context.Context, token directory.AccessToken, account store.AccountID, contentType string, data []byte) (resp *UploadResponse, err error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if token == nil {
		return nil, ErrTokenRequired
	}

	ctx, op := s.otel.begin(ctx, "upload",
		attribute.Int64("account_id", int64(account)),
		attribute.Int("size", len(data)),
	)
	defer func() {
		if err == nil {
			op.countBytes(ctx, len(data))
		}
		op.end(ctx, err)
	}()

	guard, err := s.uploads.Acquire(token.Principal(), token.IsSuperUser())
	if err != nil {
		return nil, LimitError(LimitConcurrentUpload)
	}
	defer guard.Release()

	if !token.IsMember(account) && !token.IsSuperUser() {
		return nil, &RequestError{
			Type:   RequestNotRequest,
			Status: 403,
			Title:  "Forbidden",
			Detail: "You do not have access to this account.",
		}
	}
	if int64(len(data)) > s.opts.upload.maxSize {
		e := LimitError(LimitSizeUpload)
		e.Detail = fmt.Sprintf("The upload exceeds the maximum size of %d bytes.", s.opts.upload.maxSize)
		return nil, e
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := ValidateMIMEType(contentType, s.opts.upload.allowTypes, s.opts.upload.blockTypes); err != nil {
		return nil, &RequestError{
			Type:   RequestNotRequest,
			Status: 415,
			Title:  "Unsupported Media Type",
			Detail: err.Error(),
			Err:    err,
		}
	}

	usage, err := s.blobs.TmpBlobUsage(ctx, account, s.opts.upload.ttl)
	if err != nil {
		s.logger.Error("failed to read temporary blob usage",
			"account_id", account, "size", len(data), "error", err)
		return nil, InternalServerError(fmt.Errorf("tmp blob usage: %w", err))
	}
	if err := admission.CheckTmpQuota(usage, s.limits, int64(len(data)), token.IsSuperUser()); err != nil {
		var oq *admission.OverQuotaError
		if errors.As(err, &oq) {
			return nil, OverBlobQuotaError(oq.MaxCount, oq.MaxBytes)
		}
		return nil, OverBlobQuotaError(s.limits.MaxCount, s.limits.MaxBytes)
	}

	kind := store.TemporaryBlob(account, time.Now().UTC(), s.uploadSq.Add(1))
	if err := s.blobs.PutBlob(ctx, kind, data); err != nil {
		s.logger.Error("failed to store upload",
			"account_id", account, "size", len(data), "error", err)
		return nil, InternalServerError(fmt.Errorf("put blob: %w", err))
	}

	resp = &UploadResponse{
		AccountID: accountID(account),
		BlobID:    kind.String(),
		Type:      contentType,
		Size:      len(data),
	}

	if s.events != nil {
		evt := BlobUploadedEvent{AccountID: account, BlobID: resp.BlobID, Size: resp.Size, UploadedAt: time.Now().UTC()}
		if err := s.events.BlobUploaded.Publish(ctx, evt); err != nil {
			s.opts.safeEventPublishFailure(EventNameBlobUploaded, err)
		}
	}
	return resp, nil
}
