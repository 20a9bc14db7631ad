package mailsync

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/mailsync/store"
)

// PurgeResult contains the result of a temporary-blob purge.
type PurgeResult struct {
	// PurgedCount is the number of expired uploads deleted.
	PurgedCount int
	// Before is the cutoff: uploads created earlier were eligible.
	Before time.Time
}

// PurgeTmpBlobs deletes uploads older than the configured upload TTL
// (default 1 hour).
//
// Bodies linked by a batch that never committed are reclaimed here rather
// than by synchronous rollback, so this must run periodically. The library
// does not schedule it; use the application's own scheduler.
//
// Example with a simple ticker:
//
//	go func() {
//	    ticker := time.NewTicker(10 * time.Minute)
//	    defer ticker.Stop()
//	    for range ticker.C {
//	        result, err := svc.PurgeTmpBlobs(ctx)
//	        if err != nil {
//	            slog.Error("purge failed", "error", err)
//	        } else if result.PurgedCount > 0 {
//	            slog.Info("purged uploads", "count", result.PurgedCount)
//	        }
//	    }
//	}()
func (s *service) PurgeTmpBlobs(ctx context.Context) (*PurgeResult, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	purger, ok := s.blobs.(store.BlobPurger)
	if !ok {
		return nil, ErrPurgeNotSupported
	}

	ctx, op := s.otel.begin(ctx, "purge")
	result := &PurgeResult{Before: time.Now().UTC().Add(-s.opts.upload.ttl)}

	n, err := purger.PurgeTmpBlobs(ctx, result.Before)
	op.end(ctx, err)
	if err != nil {
		s.logger.Error("failed to purge temporary blobs", "before", result.Before, "error", err)
		return result, fmt.Errorf("purge temporary blobs: %w", err)
	}
	result.PurgedCount = n
	op.count(ctx, "purged", n)

	if n > 0 {
		s.logger.Debug("purged temporary blobs", "count", n, "before", result.Before)
		if s.events != nil {
			evt := TmpBlobPurgedEvent{Count: n, Before: result.Before, PurgedAt: time.Now().UTC()}
			if err := s.events.TmpBlobPurged.Publish(ctx, evt); err != nil {
				s.opts.safeEventPublishFailure(EventNameTmpBlobPurged, err)
			}
		}
	}
	return result, nil
}
