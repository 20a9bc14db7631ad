// Package mailsync is the mutation-and-synchronization core of a JMAP-style
// mail server.
//
// Every mutation allocates one change id, commits its documents, index
// entries and change-log records in a single atomic batch, and then
// announces the new per-type states to in-process hooks and the event bus.
// Clients resynchronize with Changes from any state they have seen.
//
// # Basic Usage
//
//	// Create in-memory store for testing
//	st := memory.New()
//
//	svc, err := mailsync.NewService(
//	    mailsync.WithStore(st),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Connect opens the store and the event bus
//	if err := svc.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	// Upload a message and file it
//	up, err := svc.UploadBlob(ctx, token, account, "message/rfc822", raw)
//	req := &mailsync.ImportRequest{AccountID: up.AccountID}
//	req.Emails.Set("k1", mailsync.ImportItem{
//	    BlobID:     up.BlobID,
//	    MailboxIDs: map[store.ID]bool{inbox: true},
//	})
//	res, err := svc.ImportEmails(ctx, token, req)
//
// # Operations
//
//   - UploadBlob: admission-checked temporary upload
//   - ImportEmails: parse an upload and file it into mailboxes
//   - CopyEmails: copy messages between accounts without duplicating bodies
//   - GetState / Changes: state tokens and the change log
//   - PurgeTmpBlobs: reclaim expired uploads
//
// # Storage Backends
//
// The store package defines the contracts. Implementations:
//   - store/memory: in-memory, for tests
//   - store/pebble: embedded key-value store
//   - store/sqldb: PostgreSQL or SQLite through database/sql
//   - store/mongo: MongoDB
//
// Blob backends live under store/blob (filesystem, S3, GCS, Redis cache).
//
// # Push
//
// The push package serves state changes over WebSocket. Its Hub is a
// CommitHook; register it with WithPlugin.
//
// # Errors
//
// Failures come in three scopes: a RequestError rejects a whole request, a
// MethodError aborts one method call, and a SetError fails one item while
// its siblings proceed. Use IsRetryableError to decide whether to retry.
package mailsync
