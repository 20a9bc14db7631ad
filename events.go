package mailsync

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/mailsync/store"
)

// Event names.
const (
	EventNameStateChanged  = "mailsync.state.changed"
	EventNameBlobUploaded  = "mailsync.blob.uploaded"
	EventNameTmpBlobPurged = "mailsync.blob.purged"
)

// StateChangedEvent is published after a mutation commits. It carries the
// states reached by each object type of the account.
type StateChangedEvent struct {
	AccountID store.AccountID                 `json:"account_id"`
	Types     map[store.TypeState]store.State `json:"types"`
	ChangedAt time.Time                       `json:"changed_at"`
}

// StateChange returns the event as a notification.
func (e StateChangedEvent) StateChange() *store.StateChange {
	sc := store.NewStateChange(e.AccountID)
	for t, s := range e.Types {
		sc.Types[t] = s
	}
	return sc
}

// BlobUploadedEvent is published after an upload is stored.
type BlobUploadedEvent struct {
	AccountID  store.AccountID `json:"account_id"`
	BlobID     string          `json:"blob_id"`
	Size       int             `json:"size"`
	UploadedAt time.Time       `json:"uploaded_at"`
}

// TmpBlobPurgedEvent is published after expired uploads are reclaimed.
type TmpBlobPurgedEvent struct {
	Count    int       `json:"count"`
	Before   time.Time `json:"before"`
	PurgedAt time.Time `json:"purged_at"`
}

// ServiceEvents provides access to per-service event instances.
// Each service creates its own events bound to its own event bus.
type ServiceEvents struct {
	StateChanged  event.Event[StateChangedEvent]
	BlobUploaded  event.Event[BlobUploadedEvent]
	TmpBlobPurged event.Event[TmpBlobPurgedEvent]
}

// newServiceEvents creates per-service event instances with a unique name prefix.
func newServiceEvents(namePrefix string) *ServiceEvents {
	return &ServiceEvents{
		StateChanged:  event.New[StateChangedEvent](namePrefix + "." + EventNameStateChanged),
		BlobUploaded:  event.New[BlobUploadedEvent](namePrefix + "." + EventNameBlobUploaded),
		TmpBlobPurged: event.New[TmpBlobPurgedEvent](namePrefix + "." + EventNameTmpBlobPurged),
	}
}

// registerServiceEvents registers per-service events with the given bus.
func registerServiceEvents(ctx context.Context, bus *event.Bus, events *ServiceEvents) error {
	if err := event.Register(ctx, bus, events.StateChanged); err != nil {
		return fmt.Errorf("register StateChanged: %w", err)
	}
	if err := event.Register(ctx, bus, events.BlobUploaded); err != nil {
		return fmt.Errorf("register BlobUploaded: %w", err)
	}
	if err := event.Register(ctx, bus, events.TmpBlobPurged); err != nil {
		return fmt.Errorf("register TmpBlobPurged: %w", err)
	}
	return nil
}

// EventPublishError is returned when event publishing fails after the
// mutation committed. Only surfaced with WithEventErrorsFatal(true).
type EventPublishError struct {
	Event     string
	AccountID store.AccountID
	Err       error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("mailsync: event %s publish failed for account %d: %v", e.Event, e.AccountID, e.Err)
}

func (e *EventPublishError) Unwrap() error {
	return e.Err
}

// publishStateChange publishes sc on the bus. Failures are reported to the
// failure handler and returned only when event errors are fatal.
func (s *service) publishStateChange(ctx context.Context, sc *store.StateChange) error {
	if s.events == nil || !sc.HasChanges() {
		return nil
	}
	err := s.events.StateChanged.Publish(ctx, StateChangedEvent{
		AccountID: sc.AccountID,
		Types:     sc.Types,
		ChangedAt: time.Now().UTC(),
	})
	if err == nil {
		return nil
	}
	s.opts.safeEventPublishFailure(EventNameStateChanged, err)
	if s.opts.eventErrorsFatal {
		return &EventPublishError{Event: EventNameStateChanged, AccountID: sc.AccountID, Err: err}
	}
	return nil
}
