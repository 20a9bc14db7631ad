package mailsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rbaliyan/mailsync/store"
)

// typeStates maps collections to the type names used in notifications.
var typeStates = map[store.Collection]store.TypeState{
	store.CollectionEmail:            store.TypeEmail,
	store.CollectionMailbox:          store.TypeMailbox,
	store.CollectionThread:           store.TypeThread,
	store.CollectionIdentity:         store.TypeIdentity,
	store.CollectionEmailSubmission:  store.TypeEmailSubmission,
	store.CollectionPushSubscription: store.TypePushSubscription,
}

// TypeStateOf returns the notification type of a collection.
func TypeStateOf(c store.Collection) (store.TypeState, bool) {
	t, ok := typeStates[c]
	return t, ok
}

// stateChangeFor builds the notification for a committed change log.
func stateChangeFor(log *store.ChangeLog) *store.StateChange {
	sc := store.NewStateChange(log.AccountID)
	for _, c := range log.Collections() {
		if t, ok := TypeStateOf(c); ok {
			sc.WithChange(t, log.ChangeID)
		}
	}
	return sc
}

// BeginChanges allocates the change id shared by every entry of one mutation.
func (s *service) BeginChanges(ctx context.Context, account store.AccountID) (*store.ChangeLog, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	id, err := s.store.AssignChangeID(ctx, account)
	if err != nil {
		s.logger.Error("failed to assign change id",
			"account_id", account, "error", err)
		return nil, serverFail(fmt.Errorf("assign change id: %w", err))
	}
	return store.NewChangeLog(account, id), nil
}

// maxCommitAttempts bounds retries of a batch whose change id went stale.
const maxCommitAttempts = 3

func (s *service) commitLock(account store.AccountID) *sync.Mutex {
	v, _ := s.commitLocks.LoadOrStore(account, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// commitChanges allocates a change id, builds the batch around it and writes
// it while holding the account's commit lock, so ids of this process commit
// in allocation order. A batch made stale by another writer is rebuilt with
// a fresh id.
func (s *service) commitChanges(ctx context.Context, account store.AccountID, build func(*store.ChangeLog) (*store.Batch, error)) (*store.ChangeLog, error) {
	mu := s.commitLock(account)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 1; ; attempt++ {
		log, err := s.BeginChanges(ctx, account)
		if err != nil {
			return nil, err
		}
		batch, err := build(log)
		if err != nil {
			return nil, err
		}
		err = s.write(ctx, batch)
		if err == nil {
			return log, nil
		}
		if !store.IsStaleChange(err) || attempt == maxCommitAttempts {
			return nil, err
		}
		s.logger.Warn("change id went stale, retrying commit",
			"account_id", account, "change_id", log.ChangeID, "attempt", attempt)
	}
}

// GetState returns the latest committed state of a collection.
func (s *service) GetState(ctx context.Context, account store.AccountID, c store.Collection) (store.State, error) {
	if err := s.checkConnected(); err != nil {
		return store.State{}, err
	}
	st, err := s.store.GetState(ctx, account, c)
	if err != nil {
		s.logger.Error("failed to read state",
			"account_id", account, "collection", c.String(), "error", err)
		return store.State{}, serverFail(fmt.Errorf("get state: %w", err))
	}
	return st, nil
}

// assertState compares an optional client precondition with the current state.
func (s *service) assertState(ctx context.Context, account store.AccountID, c store.Collection, ifInState *store.State) (store.State, error) {
	current, err := s.GetState(ctx, account, c)
	if err != nil {
		return store.State{}, err
	}
	if ifInState != nil && ifInState.Compare(current) != 0 {
		return store.State{}, &MethodError{
			Type:        MethodStateMismatch,
			Description: fmt.Sprintf("Expected state %s, current state is %s.", ifInState, current),
		}
	}
	return current, nil
}

// ChangesRequest asks for the changes of one collection since a state.
type ChangesRequest struct {
	AccountID  store.AccountID  `json:"accountId"`
	Collection store.Collection `json:"-"`
	SinceState store.State      `json:"sinceState"`
	// MaxChanges caps the returned ids. 0 uses the service default.
	MaxChanges int `json:"maxChanges,omitempty"`
}

// ChangesResponse lists ids changed between OldState and NewState.
// An id created and then destroyed within the window is omitted.
type ChangesResponse struct {
	AccountID      store.AccountID `json:"accountId"`
	OldState       store.State     `json:"oldState"`
	NewState       store.State     `json:"newState"`
	HasMoreChanges bool            `json:"hasMoreChanges"`
	Created        []store.ID      `json:"created"`
	Updated        []store.ID      `json:"updated"`
	Destroyed      []store.ID      `json:"destroyed"`
}

// Changes returns the committed changes of a collection since a state.
//
// Records are consumed whole, so one mutation is never split across two
// responses. When the first record alone exceeds MaxChanges it is still
// returned.
func (s *service) Changes(ctx context.Context, req *ChangesRequest) (*ChangesResponse, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, invalidArguments("Missing request.")
	}
	if !req.Collection.Valid() {
		return nil, invalidArguments("Unknown collection %d.", req.Collection)
	}
	limit := req.MaxChanges
	if limit <= 0 || limit > s.opts.maxChanges {
		limit = s.opts.maxChanges
	}

	// One extra record tells whether more remain.
	records, err := s.store.ChangesSince(ctx, req.AccountID, req.Collection, req.SinceState, limit+1)
	if err != nil {
		if errors.Is(err, store.ErrCannotCalculateChanges) {
			return nil, &MethodError{Type: MethodCannotCalculate, Err: err}
		}
		s.logger.Error("failed to read changes",
			"account_id", req.AccountID, "collection", req.Collection.String(),
			"since", req.SinceState.String(), "error", err)
		return nil, serverFail(fmt.Errorf("changes since: %w", err))
	}

	resp := &ChangesResponse{
		AccountID: req.AccountID,
		OldState:  req.SinceState,
		NewState:  req.SinceState,
		Created:   []store.ID{},
		Updated:   []store.ID{},
		Destroyed: []store.ID{},
	}

	kinds := make(map[uint64]store.ChangeKind)
	var order []uint64
	count := 0
	for i, rec := range records {
		if i > 0 && count+len(rec.Entries) > limit {
			resp.HasMoreChanges = true
			break
		}
		if i == limit {
			resp.HasMoreChanges = true
			break
		}
		for _, e := range rec.Entries {
			prev, seen := kinds[e.ID]
			if !seen {
				order = append(order, e.ID)
				kinds[e.ID] = e.Kind
				continue
			}
			kinds[e.ID] = mergeKinds(prev, e.Kind)
		}
		count += len(rec.Entries)
		resp.NewState = store.ExactState(rec.ChangeID)
	}

	for _, id := range order {
		switch kinds[id] {
		case store.ChangeInsert:
			resp.Created = append(resp.Created, store.ID(id))
		case store.ChangeUpdate, store.ChangeChildUpdate:
			resp.Updated = append(resp.Updated, store.ID(id))
		case store.ChangeDelete:
			resp.Destroyed = append(resp.Destroyed, store.ID(id))
		}
	}
	return resp, nil
}

// mergeKinds folds a later change of the same id into an earlier one.
// A zero result means the id was created and destroyed within the window.
func mergeKinds(prev, next store.ChangeKind) store.ChangeKind {
	switch {
	case prev == store.ChangeInsert && next == store.ChangeDelete:
		return 0
	case prev == store.ChangeInsert:
		return store.ChangeInsert
	case prev == 0 && next == store.ChangeInsert:
		return store.ChangeInsert
	case next == store.ChangeDelete:
		return store.ChangeDelete
	case prev == store.ChangeDelete && next == store.ChangeInsert:
		return store.ChangeUpdate
	case prev == store.ChangeDelete:
		return store.ChangeDelete
	}
	return store.ChangeUpdate
}
