package push

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/rbaliyan/mailsync"
	"github.com/rbaliyan/mailsync/store"
)

// ErrSubscriptionClosed is returned by Next after Close.
var ErrSubscriptionClosed = errors.New("push: subscription closed")

// Hub fans committed state changes out to subscribed sessions. It is
// registered on the service with mailsync.WithPlugin and receives every
// commit through AfterCommit.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[store.AccountID]map[*Subscription]struct{}
	closed bool
}

var _ mailsync.CommitHook = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	o := newOptions(opts...)
	return &Hub{
		logger: o.logger,
		subs:   make(map[store.AccountID]map[*Subscription]struct{}),
	}
}

// Subscribe registers interest in the given accounts.
func (h *Hub) Subscribe(accounts ...store.AccountID) *Subscription {
	var unique []store.AccountID
	for _, a := range accounts {
		if !slices.Contains(unique, a) {
			unique = append(unique, a)
		}
	}
	s := &Subscription{
		hub:      h,
		accounts: unique,
		pending:  make(map[store.AccountID]*store.StateChange),
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.closeOnce.Do(func() { close(s.done) })
		return s
	}
	for _, a := range unique {
		set := h.subs[a]
		if set == nil {
			set = make(map[*Subscription]struct{})
			h.subs[a] = set
		}
		set[s] = struct{}{}
	}
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, a := range s.accounts {
		if set := h.subs[a]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, a)
			}
		}
	}
}

// Publish delivers sc to every subscriber of its account. It never blocks:
// a subscriber that has not consumed its previous notification has the new
// states merged over the pending ones.
func (h *Hub) Publish(sc *store.StateChange) {
	if !sc.HasChanges() {
		return
	}
	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs[sc.AccountID]))
	for s := range h.subs[sc.AccountID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.deliver(sc)
	}
}

// Subscribers returns the number of subscriptions on account.
func (h *Hub) Subscribers(account store.AccountID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[account])
}

// Name implements mailsync.Plugin.
func (h *Hub) Name() string { return "push-hub" }

// Init implements mailsync.Plugin.
func (h *Hub) Init(ctx context.Context) error { return nil }

// Close ends every subscription. Sessions blocked in Next return
// ErrSubscriptionClosed.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	var all []*Subscription
	seen := make(map[*Subscription]struct{})
	for _, set := range h.subs {
		for s := range set {
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				all = append(all, s)
			}
		}
	}
	h.subs = make(map[store.AccountID]map[*Subscription]struct{})
	h.closed = true
	h.mu.Unlock()

	for _, s := range all {
		s.closeOnce.Do(func() { close(s.done) })
	}
	return nil
}

// AfterCommit implements mailsync.CommitHook.
func (h *Hub) AfterCommit(ctx context.Context, sc *store.StateChange) error {
	h.logger.Debug("publishing state change",
		"account_id", sc.AccountID, "types", len(sc.Types))
	h.Publish(sc)
	return nil
}

// Subscription is one consumer of hub notifications.
type Subscription struct {
	hub      *Hub
	accounts []store.AccountID

	mu      sync.Mutex
	pending map[store.AccountID]*store.StateChange

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscription) deliver(sc *store.StateChange) {
	s.mu.Lock()
	cur := s.pending[sc.AccountID]
	if cur == nil {
		cur = store.NewStateChange(sc.AccountID)
		s.pending[sc.AccountID] = cur
	}
	for t, st := range sc.Types {
		if prev, ok := cur.Types[t]; !ok || prev.Compare(st) < 0 {
			cur.Types[t] = st
		}
	}
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next blocks until at least one notification is pending and returns all
// pending notifications, one per account.
func (s *Subscription) Next(ctx context.Context) ([]*store.StateChange, error) {
	for {
		if out := s.drain(); len(out) > 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrSubscriptionClosed
		case <-s.ready:
		}
	}
}

func (s *Subscription) drain() []*store.StateChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	out := make([]*store.StateChange, 0, len(s.pending))
	for _, a := range s.accounts {
		if sc, ok := s.pending[a]; ok {
			out = append(out, sc)
		}
	}
	clear(s.pending)
	return out
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.hub.remove(s)
}
