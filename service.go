package mailsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"github.com/rbaliyan/mailsync/admission"
	"github.com/rbaliyan/mailsync/directory"
	"github.com/rbaliyan/mailsync/store"
	"github.com/rbaliyan/mailsync/thread"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// ServiceHealth provides health and state information about the service.
type ServiceHealth interface {
	// IsConnected returns true if the service is connected and ready.
	IsConnected() bool
}

// StateReader answers state and change-log queries.
type StateReader interface {
	// GetState returns the latest committed state of a collection.
	GetState(ctx context.Context, account store.AccountID, c store.Collection) (store.State, error)
	// Changes returns the committed changes of a collection since a state.
	Changes(ctx context.Context, req *ChangesRequest) (*ChangesResponse, error)
}

// Mutator runs mutations that produce state changes.
type Mutator interface {
	// BeginChanges allocates the change id shared by every entry of one mutation.
	BeginChanges(ctx context.Context, account store.AccountID) (*store.ChangeLog, error)
	// CopyEmails copies messages between accounts.
	CopyEmails(ctx context.Context, token directory.AccessToken, req *CopyRequest) (*CopyResponse, error)
	// ImportEmails files uploaded messages into mailboxes.
	ImportEmails(ctx context.Context, token directory.AccessToken, req *ImportRequest) (*ImportResponse, error)
	// Mailboxes returns the mailbox ids of an account, creating the default
	// set when the account has none.
	Mailboxes(ctx context.Context, account store.AccountID) (*store.DocumentSet, error)
}

// Uploader ingests blobs.
type Uploader interface {
	// UploadBlob stores data as a temporary blob after admission checks.
	UploadBlob(ctx context.Context, token directory.AccessToken, account store.AccountID, contentType string, data []byte) (*UploadResponse, error)
	// PurgeTmpBlobs reclaims uploads older than the upload TTL.
	PurgeTmpBlobs(ctx context.Context) (*PurgeResult, error)
}

// Service is the mutation-and-synchronization core.
//
// Composed of:
//   - ServiceHealth: IsConnected
//   - StateReader: GetState, Changes
//   - Mutator: BeginChanges, CopyEmails, ImportEmails, Mailboxes
//   - Uploader: UploadBlob, PurgeTmpBlobs
type Service interface {
	ServiceHealth
	StateReader
	Mutator
	Uploader

	// Connect opens the store, starts the event bus and initializes plugins.
	Connect(ctx context.Context) error
	// Close waits for in-flight mutations and closes all connections.
	Close(ctx context.Context) error
	// Events returns per-service event instances.
	Events() *ServiceEvents
}

// Connection states for the service.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// service is the default implementation of Service.
type service struct {
	store    store.Store
	blobs    store.BlobStore
	logger   *slog.Logger
	opts     *options
	state    int32
	plugins  *plugins
	otel     *telemetry
	threads  *thread.Resolver
	uploads  *admission.Controller
	limits   admission.Limits
	mutSem   *semaphore.Weighted
	uploadSq atomic.Uint32

	mailboxInit singleflight.Group
	commitLocks sync.Map // store.AccountID -> *sync.Mutex

	eventBus *event.Bus
	events   *ServiceEvents
}

// NewService creates a new service.
// Call Connect() to establish connections to backends.
func NewService(opts ...Option) (Service, error) {
	o := newOptions(opts...)

	if o.store == nil {
		return nil, ErrStoreRequired
	}
	if o.blobs == nil {
		return nil, ErrBlobStoreRequired
	}

	plugins := newPlugins(o.logger, o.plugins)

	tel, err := newTelemetry(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	return &service{
		store:   o.store,
		blobs:   o.blobs,
		logger:  o.logger,
		opts:    o,
		plugins: plugins,
		otel:    tel,
		threads: thread.NewResolver(o.store),
		uploads: admission.NewController(o.upload.concurrency),
		limits:  o.upload.quota,
		mutSem:  semaphore.NewWeighted(int64(o.maxConcurrentMutations)),
	}, nil
}

// Events returns per-service event instances.
func (s *service) Events() *ServiceEvents {
	return s.events
}

// IsConnected returns true if the service is connected and ready.
func (s *service) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

func (s *service) checkConnected() error {
	if atomic.LoadInt32(&s.state) != stateConnected {
		return ErrNotConnected
	}
	return nil
}

// Connect opens the store, starts the event bus and initializes plugins.
// A failed step undoes the ones before it.
func (s *service) Connect(ctx context.Context) (err error) {
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}
	var undo []func()
	defer func() {
		if err == nil {
			atomic.StoreInt32(&s.state, stateConnected)
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		atomic.StoreInt32(&s.state, stateDisconnected)
	}()

	if err := s.store.Connect(ctx); err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	undo = append(undo, func() { s.store.Close(ctx) })

	if err := s.initEventBus(ctx); err != nil {
		return fmt.Errorf("init event bus: %w", err)
	}
	undo = append(undo, func() { s.eventBus.Close(ctx) })

	if err := s.plugins.start(ctx); err != nil {
		return fmt.Errorf("init plugins: %w", err)
	}
	s.logger.Info("mailsync service connected")
	return nil
}

// busSeq keeps event bus names unique within a process.
var busSeq atomic.Int64

// busTransport picks the event transport: an explicit one, Redis streams
// when a client is configured, otherwise in-process delivery only.
func (s *service) busTransport() (transport.Transport, string, error) {
	switch {
	case s.opts.eventTransport != nil:
		return s.opts.eventTransport, "custom", nil
	case s.opts.redisClient != nil:
		t, err := eventredis.New(s.opts.redisClient)
		if err != nil {
			return nil, "", fmt.Errorf("create redis transport: %w", err)
		}
		return t, "redis", nil
	}
	return noop.New(), "noop", nil
}

func (s *service) initEventBus(ctx context.Context) error {
	t, kind, err := s.busTransport()
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s-%d", s.opts.serviceName, busSeq.Add(1))
	bus, err := event.NewBus(name, event.WithTransport(t))
	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	events := newServiceEvents(name)
	if err := registerServiceEvents(ctx, bus, events); err != nil {
		bus.Close(ctx)
		return fmt.Errorf("register service events: %w", err)
	}
	s.eventBus, s.events = bus, events
	s.logger.Debug("event bus ready", "bus", name, "transport", kind)
	return nil
}

// Close waits for in-flight mutations and closes connections.
func (s *service) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	// New mutations fail checkConnected now; acquiring every slot waits for
	// the running ones.
	s.logger.Info("waiting for in-flight mutations to complete...", "timeout", s.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := s.mutSem.Acquire(shutdownCtx, int64(s.opts.maxConcurrentMutations)); err != nil {
		s.logger.Warn("timeout waiting for in-flight mutations, proceeding with shutdown",
			"error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		s.mutSem.Release(int64(s.opts.maxConcurrentMutations))
		s.logger.Info("all in-flight mutations completed")
	}

	if err := s.plugins.stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close plugins: %w", err))
	}

	if s.eventBus != nil && (s.opts.eventTransport != nil || s.opts.redisClient != nil) {
		if err := s.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	if err := s.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	return errors.Join(errs...)
}

// write commits a batch, recording commit telemetry.
func (s *service) write(ctx context.Context, batch *store.Batch) error {
	ctx, op := s.otel.begin(ctx, "commit", attribute.Int("ops", len(batch.Ops)))
	err := s.store.Write(ctx, batch)
	if err == nil {
		op.count(ctx, "written", len(batch.Ops))
	}
	op.end(ctx, err)
	return err
}

// committed notifies plugins and the event bus of a durable state change.
func (s *service) committed(ctx context.Context, sc *store.StateChange) error {
	if !sc.HasChanges() {
		return nil
	}
	s.plugins.afterCommit(ctx, sc)
	return s.publishStateChange(ctx, sc)
}
