package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailsync"
	"github.com/rbaliyan/mailsync/admission"
	"github.com/rbaliyan/mailsync/directory"
	"github.com/rbaliyan/mailsync/store"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// Subprotocol is the websocket subprotocol clients must request.
const Subprotocol = "jmap"

// Result is the outcome of executing a Request.
type Result struct {
	MethodResponses []MethodCall
	SessionState    uint32
	CreatedIDs      map[string]store.ID
}

// RequestHandler executes method calls on behalf of a session. A returned
// *mailsync.RequestError is sent to the client; any other error is logged
// and reported as serverFail.
type RequestHandler interface {
	HandleRequest(ctx context.Context, token directory.AccessToken, req *Request) (*Result, error)
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, token directory.AccessToken, req *Request) (*Result, error)

func (f RequestHandlerFunc) HandleRequest(ctx context.Context, token directory.AccessToken, req *Request) (*Result, error) {
	return f(ctx, token, req)
}

// Authenticator resolves the caller of an upgrade request.
type Authenticator func(r *http.Request) (directory.AccessToken, error)

// Server accepts websocket connections and runs a Session on each.
type Server struct {
	hub      *Hub
	handler  RequestHandler
	auth     Authenticator
	opts     *options
	requests *admission.Controller
}

// NewServer creates a Server publishing hub notifications and executing
// requests with handler.
func NewServer(hub *Hub, handler RequestHandler, auth Authenticator, opts ...Option) *Server {
	o := newOptions(opts...)
	return &Server{
		hub:      hub,
		handler:  handler,
		auth:     auth,
		opts:     o,
		requests: admission.NewController(o.maxConcurrentRequests),
	}
}

// ServeHTTP upgrades authenticated requests and serves the session until
// the connection ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, err := s.auth(r)
	if err != nil {
		s.opts.logger.Debug("websocket authentication failed", "remote", r.RemoteAddr, "error", err)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{Subprotocol}})
	if err != nil {
		s.opts.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	if conn.Subprotocol() != Subprotocol {
		conn.Close(websocket.StatusPolicyViolation, "the jmap subprotocol is required")
		return
	}

	sess := s.NewSession(token)
	if err := sess.Serve(r.Context(), conn); err != nil {
		s.opts.logger.Warn("websocket session ended with error",
			"session_id", sess.ID(), "principal", token.Principal(), "error", err)
		conn.Close(websocket.StatusInternalError, "session error")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// NewSession creates a session for token. Push starts disabled.
func (s *Server) NewSession(token directory.AccessToken) *Session {
	return &Session{
		id:      uuid.New(),
		server:  s,
		token:   token,
		limiter: rate.NewLimiter(s.opts.requestRate, s.opts.requestBurst),
		logger:  s.opts.logger,
	}
}

// Session is one websocket connection.
type Session struct {
	id      uuid.UUID
	server  *Server
	token   directory.AccessToken
	limiter *rate.Limiter
	logger  *slog.Logger

	mu        sync.Mutex
	enabled   bool
	dataTypes []store.TypeState
	pushSeq   uint64
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

// Serve runs the read and push loops on conn until either fails, the peer
// closes, or ctx is done. A normal close returns nil.
func (s *Session) Serve(ctx context.Context, conn *websocket.Conn) error {
	limits := s.server.opts.limits
	if limits.MaxSizeRequest > 0 {
		// Frames up to twice the limit are read and answered with a
		// maxSizeRequest error; larger ones close the connection.
		conn.SetReadLimit(2 * int64(limits.MaxSizeRequest))
	}

	sub := s.server.hub.Subscribe(s.token.Accounts()...)
	defer sub.Close()

	s.logger.Debug("websocket session started",
		"session_id", s.id, "principal", s.token.Principal())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx, conn) })
	g.Go(func() error { return s.pushLoop(gctx, conn, sub) })
	err := g.Wait()

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrSubscriptionClosed) {
		return nil
	}
	return err
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if typ != websocket.MessageText {
			if err := s.writeError(ctx, conn, mailsync.NotJSONError("Binary messages are not supported."), ""); err != nil {
				return err
			}
			continue
		}

		msg, err := ParseMessage(data, s.server.opts.limits)
		if err != nil {
			if err := s.writeError(ctx, conn, err, ""); err != nil {
				return err
			}
			continue
		}

		switch msg.Type {
		case MessageRequest:
			err = s.handleRequest(ctx, conn, msg.Request)
		case MessagePushEnable:
			err = s.enablePush(ctx, conn, msg.PushEnable)
		case MessagePushDisable:
			s.disablePush()
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) handleRequest(ctx context.Context, conn *websocket.Conn, req *Request) error {
	guard, err := s.server.requests.Acquire(s.token.Principal(), s.token.IsSuperUser())
	if err != nil {
		return s.writeError(ctx, conn, mailsync.LimitError(mailsync.LimitConcurrentRequest), req.ID)
	}
	result, err := s.server.handler.HandleRequest(ctx, s.token, req)
	guard.Release()
	if err != nil {
		return s.writeError(ctx, conn, err, req.ID)
	}
	return s.write(ctx, conn, NewResponse(result, req.ID))
}

func (s *Session) enablePush(ctx context.Context, conn *websocket.Conn, enable *PushEnable) error {
	s.mu.Lock()
	s.enabled = true
	s.dataTypes = enable.DataTypes
	current := strconv.FormatUint(s.pushSeq, 16)
	stale := enable.PushState != "" && (s.pushSeq == 0 || enable.PushState != current)
	s.mu.Unlock()

	s.logger.Debug("push enabled",
		"session_id", s.id, "data_types", enable.DataTypes, "push_state", enable.PushState)

	if !stale || s.server.opts.states == nil {
		return nil
	}
	changes, err := s.snapshot(ctx, enable.DataTypes)
	if err != nil {
		s.logger.Warn("failed to read current states for push resume",
			"session_id", s.id, "principal", s.token.Principal(), "error", err)
		return nil
	}
	return s.sendStateChange(ctx, conn, changes)
}

func (s *Session) disablePush() {
	s.mu.Lock()
	s.enabled = false
	s.dataTypes = nil
	s.mu.Unlock()
}

// snapshot reads the current state of every reachable account.
func (s *Session) snapshot(ctx context.Context, types []store.TypeState) ([]*store.StateChange, error) {
	var out []*store.StateChange
	for _, account := range s.token.Accounts() {
		sc := store.NewStateChange(account)
		for _, c := range []store.Collection{store.CollectionEmail, store.CollectionMailbox, store.CollectionThread} {
			t, ok := mailsync.TypeStateOf(c)
			if !ok {
				continue
			}
			st, err := s.server.opts.states.GetState(ctx, account, c)
			if err != nil {
				return nil, fmt.Errorf("state of %s in account %d: %w", c, account, err)
			}
			sc.Types[t] = st
		}
		out = append(out, sc.Filter(types))
	}
	return out, nil
}

func (s *Session) pushLoop(ctx context.Context, conn *websocket.Conn, sub *Subscription) error {
	for {
		changes, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if err := s.sendStateChange(ctx, conn, changes); err != nil {
			return err
		}
	}
}

// sendStateChange writes changes when push is enabled and they intersect
// the enabled data types. Each message sent advances the push state.
func (s *Session) sendStateChange(ctx context.Context, conn *websocket.Conn, changes []*store.StateChange) error {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return nil
	}
	msg := NewStateChange("")
	for _, sc := range changes {
		msg.Add(sc, s.dataTypes)
	}
	if msg.IsEmpty() {
		s.mu.Unlock()
		return nil
	}
	s.pushSeq++
	msg.PushState = strconv.FormatUint(s.pushSeq, 16)
	s.mu.Unlock()

	return s.write(ctx, conn, msg)
}

func (s *Session) writeError(ctx context.Context, conn *websocket.Conn, err error, requestID string) error {
	var re *mailsync.RequestError
	if !errors.As(err, &re) {
		s.logger.Error("websocket request failed",
			"session_id", s.id, "principal", s.token.Principal(), "request_id", requestID, "error", err)
		re = mailsync.InternalServerError(err)
	}
	return s.write(ctx, conn, NewRequestError(re, requestID))
}

func (s *Session) write(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("push: encode %T: %w", v, err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.server.opts.writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
