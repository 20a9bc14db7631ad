package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strings"

	"github.com/rbaliyan/mailsync"
	"github.com/rbaliyan/mailsync/directory"
	"github.com/rbaliyan/mailsync/push"
	"github.com/rbaliyan/mailsync/store"
	"golang.org/x/crypto/bcrypt"
)

var (
	errNoCredentials  = errors.New("mailsyncd: missing credentials")
	errBadCredentials = errors.New("mailsyncd: invalid credentials")
)

// basicAuth checks HTTP Basic credentials against the configured secrets.
// A secret starting with "$2" is a bcrypt hash; principals without a secret
// cannot log in.
func basicAuth(dir directory.Directory, secrets map[string]string) push.Authenticator {
	return func(r *http.Request) (directory.AccessToken, error) {
		login, password, ok := r.BasicAuth()
		if !ok {
			return nil, errNoCredentials
		}
		want := secrets[login]
		if want == "" {
			return nil, errBadCredentials
		}
		if strings.HasPrefix(want, "$2") {
			if bcrypt.CompareHashAndPassword([]byte(want), []byte(password)) != nil {
				return nil, errBadCredentials
			}
		} else if subtle.ConstantTimeCompare([]byte(password), []byte(want)) != 1 {
			return nil, errBadCredentials
		}
		return dir.Resolve(r.Context(), login)
	}
}

// methodFunc runs one method call. created collects creation ids assigned
// by the call.
type methodFunc func(ctx context.Context, token directory.AccessToken, args json.RawMessage, created map[string]store.ID) (any, error)

// methods executes the mail methods the daemon serves over the push socket.
type methods struct {
	svc          mailsync.Service
	logger       *slog.Logger
	sessionState uint32
	table        map[string]methodFunc
}

func newMethods(svc mailsync.Service, logger *slog.Logger, sessionState uint32) *methods {
	m := &methods{svc: svc, logger: logger, sessionState: sessionState}
	m.table = map[string]methodFunc{
		"Email/copy":      m.copyEmails,
		"Email/import":    m.importEmails,
		"Email/changes":   m.changes(store.CollectionEmail),
		"Mailbox/changes": m.changes(store.CollectionMailbox),
		"Thread/changes":  m.changes(store.CollectionThread),
		"Mailbox/get":     m.mailboxes,
	}
	return m
}

var _ push.RequestHandler = (*methods)(nil)

// HandleRequest runs the calls of req in order. A method failure becomes an
// error response for that call only; a request error aborts the request.
func (m *methods) HandleRequest(ctx context.Context, token directory.AccessToken, req *push.Request) (*push.Result, error) {
	result := &push.Result{
		MethodResponses: make([]push.MethodCall, 0, len(req.MethodCalls)),
		SessionState:    m.sessionState,
	}
	created := maps.Clone(req.CreatedIDs)
	if created == nil {
		created = make(map[string]store.ID)
	}

	for _, call := range req.MethodCalls {
		fn, ok := m.table[call.Name]
		if !ok {
			result.MethodResponses = append(result.MethodResponses,
				m.errorResponse(call, &mailsync.MethodError{Type: mailsync.MethodUnknownMethod}))
			continue
		}
		out, err := fn(ctx, token, call.Arguments, created)
		if err != nil {
			var re *mailsync.RequestError
			if errors.As(err, &re) {
				return nil, re
			}
			result.MethodResponses = append(result.MethodResponses, m.errorResponse(call, err))
			continue
		}
		resp, err := m.response(call.Name, call.CallID, out)
		if err != nil {
			return nil, err
		}
		result.MethodResponses = append(result.MethodResponses, resp)

		if cr, ok := out.(*mailsync.CopyResponse); ok && cr.NextCall != nil {
			result.MethodResponses = append(result.MethodResponses, m.implicitSet(ctx, token, call.CallID, cr.NextCall, created))
		}
	}

	if req.CreatedIDs != nil || len(created) > 0 {
		result.CreatedIDs = created
	}
	return result, nil
}

// implicitSet runs the destroy call produced by a copy with
// onSuccessDestroyOriginal.
func (m *methods) implicitSet(ctx context.Context, token directory.AccessToken, callID string, next *mailsync.SetRequest, created map[string]store.ID) push.MethodCall {
	call := push.MethodCall{Name: "Email/set", CallID: callID}
	fn, ok := m.table[call.Name]
	if !ok {
		m.logger.Warn("copy asked to destroy originals but Email/set is not served",
			"account_id", next.AccountID.String(), "count", len(next.Destroy))
		return m.errorResponse(call, &mailsync.MethodError{Type: mailsync.MethodUnknownMethod})
	}
	args, err := json.Marshal(next)
	if err != nil {
		return m.errorResponse(call, err)
	}
	out, err := fn(ctx, token, args, created)
	if err != nil {
		return m.errorResponse(call, err)
	}
	resp, err := m.response(call.Name, callID, out)
	if err != nil {
		return m.errorResponse(call, err)
	}
	return resp
}

func (m *methods) response(name, callID string, out any) (push.MethodCall, error) {
	raw, err := json.Marshal(out)
	if err != nil {
		return push.MethodCall{}, fmt.Errorf("encode %s response: %w", name, err)
	}
	return push.MethodCall{Name: name, Arguments: raw, CallID: callID}, nil
}

// errorResponse encodes err as a method error. Causes are logged, never
// sent.
func (m *methods) errorResponse(call push.MethodCall, err error) push.MethodCall {
	var me *mailsync.MethodError
	if !errors.As(err, &me) {
		me = &mailsync.MethodError{Type: mailsync.MethodServerFail, Err: err}
	}
	if me.Err != nil {
		m.logger.Error("method failed", "method", call.Name, "call_id", call.CallID, "type", string(me.Type), "error", me.Err)
	}
	raw, _ := json.Marshal(me)
	return push.MethodCall{Name: "error", Arguments: raw, CallID: call.CallID}
}

func invalidArguments(err error) *mailsync.MethodError {
	return &mailsync.MethodError{Type: mailsync.MethodInvalidArguments, Description: err.Error()}
}

// account resolves a wire account id the caller can reach.
func account(token directory.AccessToken, id store.ID) (store.AccountID, error) {
	if id.Prefix() != 0 {
		return 0, &mailsync.MethodError{Type: mailsync.MethodAccountNotFound}
	}
	acct := store.AccountID(id.DocumentID())
	if !token.IsSuperUser() && !token.IsMember(acct) && !token.IsShared(acct) {
		return 0, &mailsync.MethodError{Type: mailsync.MethodAccountNotFound}
	}
	return acct, nil
}

func (m *methods) copyEmails(ctx context.Context, token directory.AccessToken, args json.RawMessage, created map[string]store.ID) (any, error) {
	var req mailsync.CopyRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, invalidArguments(err)
	}
	resp, err := m.svc.CopyEmails(ctx, token, &req)
	if err != nil {
		return nil, err
	}
	for key, c := range resp.Created.All() {
		created[key] = c.ID
	}
	return resp, nil
}

func (m *methods) importEmails(ctx context.Context, token directory.AccessToken, args json.RawMessage, created map[string]store.ID) (any, error) {
	var req mailsync.ImportRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, invalidArguments(err)
	}
	resp, err := m.svc.ImportEmails(ctx, token, &req)
	if err != nil {
		return nil, err
	}
	for key, c := range resp.Created.All() {
		created[key] = c.ID
	}
	return resp, nil
}

type changesArgs struct {
	AccountID  store.ID    `json:"accountId"`
	SinceState store.State `json:"sinceState"`
	MaxChanges int         `json:"maxChanges"`
}

type changesResult struct {
	AccountID store.ID `json:"accountId"`
	*mailsync.ChangesResponse
}

func (m *methods) changes(c store.Collection) methodFunc {
	return func(ctx context.Context, token directory.AccessToken, args json.RawMessage, _ map[string]store.ID) (any, error) {
		var in changesArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, invalidArguments(err)
		}
		if in.MaxChanges < 0 {
			return nil, &mailsync.MethodError{Type: mailsync.MethodInvalidArguments, Description: "maxChanges must not be negative"}
		}
		acct, err := account(token, in.AccountID)
		if err != nil {
			return nil, err
		}
		resp, err := m.svc.Changes(ctx, &mailsync.ChangesRequest{
			AccountID:  acct,
			Collection: c,
			SinceState: in.SinceState,
			MaxChanges: in.MaxChanges,
		})
		if err != nil {
			return nil, err
		}
		return changesResult{AccountID: in.AccountID, ChangesResponse: resp}, nil
	}
}

type mailboxEntry struct {
	ID store.ID `json:"id"`
}

type mailboxesResult struct {
	AccountID store.ID       `json:"accountId"`
	State     store.State    `json:"state"`
	List      []mailboxEntry `json:"list"`
	NotFound  []store.ID     `json:"notFound"`
}

// mailboxes lists mailbox ids, creating the default set on first use.
func (m *methods) mailboxes(ctx context.Context, token directory.AccessToken, args json.RawMessage, _ map[string]store.ID) (any, error) {
	var in struct {
		AccountID store.ID `json:"accountId"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, invalidArguments(err)
	}
	acct, err := account(token, in.AccountID)
	if err != nil {
		return nil, err
	}
	ids, err := m.svc.Mailboxes(ctx, acct)
	if err != nil {
		return nil, err
	}
	state, err := m.svc.GetState(ctx, acct, store.CollectionMailbox)
	if err != nil {
		return nil, err
	}
	out := mailboxesResult{AccountID: in.AccountID, State: state, NotFound: []store.ID{}}
	out.List = make([]mailboxEntry, 0, ids.Len())
	for _, id := range ids.IDs() {
		out.List = append(out.List, mailboxEntry{ID: store.IDFromDocument(id)})
	}
	return out, nil
}

// uploadHandler serves POST <upload path>{accountId}.
func uploadHandler(svc mailsync.Uploader, auth push.Authenticator, maxSize int64, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="mailsync"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		id, err := store.ParseID(r.PathValue("accountId"))
		if err != nil || id.Prefix() != 0 {
			writeProblem(w, &mailsync.RequestError{
				Type:   mailsync.RequestNotRequest,
				Status: http.StatusNotFound,
				Detail: "Unknown account.",
			})
			return
		}

		body := r.Body
		if maxSize > 0 {
			body = http.MaxBytesReader(w, r.Body, maxSize+1)
		}
		data, err := io.ReadAll(body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				e := mailsync.LimitError(mailsync.LimitSizeUpload)
				e.Detail = fmt.Sprintf("The upload exceeds the maximum size of %d bytes.", maxSize)
				writeProblem(w, e)
				return
			}
			logger.Warn("failed to read upload body", "principal", token.Principal(), "error", err)
			writeProblem(w, mailsync.NotRequestError("The upload body could not be read."))
			return
		}

		resp, err := svc.UploadBlob(r.Context(), token, store.AccountID(id.DocumentID()), r.Header.Get("Content-Type"), data)
		if err != nil {
			var re *mailsync.RequestError
			if !errors.As(err, &re) {
				logger.Error("upload failed", "principal", token.Principal(), "account_id", id.String(), "error", err)
				re = mailsync.InternalServerError(err)
			}
			writeProblem(w, re)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(resp)
	})
}

func writeProblem(w http.ResponseWriter, e *mailsync.RequestError) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(e.Status)
	json.NewEncoder(w).Encode(e)
}

// healthHandler reports whether the service is connected.
func healthHandler(svc mailsync.ServiceHealth) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !svc.IsConnected() {
			http.Error(w, "not connected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok\n")
	})
}
