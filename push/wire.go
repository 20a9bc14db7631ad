package push

import (
	"encoding/json"
	"strconv"

	"github.com/rbaliyan/mailsync"
	"github.com/rbaliyan/mailsync/store"
)

// SessionState is the server session version, encoded as lowercase hex.
type SessionState uint32

func (s SessionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(s), 16))
}

// Response answers a Request.
type Response struct {
	Type            string              `json:"@type"`
	MethodResponses []MethodCall        `json:"methodResponses"`
	SessionState    SessionState        `json:"sessionState"`
	CreatedIDs      map[string]store.ID `json:"createdIds,omitempty"`
	RequestID       string              `json:"requestId,omitempty"`
}

// NewResponse wraps a handler result for the request with id requestID.
func NewResponse(result *Result, requestID string) *Response {
	resp := &Response{
		Type:            "Response",
		MethodResponses: result.MethodResponses,
		SessionState:    SessionState(result.SessionState),
		CreatedIDs:      result.CreatedIDs,
		RequestID:       requestID,
	}
	if resp.MethodResponses == nil {
		resp.MethodResponses = []MethodCall{}
	}
	return resp
}

// StateChange notifies a session of the states reached by committed
// mutations, keyed by account then type.
type StateChange struct {
	Type      string                                       `json:"@type"`
	Changed   map[store.ID]map[store.TypeState]store.State `json:"changed"`
	PushState string                                       `json:"pushState,omitempty"`
}

// NewStateChange returns an empty notification carrying pushState.
func NewStateChange(pushState string) *StateChange {
	return &StateChange{
		Type:      "StateChange",
		Changed:   make(map[store.ID]map[store.TypeState]store.State),
		PushState: pushState,
	}
}

// Add merges the types of sc, restricted to types when non-empty.
func (m *StateChange) Add(sc *store.StateChange, types []store.TypeState) {
	filtered := sc.Filter(types)
	if !filtered.HasChanges() {
		return
	}
	key := store.IDFromDocument(store.DocumentID(sc.AccountID))
	dst := m.Changed[key]
	if dst == nil {
		dst = make(map[store.TypeState]store.State, len(filtered.Types))
		m.Changed[key] = dst
	}
	for t, s := range filtered.Types {
		if cur, ok := dst[t]; !ok || cur.Compare(s) < 0 {
			dst[t] = s
		}
	}
}

// IsEmpty reports whether no account carries a change.
func (m *StateChange) IsEmpty() bool {
	return len(m.Changed) == 0
}

// RequestError reports a rejected message.
type RequestError struct {
	Type      string                    `json:"@type"`
	ErrorType mailsync.RequestErrorType `json:"type"`
	Limit     string                    `json:"limit,omitempty"`
	Status    int                       `json:"status"`
	Detail    string                    `json:"detail"`
	RequestID string                    `json:"requestId,omitempty"`
}

// NewRequestError converts err for the request with id requestID.
func NewRequestError(err *mailsync.RequestError, requestID string) *RequestError {
	return &RequestError{
		Type:      "RequestError",
		ErrorType: err.Type,
		Limit:     err.Limit,
		Status:    err.Status,
		Detail:    err.Detail,
		RequestID: requestID,
	}
}
