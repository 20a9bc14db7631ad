package push

import (
	"encoding/json"
	"testing"

	"github.com/rbaliyan/mailsync"
	"github.com/rbaliyan/mailsync/store"
)

func encode(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal(%T): %v", v, err)
	}
	return string(data)
}

func TestResponseEncoding(t *testing.T) {
	tests := []struct {
		name   string
		result *Result
		reqID  string
		want   string
	}{
		{
			name: "full",
			result: &Result{
				MethodResponses: []MethodCall{{Name: "Core/echo", Arguments: json.RawMessage(`{"hello":true}`), CallID: "c1"}},
				SessionState:    0x1f,
				CreatedIDs:      map[string]store.ID{"k2": 2, "k1": 1},
			},
			reqID: "r1",
			want:  `{"@type":"Response","methodResponses":[["Core/echo",{"hello":true},"c1"]],"sessionState":"1f","createdIds":{"k1":"b","k2":"c"},"requestId":"r1"}`,
		},
		{
			name:   "optional fields omitted",
			result: &Result{},
			want:   `{"@type":"Response","methodResponses":[],"sessionState":"0"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := encode(t, NewResponse(tt.result, tt.reqID)); got != tt.want {
				t.Errorf("got  %s\nwant %s", got, tt.want)
			}
		})
	}
}

func TestStateChangeEncoding(t *testing.T) {
	msg := NewStateChange("3")
	msg.Add(store.NewStateChange(2).WithChange(store.TypeMailbox, 9), nil)
	msg.Add(store.NewStateChange(1).WithChange(store.TypeMailbox, 5).WithChange(store.TypeEmail, 5), nil)
	msg.Add(store.NewStateChange(1).WithChange(store.TypeEmail, 4), nil)

	want := `{"@type":"StateChange","changed":{"b":{"Email":"s5","Mailbox":"s5"},"c":{"Mailbox":"s9"}},"pushState":"3"}`
	if got := encode(t, msg); got != want {
		t.Errorf("got  %s\nwant %s", got, want)
	}

	t.Run("filtered by data types", func(t *testing.T) {
		msg := NewStateChange("")
		msg.Add(store.NewStateChange(1).WithChange(store.TypeMailbox, 5).WithChange(store.TypeEmail, 5), []store.TypeState{store.TypeEmail})
		msg.Add(store.NewStateChange(2).WithChange(store.TypeThread, 6), []store.TypeState{store.TypeEmail})
		want := `{"@type":"StateChange","changed":{"b":{"Email":"s5"}}}`
		if got := encode(t, msg); got != want {
			t.Errorf("got  %s\nwant %s", got, want)
		}
	})

	t.Run("empty", func(t *testing.T) {
		msg := NewStateChange("")
		msg.Add(store.NewStateChange(1), nil)
		if !msg.IsEmpty() {
			t.Error("expected empty notification")
		}
	})
}

func TestRequestErrorEncoding(t *testing.T) {
	tests := []struct {
		name  string
		err   *mailsync.RequestError
		reqID string
		want  string
	}{
		{
			name: "limit",
			err:  mailsync.LimitError(mailsync.LimitSizeRequest),
			want: `{"@type":"RequestError","type":"urn:ietf:params:jmap:error:limit","limit":"maxSizeRequest","status":400,"detail":"The request is larger than the server is willing to process."}`,
		},
		{
			name:  "not request with id",
			err:   mailsync.NotRequestError("Invalid WebSocket JMAP request"),
			reqID: "r7",
			want:  `{"@type":"RequestError","type":"urn:ietf:params:jmap:error:notRequest","status":400,"detail":"Invalid WebSocket JMAP request","requestId":"r7"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := encode(t, NewRequestError(tt.err, tt.reqID)); got != tt.want {
				t.Errorf("got  %s\nwant %s", got, tt.want)
			}
		})
	}
}
