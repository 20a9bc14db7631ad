// Package push implements the websocket push and sync channel: parsing of
// inbound messages, the outbound wire messages, an in-process hub fanning
// committed state changes out to sessions, and the per-connection session
// loop.
package push

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rbaliyan/mailsync"
	"github.com/rbaliyan/mailsync/store"
)

// Default limits.
const (
	DefaultMaxSizeRequest    = 10_000_000
	DefaultMaxCallsInRequest = 16
)

// Limits bounds inbound messages. Zero values disable the check.
type Limits struct {
	MaxSizeRequest    int
	MaxCallsInRequest int
}

// DefaultLimits returns the default message limits.
func DefaultLimits() Limits {
	return Limits{MaxSizeRequest: DefaultMaxSizeRequest, MaxCallsInRequest: DefaultMaxCallsInRequest}
}

// MessageType is the declared kind of an inbound message.
type MessageType uint8

const (
	MessageUnknown MessageType = iota
	MessageRequest
	MessagePushEnable
	MessagePushDisable
)

func (t MessageType) String() string {
	switch t {
	case MessageRequest:
		return "Request"
	case MessagePushEnable:
		return "WebSocketPushEnable"
	case MessagePushDisable:
		return "WebSocketPushDisable"
	}
	return "unknown"
}

// Message is one parsed inbound message. Exactly one of Request and
// PushEnable is set for the matching Type; PushDisable carries neither.
type Message struct {
	Type       MessageType
	Request    *Request
	PushEnable *PushEnable
}

// PushEnable subscribes the session to state changes of DataTypes (all
// types when empty). PushState is the last token the client saw.
type PushEnable struct {
	DataTypes []store.TypeState
	PushState string
}

// Request is a method-call batch sent over the socket.
type Request struct {
	// ID is the client-supplied request id echoed on the response.
	ID          string
	Using       []string
	MethodCalls []MethodCall
	CreatedIDs  map[string]store.ID
}

// MethodCall is one invocation: a [name, arguments, callId] triple on the wire.
type MethodCall struct {
	Name      string
	Arguments json.RawMessage
	CallID    string
}

func (c MethodCall) MarshalJSON() ([]byte, error) {
	args := c.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return json.Marshal([]any{c.Name, args, c.CallID})
}

func (c *MethodCall) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("method call has %d elements, want 3", len(parts))
	}
	if err := json.Unmarshal(parts[0], &c.Name); err != nil {
		return fmt.Errorf("method name: %w", err)
	}
	if args := bytes.TrimSpace(parts[1]); len(args) == 0 || args[0] != '{' {
		return errors.New("method arguments must be an object")
	}
	c.Arguments = parts[1]
	if err := json.Unmarshal(parts[2], &c.CallID); err != nil {
		return fmt.Errorf("method call id: %w", err)
	}
	return nil
}

type keyKind uint8

const (
	keyForward keyKind = iota
	keyType
	keyDataTypes
	keyPushState
	keyID
	keyUsing
	keyMethodCalls
	keyCreatedIDs
)

var keyKinds = map[string]keyKind{
	"@type":       keyType,
	"dataTypes":   keyDataTypes,
	"pushState":   keyPushState,
	"id":          keyID,
	"using":       keyUsing,
	"methodCalls": keyMethodCalls,
	"createdIds":  keyCreatedIDs,
}

var messageTypes = map[string]MessageType{
	"Request":              MessageRequest,
	"WebSocketPushEnable":  MessagePushEnable,
	"WebSocketPushDisable": MessagePushDisable,
}

// ParseMessage parses one inbound message. Oversized input is rejected with
// a maxSizeRequest limit error before any parsing. The declared @type must
// agree with the keys present: a Request needs at least one request key,
// WebSocketPushEnable needs dataTypes or pushState, and
// WebSocketPushDisable must carry neither.
func ParseMessage(data []byte, limits Limits) (*Message, error) {
	if limits.MaxSizeRequest > 0 && len(data) > limits.MaxSizeRequest {
		return nil, mailsync.LimitError(mailsync.LimitSizeRequest)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, mailsync.NotJSONError("The message is not valid JSON.")
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, mailsync.NotRequestError("The message is not a JSON object.")
	}

	var (
		typ          MessageType
		req          Request
		enable       PushEnable
		foundRequest bool
		foundPush    bool
	)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, mailsync.NotJSONError("The message is not valid JSON.")
		}
		key, _ := tok.(string)

		switch kind := keyKinds[key]; kind {
		case keyType:
			var v string
			if err := dec.Decode(&v); err != nil {
				return nil, decodeError(key, err)
			}
			typ = messageTypes[v]
		case keyDataTypes:
			var names []string
			if err := dec.Decode(&names); err != nil {
				return nil, decodeError(key, err)
			}
			enable.DataTypes = enable.DataTypes[:0]
			for _, name := range names {
				t, err := store.ParseTypeState(name)
				if err != nil {
					return nil, mailsync.NotRequestError(fmt.Sprintf("Invalid dataTypes: %v", err))
				}
				enable.DataTypes = append(enable.DataTypes, t)
			}
			foundPush = true
		case keyPushState:
			var v *string
			if err := dec.Decode(&v); err != nil {
				return nil, decodeError(key, err)
			}
			if v != nil {
				enable.PushState = *v
			}
			foundPush = true
		case keyID:
			var v *string
			if err := dec.Decode(&v); err != nil {
				return nil, decodeError(key, err)
			}
			if v != nil {
				req.ID = *v
			}
		default:
			found, err := req.parseKey(dec, kind, key, limits)
			if err != nil {
				return nil, err
			}
			foundRequest = foundRequest || found
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, mailsync.NotJSONError("The message is not valid JSON.")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, mailsync.NotJSONError("Unexpected data after the message.")
	}

	switch {
	case typ == MessageRequest && foundRequest:
		return &Message{Type: typ, Request: &req}, nil
	case typ == MessagePushEnable && foundPush:
		return &Message{Type: typ, PushEnable: &enable}, nil
	case typ == MessagePushDisable && !foundRequest && !foundPush:
		return &Message{Type: typ}, nil
	}
	return nil, mailsync.NotRequestError("Invalid WebSocket JMAP request")
}

// parseKey decodes a key of the embedded request grammar. Keys the grammar
// does not know are skipped. It reports whether key was a request key.
func (r *Request) parseKey(dec *json.Decoder, kind keyKind, key string, limits Limits) (bool, error) {
	switch kind {
	case keyUsing:
		if err := dec.Decode(&r.Using); err != nil {
			return false, decodeError(key, err)
		}
	case keyMethodCalls:
		if err := dec.Decode(&r.MethodCalls); err != nil {
			return false, decodeError(key, err)
		}
		if limits.MaxCallsInRequest > 0 && len(r.MethodCalls) > limits.MaxCallsInRequest {
			return false, mailsync.LimitError(mailsync.LimitCallsInRequest)
		}
	case keyCreatedIDs:
		if err := dec.Decode(&r.CreatedIDs); err != nil {
			return false, decodeError(key, err)
		}
	default:
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return false, decodeError(key, err)
		}
		return false, nil
	}
	return true, nil
}

func decodeError(key string, err error) error {
	var syntax *json.SyntaxError
	if errors.As(err, &syntax) || errors.Is(err, io.ErrUnexpectedEOF) {
		return mailsync.NotJSONError("The message is not valid JSON.")
	}
	return mailsync.NotRequestError(fmt.Sprintf("Invalid %s: %v", key, err))
}
