package mailsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/rbaliyan/mailsync/store"
)

// OrderedMap is a JSON object that keeps its keys in insertion order.
// Creation ids are answered in the order the client sent them.
type OrderedMap[V any] struct {
	keys   []string
	values map[string]V
}

// Set stores v under key. A new key is appended; an existing key keeps its
// position.
func (m *OrderedMap[V]) Set(key string, v V) {
	if m.values == nil {
		m.values = make(map[string]V)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

// Get returns the value stored under key.
func (m *OrderedMap[V]) Get(key string) (V, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Len returns the number of keys.
func (m *OrderedMap[V]) Len() int {
	return len(m.keys)
}

// Keys returns the keys in order.
func (m *OrderedMap[V]) Keys() []string {
	return append([]string(nil), m.keys...)
}

// All iterates the entries in order.
func (m *OrderedMap[V]) All() iter.Seq2[string, V] {
	return func(yield func(string, V) bool) {
		for _, k := range m.keys {
			if !yield(k, m.values[k]) {
				return
			}
		}
	}
}

func (m OrderedMap[V]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *OrderedMap[V]) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*m = OrderedMap[V]{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("mailsync: expected object, got %v", tok)
	}
	out := OrderedMap[V]{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("mailsync: expected object key, got %v", tok)
		}
		var v V
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("mailsync: key %q: %w", key, err)
		}
		out.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*m = out
	return nil
}

// CopyProperty is one property patch of a copy item, kept in request order.
type CopyProperty struct {
	Name  string
	Value json.RawMessage
}

// CopyItem is one entry of a copy request's create map.
type CopyItem struct {
	// ID is the source message in the from account.
	ID store.ID
	// Properties are the overrides applied to the copy.
	Properties []CopyProperty
}

func (c *CopyItem) UnmarshalJSON(data []byte) error {
	var raw OrderedMap[json.RawMessage]
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = CopyItem{}
	hasID := false
	for name, v := range raw.All() {
		if name == "id" {
			if err := json.Unmarshal(v, &c.ID); err != nil {
				return fmt.Errorf("mailsync: copy item id: %w", err)
			}
			hasID = true
			continue
		}
		c.Properties = append(c.Properties, CopyProperty{Name: name, Value: v})
	}
	if !hasID {
		return fmt.Errorf("mailsync: copy item without id")
	}
	return nil
}

func (c CopyItem) MarshalJSON() ([]byte, error) {
	var m OrderedMap[json.RawMessage]
	id, err := json.Marshal(c.ID)
	if err != nil {
		return nil, err
	}
	m.Set("id", id)
	for _, p := range c.Properties {
		m.Set(p.Name, p.Value)
	}
	return json.Marshal(m)
}

// CopyRequest copies messages from one account into another.
type CopyRequest struct {
	FromAccountID store.ID     `json:"fromAccountId"`
	IfFromInState *store.State `json:"ifFromInState,omitempty"`
	AccountID     store.ID     `json:"accountId"`
	IfInState     *store.State `json:"ifInState,omitempty"`
	// Create is keyed by client creation id.
	Create                   OrderedMap[CopyItem] `json:"create"`
	OnSuccessDestroyOriginal bool                 `json:"onSuccessDestroyOriginal,omitempty"`
	DestroyFromIfInState     *store.State         `json:"destroyFromIfInState,omitempty"`
}

// SetRequest is the follow-up call that destroys copied originals.
type SetRequest struct {
	AccountID store.ID     `json:"accountId"`
	IfInState *store.State `json:"ifInState,omitempty"`
	Destroy   []store.ID   `json:"destroy"`
}

// EmailCreated describes one copied message.
type EmailCreated struct {
	ID       store.ID `json:"id"`
	BlobID   string   `json:"blobId"`
	ThreadID store.ID `json:"threadId"`
	Size     int64    `json:"size"`
}

// CopyResponse reports per-item results of a copy in request order.
type CopyResponse struct {
	FromAccountID store.ID                  `json:"fromAccountId"`
	AccountID     store.ID                  `json:"accountId"`
	OldState      store.State               `json:"oldState"`
	NewState      store.State               `json:"newState"`
	Created       OrderedMap[*EmailCreated] `json:"created"`
	NotCreated    OrderedMap[*SetError]     `json:"notCreated"`
	StateChange   *store.StateChange        `json:"-"`
	NextCall      *SetRequest               `json:"-"`
}

// EmailMetadata is the stored description of a message body, kept as the
// bodyStructure property.
type EmailMetadata struct {
	Size       int64     `json:"size"`
	Subject    string    `json:"subject,omitempty"`
	MessageID  []string  `json:"messageId,omitempty"`
	InReplyTo  []string  `json:"inReplyTo,omitempty"`
	References []string  `json:"references,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
	// BlobID addresses the body. Empty means the maildir blob of the document.
	BlobID string `json:"blobId,omitempty"`
}

// ReferenceIDs returns every message id the message points at, including
// its own, in header order.
func (m *EmailMetadata) ReferenceIDs() []string {
	refs := make([]string, 0, len(m.MessageID)+len(m.InReplyTo)+len(m.References))
	refs = append(refs, m.MessageID...)
	refs = append(refs, m.InReplyTo...)
	refs = append(refs, m.References...)
	return refs
}

// accountOf converts a wire account id.
func accountOf(id store.ID) (store.AccountID, bool) {
	if id.Prefix() != 0 {
		return 0, false
	}
	return store.AccountID(id.DocumentID()), true
}

// accountID returns the wire form of an account.
func accountID(a store.AccountID) store.ID {
	return store.IDFromDocument(store.DocumentID(a))
}
