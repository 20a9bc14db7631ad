package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// State is a point in an account's mutation history for one collection.
// The zero value is the initial state (no changes yet).
type State struct {
	exact bool
	id    ChangeID
}

// InitialState returns the state of a collection that has never changed.
func InitialState() State {
	return State{}
}

// ExactState returns the state reached by the given change id.
func ExactState(id ChangeID) State {
	return State{exact: true, id: id}
}

// IsInitial reports whether no change has been committed.
func (s State) IsInitial() bool {
	return !s.exact
}

// ChangeID returns the change id and true for exact states.
func (s State) ChangeID() (ChangeID, bool) {
	return s.id, s.exact
}

// Equal reports whether both states name the same point in history.
func (s State) Equal(other State) bool {
	return s == other
}

// Compare orders states: initial sorts before every exact state.
func (s State) Compare(other State) int {
	switch {
	case !s.exact && !other.exact:
		return 0
	case !s.exact:
		return -1
	case !other.exact:
		return 1
	case s.id < other.id:
		return -1
	case s.id > other.id:
		return 1
	}
	return 0
}

// String returns the wire form: "n" for initial, "s" plus hex for exact.
func (s State) String() string {
	if !s.exact {
		return "n"
	}
	return "s" + strconv.FormatUint(uint64(s.id), 16)
}

// ParseState parses the wire form produced by String.
func ParseState(v string) (State, error) {
	switch {
	case v == "n":
		return InitialState(), nil
	case len(v) > 1 && v[0] == 's':
		id, err := strconv.ParseUint(v[1:], 16, 64)
		if err != nil {
			return State{}, fmt.Errorf("%w: %q", ErrInvalidState, v)
		}
		return ExactState(ChangeID(id)), nil
	}
	return State{}, fmt.Errorf("%w: %q", ErrInvalidState, v)
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	parsed, err := ParseState(strings.TrimSpace(v))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// StateChange maps an account to the states reached by each type after a commit.
type StateChange struct {
	AccountID AccountID
	Types     map[TypeState]State
}

// NewStateChange returns an empty notification for the account.
func NewStateChange(account AccountID) *StateChange {
	return &StateChange{AccountID: account, Types: make(map[TypeState]State)}
}

// WithChange records the change id reached by a type.
func (c *StateChange) WithChange(t TypeState, id ChangeID) *StateChange {
	c.Types[t] = ExactState(id)
	return c
}

// HasChanges reports whether any type was recorded.
func (c *StateChange) HasChanges() bool {
	return c != nil && len(c.Types) > 0
}

// Filter returns a copy restricted to the given types. An empty filter keeps everything.
func (c *StateChange) Filter(types []TypeState) *StateChange {
	out := NewStateChange(c.AccountID)
	if len(types) == 0 {
		for t, s := range c.Types {
			out.Types[t] = s
		}
		return out
	}
	for _, t := range types {
		if s, ok := c.Types[t]; ok {
			out.Types[t] = s
		}
	}
	return out
}

// stateChangeJSON is the encoded form used on the event bus.
type stateChangeJSON struct {
	AccountID AccountID           `json:"accountId"`
	Types     map[TypeState]State `json:"types"`
}

func (c StateChange) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateChangeJSON{AccountID: c.AccountID, Types: c.Types})
}

func (c *StateChange) UnmarshalJSON(data []byte) error {
	var v stateChangeJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	c.AccountID = v.AccountID
	c.Types = v.Types
	if c.Types == nil {
		c.Types = make(map[TypeState]State)
	}
	return nil
}
