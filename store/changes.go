package store

import (
	"encoding/json"
	"slices"
)

// ChangeKind tags a change-log entry.
type ChangeKind uint8

const (
	ChangeInsert ChangeKind = iota + 1
	ChangeUpdate
	ChangeChildUpdate
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeChildUpdate:
		return "childUpdate"
	case ChangeDelete:
		return "delete"
	}
	return "unknown"
}

// Change is one change-log entry. ID is a full object id (see ID), which for
// emails packs the thread id in the high bits.
type Change struct {
	Collection Collection `json:"c"`
	Kind       ChangeKind `json:"k"`
	ID         uint64     `json:"id"`
}

// ChangeLog collects the entries of one mutation. Every entry shares the
// change id allocated when the log was started.
//
// A ChangeLog is not safe for concurrent use.
type ChangeLog struct {
	AccountID AccountID
	ChangeID  ChangeID

	entries []Change
	seen    map[Change]struct{}
}

// NewChangeLog starts a log for an already allocated change id.
func NewChangeLog(account AccountID, id ChangeID) *ChangeLog {
	return &ChangeLog{
		AccountID: account,
		ChangeID:  id,
		seen:      make(map[Change]struct{}),
	}
}

func (l *ChangeLog) log(c Collection, kind ChangeKind, id uint64) *ChangeLog {
	ch := Change{Collection: c, Kind: kind, ID: id}
	if _, dup := l.seen[ch]; dup {
		return l
	}
	l.seen[ch] = struct{}{}
	l.entries = append(l.entries, ch)
	return l
}

// LogInsert records the creation of an object.
func (l *ChangeLog) LogInsert(c Collection, id uint64) *ChangeLog {
	return l.log(c, ChangeInsert, id)
}

// LogUpdate records a modification of an object's own properties.
func (l *ChangeLog) LogUpdate(c Collection, id uint64) *ChangeLog {
	return l.log(c, ChangeUpdate, id)
}

// LogChildUpdate records that an object's children changed (for example a
// thread gaining a message) without the object itself changing.
func (l *ChangeLog) LogChildUpdate(c Collection, id uint64) *ChangeLog {
	return l.log(c, ChangeChildUpdate, id)
}

// LogDelete records the destruction of an object.
func (l *ChangeLog) LogDelete(c Collection, id uint64) *ChangeLog {
	return l.log(c, ChangeDelete, id)
}

// Entries returns the recorded entries in insertion order.
func (l *ChangeLog) Entries() []Change {
	return slices.Clone(l.entries)
}

// Len returns the number of entries.
func (l *ChangeLog) Len() int {
	return len(l.entries)
}

// Collections returns the distinct collections touched, in ascending order.
func (l *ChangeLog) Collections() []Collection {
	var out []Collection
	for _, e := range l.entries {
		if !slices.Contains(out, e.Collection) {
			out = append(out, e.Collection)
		}
	}
	slices.Sort(out)
	return out
}

// EntriesFor returns the entries of one collection.
func (l *ChangeLog) EntriesFor(c Collection) []Change {
	var out []Change
	for _, e := range l.entries {
		if e.Collection == c {
			out = append(out, e)
		}
	}
	return out
}

type changeLogJSON struct {
	AccountID AccountID `json:"accountId"`
	ChangeID  ChangeID  `json:"changeId"`
	Entries   []Change  `json:"entries"`
}

func (l *ChangeLog) MarshalJSON() ([]byte, error) {
	return json.Marshal(changeLogJSON{AccountID: l.AccountID, ChangeID: l.ChangeID, Entries: l.entries})
}

func (l *ChangeLog) UnmarshalJSON(data []byte) error {
	var v changeLogJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*l = *NewChangeLog(v.AccountID, v.ChangeID)
	for _, e := range v.Entries {
		l.log(e.Collection, e.Kind, e.ID)
	}
	return nil
}

// ChangeRecord is the committed portion of one change log for a single collection.
type ChangeRecord struct {
	ChangeID ChangeID
	Entries  []Change
}

// RecordsFor splits a change log into per-collection records, which is how
// backends persist it.
func (l *ChangeLog) RecordsFor() map[Collection]ChangeRecord {
	out := make(map[Collection]ChangeRecord)
	for _, c := range l.Collections() {
		out[c] = ChangeRecord{ChangeID: l.ChangeID, Entries: l.EntriesFor(c)}
	}
	return out
}
