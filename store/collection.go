package store

import (
	"fmt"
	"strconv"
)

// AccountID identifies a tenant namespace. Accounts are created externally.
type AccountID uint32

// DocumentID is unique within an (account, collection) pair.
type DocumentID uint32

// ChangeID is a monotonically increasing per-account version marker.
type ChangeID uint64

// Collection namespaces documents and change logs.
type Collection uint8

const (
	CollectionEmail Collection = iota
	CollectionMailbox
	CollectionThread
	CollectionIdentity
	CollectionEmailSubmission
	CollectionPushSubscription
)

var collectionNames = [...]string{
	CollectionEmail:            "email",
	CollectionMailbox:          "mailbox",
	CollectionThread:           "thread",
	CollectionIdentity:         "identity",
	CollectionEmailSubmission:  "emailSubmission",
	CollectionPushSubscription: "pushSubscription",
}

func (c Collection) String() string {
	if int(c) < len(collectionNames) {
		return collectionNames[c]
	}
	return "collection(" + strconv.Itoa(int(c)) + ")"
}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	return int(c) < len(collectionNames)
}

// ParseCollection returns the collection with the given name.
func ParseCollection(s string) (Collection, error) {
	for i, name := range collectionNames {
		if name == s {
			return Collection(i), nil
		}
	}
	return 0, fmt.Errorf("store: unknown collection %q", s)
}

// TypeState is the object type name used in state change notifications.
type TypeState string

const (
	TypeEmail            TypeState = "Email"
	TypeMailbox          TypeState = "Mailbox"
	TypeThread           TypeState = "Thread"
	TypeEmailDelivery    TypeState = "EmailDelivery"
	TypeEmailSubmission  TypeState = "EmailSubmission"
	TypeIdentity         TypeState = "Identity"
	TypePushSubscription TypeState = "PushSubscription"
)

// AllTypeStates lists every known type in wire order.
var AllTypeStates = []TypeState{
	TypeEmail,
	TypeMailbox,
	TypeThread,
	TypeEmailDelivery,
	TypeEmailSubmission,
	TypeIdentity,
	TypePushSubscription,
}

// ParseTypeState validates a wire type name.
func ParseTypeState(s string) (TypeState, error) {
	for _, t := range AllTypeStates {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("store: unknown type %q", s)
}

// Property names an indexed document attribute.
type Property string

const (
	PropThreadID      Property = "threadId"
	PropMailboxIDs    Property = "mailboxIds"
	PropKeywords      Property = "keywords"
	PropCid           Property = "cid"
	PropReferences    Property = "references"
	PropReceivedAt    Property = "receivedAt"
	PropSubject       Property = "subject"
	PropSize          Property = "size"
	PropBodyStructure Property = "bodyStructure"
	PropName          Property = "name"
	PropRole          Property = "role"
	PropSortOrder     Property = "sortOrder"
)
