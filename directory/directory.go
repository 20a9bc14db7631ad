// Package directory defines the identity collaborator consulted by the
// service: principals resolve to an AccessToken describing what they may
// read and write.
package directory

import (
	"context"
	"errors"

	"github.com/rbaliyan/mailsync/store"
)

// Sentinel errors.
var (
	// ErrPrincipalNotFound is returned when a login has no principal.
	ErrPrincipalNotFound = errors.New("directory: principal not found")

	// ErrListNotFound is returned when a lookup names an unknown list.
	ErrListNotFound = errors.New("directory: list not found")
)

// DefaultSuperUserGroup is the group whose members are super users.
const DefaultSuperUserGroup = "superusers"

// ACL is a permission on shared documents.
type ACL uint8

const (
	ACLReadItems ACL = iota + 1
	ACLAddItems
	ACLRemoveItems
	ACLModifyItems
)

func (a ACL) String() string {
	switch a {
	case ACLReadItems:
		return "readItems"
	case ACLAddItems:
		return "addItems"
	case ACLRemoveItems:
		return "removeItems"
	case ACLModifyItems:
		return "modifyItems"
	}
	return "unknown"
}

// AccessToken is the resolved identity of a caller.
type AccessToken interface {
	// Principal identifies the caller for concurrency limits and logs.
	Principal() string
	// PrimaryAccount is the caller's own account.
	PrimaryAccount() store.AccountID
	IsSuperUser() bool
	// Accounts lists every account the caller can reach, primary first.
	Accounts() []store.AccountID
	// IsMember reports whether the caller owns or fully belongs to account.
	IsMember(account store.AccountID) bool
	// IsShared reports whether the caller reaches account only through
	// per-document grants.
	IsShared(account store.AccountID) bool
	// SharedDocuments returns the documents of a shared account the caller
	// holds acl on. Returns an empty set for accounts that are not shared.
	SharedDocuments(account store.AccountID, c store.Collection, acl ACL) *store.DocumentSet
	// Quota is the caller's byte quota on account. 0 is unlimited.
	Quota(account store.AccountID) int64
}

// Directory resolves logins and answers list lookups.
type Directory interface {
	Resolve(ctx context.Context, login string) (AccessToken, error)
	Lookup(ctx context.Context, list, value string) (bool, error)
}
