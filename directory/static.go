package directory

import (
	"bufio"
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/rbaliyan/mailsync/store"
)

// Grant gives a principal acl on documents of a shared account.
type Grant struct {
	Account    store.AccountID
	Collection store.Collection
	ACL        ACL
	Documents  []store.DocumentID
}

// Principal is a static directory entry.
type Principal struct {
	Login   string
	Account store.AccountID
	Groups  []string
	// Members lists additional accounts the principal fully belongs to.
	Members []store.AccountID
	Grants  []Grant
	Quota   int64
}

// Static is a map-based Directory for testing and simple deployments.
// Safe for concurrent use (read-only after creation).
type Static struct {
	principals map[string]*Token
	lists      map[string]map[string]struct{}
}

// StaticOption configures a Static directory.
type StaticOption func(*staticOptions)

type staticOptions struct {
	superUserGroup string
	lists          map[string][]string
}

// WithSuperUserGroup names the group whose members are super users.
func WithSuperUserGroup(group string) StaticOption {
	return func(o *staticOptions) {
		if group != "" {
			o.superUserGroup = group
		}
	}
}

// WithList adds a lookup list. Values of the form "file://path" are
// replaced by the non-empty trimmed lines of that file.
func WithList(name string, values ...string) StaticOption {
	return func(o *staticOptions) {
		o.lists[name] = append(o.lists[name], values...)
	}
}

// NewStatic creates a Static directory. The principals are copied.
func NewStatic(principals []Principal, opts ...StaticOption) (*Static, error) {
	o := &staticOptions{superUserGroup: DefaultSuperUserGroup, lists: make(map[string][]string)}
	for _, opt := range opts {
		opt(o)
	}

	s := &Static{
		principals: make(map[string]*Token, len(principals)),
		lists:      make(map[string]map[string]struct{}, len(o.lists)),
	}
	for _, p := range principals {
		if p.Login == "" {
			return nil, fmt.Errorf("directory: principal for account %d has no login", p.Account)
		}
		if _, dup := s.principals[p.Login]; dup {
			return nil, fmt.Errorf("directory: duplicate login %q", p.Login)
		}
		s.principals[p.Login] = newToken(p, slices.Contains(p.Groups, o.superUserGroup))
	}
	for name, values := range o.lists {
		set, err := loadList(name, values)
		if err != nil {
			return nil, err
		}
		s.lists[name] = set
	}
	return s, nil
}

func loadList(name string, values []string) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	for _, v := range values {
		path, ok := strings.CutPrefix(v, "file://")
		if !ok {
			set[v] = struct{}{}
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("directory: read list %q: %w", name, err)
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				set[line] = struct{}{}
			}
		}
		err = sc.Err()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("directory: read list %q: %w", name, err)
		}
	}
	return set, nil
}

// Resolve returns the token of login.
func (s *Static) Resolve(_ context.Context, login string) (AccessToken, error) {
	t, ok := s.principals[login]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPrincipalNotFound, login)
	}
	return t, nil
}

// Lookup reports whether value is in the named list.
func (s *Static) Lookup(_ context.Context, list, value string) (bool, error) {
	set, ok := s.lists[list]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrListNotFound, list)
	}
	_, found := set[value]
	return found, nil
}

type grantKey struct {
	account    store.AccountID
	collection store.Collection
	acl        ACL
}

// Token is the AccessToken of a static principal.
type Token struct {
	login     string
	account   store.AccountID
	superUser bool
	members   map[store.AccountID]struct{}
	grants    map[grantKey]*store.DocumentSet
	quota     int64
}

var _ AccessToken = (*Token)(nil)

func newToken(p Principal, superUser bool) *Token {
	t := &Token{
		login:     p.Login,
		account:   p.Account,
		superUser: superUser,
		members:   map[store.AccountID]struct{}{p.Account: {}},
		grants:    make(map[grantKey]*store.DocumentSet),
		quota:     p.Quota,
	}
	for _, a := range p.Members {
		t.members[a] = struct{}{}
	}
	docs := make(map[grantKey][]store.DocumentID)
	for _, g := range p.Grants {
		k := grantKey{g.Account, g.Collection, g.ACL}
		docs[k] = append(docs[k], g.Documents...)
	}
	for k, ids := range docs {
		t.grants[k] = store.NewDocumentSet(ids...)
	}
	return t
}

func (t *Token) Principal() string               { return t.login }
func (t *Token) PrimaryAccount() store.AccountID { return t.account }
func (t *Token) IsSuperUser() bool               { return t.superUser }
func (t *Token) IsMember(a store.AccountID) bool { _, ok := t.members[a]; return ok }

// Accounts returns the primary account followed by member and shared
// accounts in ascending order.
func (t *Token) Accounts() []store.AccountID {
	seen := map[store.AccountID]struct{}{t.account: {}}
	var rest []store.AccountID
	for a := range t.members {
		if _, ok := seen[a]; !ok {
			seen[a] = struct{}{}
			rest = append(rest, a)
		}
	}
	for k := range t.grants {
		if _, ok := seen[k.account]; !ok {
			seen[k.account] = struct{}{}
			rest = append(rest, k.account)
		}
	}
	slices.Sort(rest)
	return append([]store.AccountID{t.account}, rest...)
}

// IsShared reports whether any grant names account and the principal is
// not a member of it.
func (t *Token) IsShared(a store.AccountID) bool {
	if t.IsMember(a) {
		return false
	}
	for k := range maps.Keys(t.grants) {
		if k.account == a {
			return true
		}
	}
	return false
}

func (t *Token) SharedDocuments(a store.AccountID, c store.Collection, acl ACL) *store.DocumentSet {
	if set, ok := t.grants[grantKey{a, c, acl}]; ok {
		return set
	}
	return store.NewDocumentSet()
}

// Quota applies to the primary account only.
func (t *Token) Quota(a store.AccountID) int64 {
	if a == t.account {
		return t.quota
	}
	return 0
}
