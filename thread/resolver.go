// Package thread resolves which conversation a new message joins.
//
// Messages are matched by reference tokens (Message-ID, In-Reply-To,
// References) against the Email collection's references bitmap index. The
// normalized subject only breaks ties between several matching threads.
// Existing threads are never merged into each other.
package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/rbaliyan/mailsync/store"
)

// Resolver finds the thread a message belongs to.
// Safe for concurrent use; it holds no state of its own.
type Resolver struct {
	docs store.DocumentStore
}

// NewResolver returns a resolver reading from docs.
func NewResolver(docs store.DocumentStore) *Resolver {
	return &Resolver{docs: docs}
}

// FindOrMergeThread returns the existing thread a message with the given
// subject and reference tokens joins. found is false when no reference
// matches; the caller then allocates a new thread document.
//
// When several threads match, threads containing a message with the same
// normalized subject are preferred, then the numerically smallest id wins.
// The result depends only on the set of references, not their order.
func (r *Resolver) FindOrMergeThread(ctx context.Context, account store.AccountID, subject string, references []string) (store.DocumentID, bool, error) {
	tokens := Tokens(references)
	if len(tokens) == 0 {
		return 0, false, nil
	}

	matches := store.NewDocumentSet()
	for _, token := range tokens {
		set, err := r.docs.Filter(ctx, account, store.CollectionEmail, store.PropReferences, token)
		if err != nil {
			return 0, false, fmt.Errorf("thread: lookup reference: %w", err)
		}
		matches = matches.Union(set)
	}
	if matches.IsEmpty() {
		return 0, false, nil
	}

	name := Name(subject)
	var (
		candidates []store.DocumentID
		preferred  []store.DocumentID
	)
	for _, doc := range matches.IDs() {
		threadID, ok, err := r.threadOf(ctx, account, doc)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			continue
		}
		candidates = append(candidates, threadID)
		if name != "" && r.subjectOf(ctx, account, doc) == name {
			preferred = append(preferred, threadID)
		}
	}
	if len(preferred) > 0 {
		return slices.Min(preferred), true, nil
	}
	if len(candidates) > 0 {
		return slices.Min(candidates), true, nil
	}
	return 0, false, nil
}

// threadOf reads the thread id of a message. Messages deleted between the
// bitmap lookup and the read are skipped.
func (r *Resolver) threadOf(ctx context.Context, account store.AccountID, doc store.DocumentID) (store.DocumentID, bool, error) {
	raw, err := r.docs.GetProperty(ctx, account, store.CollectionEmail, doc, store.PropThreadID)
	if store.IsNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("thread: read thread id of %d: %w", doc, err)
	}
	var id store.DocumentID
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false, fmt.Errorf("thread: decode thread id of %d: %w", doc, err)
	}
	return id, true, nil
}

func (r *Resolver) subjectOf(ctx context.Context, account store.AccountID, doc store.DocumentID) string {
	raw, err := r.docs.GetProperty(ctx, account, store.CollectionEmail, doc, store.PropSubject)
	if err != nil {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return Name(s)
}

// Tokens normalizes reference header values into lookup tokens: surrounding
// whitespace and angle brackets are trimmed, empty tokens dropped, and the
// result sorted and de-duplicated.
func Tokens(references []string) []string {
	out := make([]string, 0, len(references))
	for _, ref := range references {
		for _, field := range strings.Fields(ref) {
			t := strings.TrimSpace(strings.Trim(strings.TrimSpace(field), "<>"))
			if t != "" {
				out = append(out, t)
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
