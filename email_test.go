package mailsync

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/mailsync/store"
)

func TestMailboxTargetCheckSetErrors(t *testing.T) {
	target := mailboxTarget{
		existing: store.NewDocumentSet(0, 1, 33),
		canAdd:   store.NewDocumentSet(0, 1),
	}

	tests := []struct {
		name      string
		mailboxes []store.DocumentID
		want      *SetError
	}{
		{"writable", []store.DocumentID{0, 1}, nil},
		{"none", nil, &SetError{
			Type:        SetInvalidProperties,
			Properties:  []string{"mailboxIds"},
			Description: "Message has to belong to at least one mailbox.",
		}},
		{"missing mailbox uses wire id", []store.DocumentID{0, 34}, &SetError{
			Type:        SetInvalidProperties,
			Properties:  []string{"mailboxIds"},
			Description: "mailboxId " + store.IDFromDocument(34).String() + " does not exist.",
		}},
		{"forbidden mailbox uses wire id", []store.DocumentID{33}, &SetError{
			Type:        SetForbidden,
			Description: "You are not allowed to add messages to mailbox " + store.IDFromDocument(33).String() + ".",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := target.check(tt.mailboxes)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("check mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
