package mailsync

import (
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/mailsync/store"
)

func TestNormalizeKeyword(t *testing.T) {
	tests := []struct {
		name    string
		keyword string
		want    string
		wantErr error
	}{
		{name: "system keyword", keyword: "$Seen", want: KeywordSeen},
		{name: "custom keyword", keyword: "Project-X", want: "project-x"},
		{name: "max length", keyword: strings.Repeat("a", MaxKeywordLength), want: strings.Repeat("a", MaxKeywordLength)},
		{name: "empty", keyword: "", wantErr: ErrInvalidKeyword},
		{name: "too long", keyword: strings.Repeat("a", MaxKeywordLength+1), wantErr: ErrInvalidKeyword},
		{name: "space", keyword: "two words", wantErr: ErrInvalidKeyword},
		{name: "non ascii", keyword: "café", wantErr: ErrInvalidKeyword},
		{name: "paren", keyword: "a(b", wantErr: ErrInvalidKeyword},
		{name: "brace", keyword: "a{b", wantErr: ErrInvalidKeyword},
		{name: "bracket", keyword: "a]b", wantErr: ErrInvalidKeyword},
		{name: "percent", keyword: "50%", wantErr: ErrInvalidKeyword},
		{name: "wildcard", keyword: "a*", wantErr: ErrInvalidKeyword},
		{name: "quote", keyword: `a"b`, wantErr: ErrInvalidKeyword},
		{name: "backslash", keyword: `a\b`, wantErr: ErrInvalidKeyword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeKeyword(tt.keyword)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("NormalizeKeyword(%q) error = %v, want %v", tt.keyword, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeKeyword(%q) unexpected error: %v", tt.keyword, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeKeyword(%q) = %q, want %q", tt.keyword, got, tt.want)
			}
		})
	}
}

func TestValidateReceivedAt(t *testing.T) {
	t.Run("converts to UTC", func(t *testing.T) {
		got, err := ValidateReceivedAt("2024-03-01T10:00:00+02:00")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
		if !got.Equal(want) || got.Location() != time.UTC {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("rejects other formats", func(t *testing.T) {
		for _, v := range []string{"", "2024-03-01", "Fri, 01 Mar 2024 10:00:00 +0000"} {
			if _, err := ValidateReceivedAt(v); !errors.Is(err, ErrInvalidReceivedAt) {
				t.Errorf("ValidateReceivedAt(%q) error = %v, want ErrInvalidReceivedAt", v, err)
			}
		}
	})
}

func TestValidateMIMEType(t *testing.T) {
	t.Run("valid MIME types", func(t *testing.T) {
		tests := []string{
			"text/plain",
			"message/rfc822",
			"application/json",
			"text/plain; charset=utf-8",
			"Message/RFC822",
		}

		for _, ct := range tests {
			err := ValidateMIMEType(ct, nil, nil)
			if err != nil {
				t.Errorf("ValidateMIMEType(%q) unexpected error: %v", ct, err)
			}
		}
	})

	t.Run("empty content type is invalid", func(t *testing.T) {
		if err := ValidateMIMEType("", nil, nil); !errors.Is(err, ErrInvalidMIMEType) {
			t.Errorf("expected ErrInvalidMIMEType, got %v", err)
		}
	})

	t.Run("blocked types are rejected", func(t *testing.T) {
		blocked := []string{"application/x-executable", "application/x-sh"}

		if err := ValidateMIMEType("application/x-executable", nil, blocked); err == nil {
			t.Error("expected error for blocked content type")
		}
		if err := ValidateMIMEType("text/plain", nil, blocked); err != nil {
			t.Errorf("unexpected error for non-blocked type: %v", err)
		}
	})

	t.Run("allowed types only permits listed types", func(t *testing.T) {
		allowed := []string{"message/rfc822", "text/plain"}

		if err := ValidateMIMEType("message/rfc822", allowed, nil); err != nil {
			t.Errorf("unexpected error for allowed type: %v", err)
		}
		if err := ValidateMIMEType("application/pdf", allowed, nil); err == nil {
			t.Error("expected error for non-allowed content type")
		}
	})

	t.Run("wildcard patterns work", func(t *testing.T) {
		allowed := []string{"image/*"}

		tests := []struct {
			ct   string
			want bool
		}{
			{"image/png", true},
			{"image/jpeg", true},
			{"text/plain", false},
			{"video/mp4", false},
		}

		for _, tt := range tests {
			got := ValidateMIMEType(tt.ct, allowed, nil) == nil
			if got != tt.want {
				t.Errorf("ValidateMIMEType(%q) with image/* allowed = %v, want %v", tt.ct, got, tt.want)
			}
		}
	})

	t.Run("blocked takes precedence over allowed", func(t *testing.T) {
		allowed := []string{"application/*"}
		blocked := []string{"application/x-executable"}

		if err := ValidateMIMEType("application/x-executable", allowed, blocked); err == nil {
			t.Error("expected error: blocked should take precedence")
		}
		if err := ValidateMIMEType("application/json", allowed, blocked); err != nil {
			t.Errorf("unexpected error for non-blocked application type: %v", err)
		}
	})
}

func TestDefaultBlockedMIMETypes(t *testing.T) {
	blocked := DefaultBlockedMIMETypes()
	if !slices.Contains(blocked, "application/x-msdownload") {
		t.Error("expected application/x-msdownload in blocked types")
	}
	if slices.Contains(blocked, "message/rfc822") {
		t.Error("messages must not be blocked")
	}
}

func TestParseEmailProperty(t *testing.T) {
	mb := func(ids ...store.ID) string {
		set := make(map[store.ID]bool)
		for _, id := range ids {
			set[id] = true
		}
		raw, _ := json.Marshal(set)
		return string(raw)
	}

	t.Run("mailbox set then patches", func(t *testing.T) {
		var p emailProperties
		steps := []struct{ name, value string }{
			{"mailboxIds", mb(store.IDFromDocument(3), store.IDFromDocument(1))},
			{"mailboxIds/" + store.IDFromDocument(2).String(), "true"},
			{"mailboxIds/" + store.IDFromDocument(3).String(), "null"},
		}
		for _, s := range steps {
			if setErr := parseEmailProperty(&p, s.name, json.RawMessage(s.value)); setErr != nil {
				t.Fatalf("%s: %v", s.name, setErr)
			}
		}
		if diff := cmp.Diff([]store.DocumentID{1, 2}, p.mailboxes); diff != "" {
			t.Errorf("mailboxes mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("keywords are normalized", func(t *testing.T) {
		var p emailProperties
		if setErr := parseEmailProperty(&p, "keywords", json.RawMessage(`{"$Seen":true,"Later":false,"work":true}`)); setErr != nil {
			t.Fatal(setErr)
		}
		if setErr := parseEmailProperty(&p, "keywords/$Flagged", json.RawMessage(`true`)); setErr != nil {
			t.Fatal(setErr)
		}
		if setErr := parseEmailProperty(&p, "keywords/WORK", json.RawMessage(`false`)); setErr != nil {
			t.Fatal(setErr)
		}
		if diff := cmp.Diff([]string{KeywordSeen, KeywordFlagged}, p.keywords); diff != "" {
			t.Errorf("keywords mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("receivedAt", func(t *testing.T) {
		var p emailProperties
		if setErr := parseEmailProperty(&p, "receivedAt", json.RawMessage(`"2024-01-02T03:04:05Z"`)); setErr != nil {
			t.Fatal(setErr)
		}
		if p.receivedAt == nil || !p.receivedAt.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)) {
			t.Errorf("unexpected receivedAt %v", p.receivedAt)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		tests := []struct{ name, value string }{
			{"subject", `"hi"`},
			{"mailboxIds", `null`},
			{"mailboxIds", `[1]`},
			{"mailboxIds/!!", `true`},
			{"mailboxIds/" + store.IDFromDocument(1).String(), `"yes"`},
			{"keywords", `{"bad word":true}`},
			{"keywords/a*", `true`},
			{"receivedAt", `"yesterday"`},
		}
		for _, tt := range tests {
			var p emailProperties
			setErr := parseEmailProperty(&p, tt.name, json.RawMessage(tt.value))
			if setErr == nil {
				t.Errorf("%s=%s: expected error", tt.name, tt.value)
				continue
			}
			if setErr.Type != SetInvalidProperties {
				t.Errorf("%s=%s: type = %s, want %s", tt.name, tt.value, setErr.Type, SetInvalidProperties)
			}
		}
	})
}

func TestMailboxTargetCheck(t *testing.T) {
	target := mailboxTarget{
		existing: store.NewDocumentSet(0, 1, 2),
		canAdd:   store.NewDocumentSet(0),
	}
	tests := []struct {
		name      string
		mailboxes []store.DocumentID
		want      SetErrorType
	}{
		{name: "writable", mailboxes: []store.DocumentID{0}},
		{name: "empty", mailboxes: nil, want: SetInvalidProperties},
		{name: "unknown", mailboxes: []store.DocumentID{9}, want: SetInvalidProperties},
		{name: "read only", mailboxes: []store.DocumentID{0, 1}, want: SetForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setErr := target.check(tt.mailboxes)
			var got SetErrorType
			if setErr != nil {
				got = setErr.Type
			}
			if got != tt.want {
				t.Errorf("check(%v) = %q, want %q", tt.mailboxes, got, tt.want)
			}
		})
	}

	t.Run("owned account allows every mailbox", func(t *testing.T) {
		owned := mailboxTarget{existing: target.existing}
		if setErr := owned.check([]store.DocumentID{1, 2}); setErr != nil {
			t.Errorf("unexpected error: %v", setErr)
		}
	})
}
