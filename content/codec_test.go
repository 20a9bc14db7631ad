package content

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const sampleMessage = "From: Alice <alice@example.com>\r\n" +
	"To: Bob <bob@example.com>\r\n" +
	"Subject: Re: Quarterly numbers\r\n" +
	"Date: Tue, 02 Jan 2024 15:04:05 +0000\r\n" +
	"Message-ID: <reply-1@example.com>\r\n" +
	"In-Reply-To: <root@example.com>\r\n" +
	"References: <root@example.com>\r\n" +
	"  <mid@example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Numbers look good.\r\n"

func TestRFC822Extract(t *testing.T) {
	msg, err := RFC822.Extract([]byte(sampleMessage))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if msg.Subject != "Re: Quarterly numbers" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if diff := cmp.Diff([]string{"reply-1@example.com"}, msg.MessageID); diff != "" {
		t.Errorf("MessageID mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"root@example.com"}, msg.InReplyTo); diff != "" {
		t.Errorf("InReplyTo mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"root@example.com", "mid@example.com"}, msg.References); diff != "" {
		t.Errorf("References mismatch (-want +got):\n%s", diff)
	}
	want := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
	if !msg.Date.Equal(want) {
		t.Errorf("Date = %v, want %v", msg.Date, want)
	}
	if msg.Text == "" {
		t.Error("Text should not be empty")
	}

	wantRefs := []string{"reply-1@example.com", "root@example.com", "root@example.com", "mid@example.com"}
	if diff := cmp.Diff(wantRefs, msg.ReferenceIDs()); diff != "" {
		t.Errorf("ReferenceIDs mismatch (-want +got):\n%s", diff)
	}
}

func TestPlainExtract(t *testing.T) {
	msg, err := Plain.Extract([]byte("hello"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if msg.Text != "hello" || msg.Subject != "" {
		t.Errorf("got %+v", msg)
	}

	msg, err = Plain.Extract([]byte{'a', 0xff, 'b'})
	if err != nil {
		t.Fatalf("Extract invalid utf-8: %v", err)
	}
	if msg.Text != "a�b" {
		t.Errorf("Text = %q", msg.Text)
	}
}

func TestRegistry(t *testing.T) {
	reg := DefaultRegistry()

	t.Run("parameters ignored", func(t *testing.T) {
		e, ok := reg.Lookup("Message/RFC822; charset=utf-8")
		if !ok || e.ContentType() != MediaTypeMessage {
			t.Fatalf("Lookup = %v, %v", e, ok)
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := reg.Extract("application/pdf", []byte("%PDF"))
		if !errors.Is(err, ErrUnsupportedContentType) {
			t.Errorf("err = %v, want ErrUnsupportedContentType", err)
		}
	})

	t.Run("register replaces", func(t *testing.T) {
		r := NewRegistry(Plain)
		r.Register(stubExtractor{})
		msg, err := r.Extract("text/plain", []byte("x"))
		if err != nil {
			t.Fatalf("Extract: %v", err)
		}
		if msg.Subject != "stub" {
			t.Errorf("Subject = %q, want stub", msg.Subject)
		}
	})
}

type stubExtractor struct{}

func (stubExtractor) ContentType() string { return "text/plain" }
func (stubExtractor) Extract([]byte) (*Message, error) {
	return &Message{Subject: "stub"}, nil
}

func TestMessageIDs(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   []string
	}{
		{"empty", "", nil},
		{"single", "<a@x>", []string{"a@x"}},
		{"folded list", "<a@x>\r\n <b@x>", []string{"a@x", "b@x"}},
		{"comment ignored", "<a@x> (original)", []string{"a@x"}},
		{"bare ids", "a@x b@x", []string{"a@x", "b@x"}},
		{"empty brackets", "<> <b@x>", []string{"b@x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, MessageIDs(tt.header)); diff != "" {
				t.Errorf("MessageIDs(%q) mismatch (-want +got):\n%s", tt.header, diff)
			}
		})
	}
}

func TestMediaType(t *testing.T) {
	if got := MediaType(" Text/Plain ; charset=utf-8"); got != "text/plain" {
		t.Errorf("MediaType = %q", got)
	}
}
