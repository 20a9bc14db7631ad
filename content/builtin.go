package content

import (
	"bytes"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/jhillyerd/enmime"
)

// Built-in extractors.
var (
	// RFC822 parses internet messages: headers through net/mail, the MIME
	// body through enmime, preferring the text part over stripped HTML.
	RFC822 Extractor = messageExtractor{}

	// Plain indexes text/plain bytes without headers.
	Plain Extractor = textExtractor{}
)

// DefaultRegistry returns a registry pre-loaded with all built-in extractors.
func DefaultRegistry() *Registry {
	return NewRegistry(RFC822, Plain)
}

type messageExtractor struct{}

func (messageExtractor) ContentType() string { return MediaTypeMessage }

func (messageExtractor) Extract(data []byte) (*Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Subject:    env.GetHeader("Subject"),
		MessageID:  MessageIDs(env.GetHeader("Message-Id")),
		InReplyTo:  MessageIDs(env.GetHeader("In-Reply-To")),
		References: MessageIDs(env.GetHeader("References")),
		Text:       env.Text,
	}
	if msg.Text == "" {
		msg.Text = env.HTML
	}
	if d := env.GetHeader("Date"); d != "" {
		if t, err := mail.ParseDate(d); err == nil {
			msg.Date = t.UTC()
		}
	}
	return msg, nil
}

type textExtractor struct{}

func (textExtractor) ContentType() string { return "text/plain" }

func (textExtractor) Extract(data []byte) (*Message, error) {
	if !utf8.Valid(data) {
		return &Message{Text: strings.ToValidUTF8(string(data), "�")}, nil
	}
	return &Message{Text: string(data)}, nil
}

// MessageIDs splits a msg-id list header into ids without angle brackets.
// Text outside brackets is ignored when any bracketed id is present, which
// tolerates comments and folding in real headers.
func MessageIDs(header string) []string {
	var ids []string
	rest := header
	for {
		start := strings.IndexByte(rest, '<')
		if start < 0 {
			break
		}
		end := strings.IndexByte(rest[start:], '>')
		if end < 0 {
			break
		}
		if id := strings.TrimSpace(rest[start+1 : start+end]); id != "" {
			ids = append(ids, id)
		}
		rest = rest[start+end+1:]
	}
	if len(ids) == 0 && strings.TrimSpace(header) != "" {
		return strings.Fields(header)
	}
	return ids
}
