// Package content extracts indexable information from uploaded blobs.
//
// An imported message arrives as an opaque blob with a media type. This
// package turns those bytes into the fields the store indexes: subject and
// reference headers for threading, the received date, and plain text for the
// full-text index.
//
// # Extractor Interface
//
// An [Extractor] handles one media type:
//
//   - message/rfc822 parses the header block and the MIME body.
//   - text/plain indexes the bytes as they are.
//
// Extractors are looked up through a [Registry] by normalized media type,
// so parameters such as charset do not affect dispatch.
//
// # Usage
//
//	reg := content.DefaultRegistry()
//	msg, err := reg.Extract("message/rfc822", raw)
//	if err != nil {
//	    return err
//	}
//	refs := msg.ReferenceIDs()
package content

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MediaTypeMessage is the media type of an RFC 5322 message.
const MediaTypeMessage = "message/rfc822"

// Sentinel errors.
var (
	// ErrUnsupportedContentType is returned when no extractor is registered for a media type.
	ErrUnsupportedContentType = errors.New("content: unsupported content type")

	// ErrMalformed is returned when an extractor cannot parse the blob.
	ErrMalformed = errors.New("content: malformed content")
)

// Message is what an extractor learns from a blob.
type Message struct {
	Subject    string
	MessageID  []string
	InReplyTo  []string
	References []string
	// Date is the sent date from the header, zero when absent.
	Date time.Time
	// Text is the plain-text rendering used for the full-text index.
	Text string
}

// ReferenceIDs returns every message id the message points at, including
// its own, in header order.
func (m *Message) ReferenceIDs() []string {
	refs := make([]string, 0, len(m.MessageID)+len(m.InReplyTo)+len(m.References))
	refs = append(refs, m.MessageID...)
	refs = append(refs, m.InReplyTo...)
	refs = append(refs, m.References...)
	return refs
}

// Extractor parses blobs of one media type.
type Extractor interface {
	// ContentType returns the media type this extractor handles.
	ContentType() string

	// Extract parses data.
	Extract(data []byte) (*Message, error)
}

// Registry maps media types to extractors.
// It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
}

// NewRegistry creates a registry pre-loaded with the given extractors.
func NewRegistry(extractors ...Extractor) *Registry {
	r := &Registry{
		extractors: make(map[string]Extractor, len(extractors)),
	}
	for _, e := range extractors {
		r.extractors[MediaType(e.ContentType())] = e
	}
	return r
}

// Register adds an extractor to the registry. If one for the same media type
// already exists, it is replaced.
func (r *Registry) Register(e Extractor) {
	r.mu.Lock()
	r.extractors[MediaType(e.ContentType())] = e
	r.mu.Unlock()
}

// Lookup returns the extractor for the given content type.
func (r *Registry) Lookup(contentType string) (Extractor, bool) {
	r.mu.RLock()
	e, ok := r.extractors[MediaType(contentType)]
	r.mu.RUnlock()
	return e, ok
}

// Extract parses data with the extractor registered for contentType.
func (r *Registry) Extract(contentType string, data []byte) (*Message, error) {
	e, ok := r.Lookup(contentType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContentType, contentType)
	}
	msg, err := e.Extract(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return msg, nil
}

// MediaType returns the lowercase media type without parameters.
// e.g., "Text/Plain; charset=utf-8" -> "text/plain"
func MediaType(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}
