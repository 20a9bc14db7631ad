package store

import (
	"encoding/json"
	"fmt"
	"strings"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz792013"

var idDecode = func() [256]int8 {
	var t [256]int8
	for i := range t {
		t[i] = -1
	}
	for i := 0; i < len(idAlphabet); i++ {
		t[idAlphabet[i]] = int8(i)
	}
	return t
}()

// ID is the client-facing object identifier. Emails carry their thread id in
// the high 32 bits and their document id in the low 32 bits.
type ID uint64

// IDFromParts packs a prefix (thread id for emails) and a document id.
func IDFromParts(prefix, doc uint32) ID {
	return ID(uint64(prefix)<<32 | uint64(doc))
}

// IDFromDocument returns the id of a document without a prefix.
func IDFromDocument(doc DocumentID) ID {
	return ID(doc)
}

// DocumentID returns the low 32 bits.
func (id ID) DocumentID() DocumentID {
	return DocumentID(uint32(id))
}

// Prefix returns the high 32 bits.
func (id ID) Prefix() uint32 {
	return uint32(uint64(id) >> 32)
}

// String encodes the id with five bits per character, least significant first.
func (id ID) String() string {
	n := uint64(id)
	if n == 0 {
		return "a"
	}
	var sb strings.Builder
	for n > 0 {
		sb.WriteByte(idAlphabet[n&0x1f])
		n >>= 5
	}
	return sb.String()
}

// ParseID decodes the form produced by String.
func ParseID(s string) (ID, error) {
	if s == "" || len(s) > 13 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	var n uint64
	for i := len(s) - 1; i >= 0; i-- {
		v := idDecode[s[i]]
		if v < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
		}
		if n > (^uint64(0))>>5 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
		}
		n = n<<5 | uint64(v)
	}
	return ID(n), nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// MarshalText lets ids be used as JSON object keys.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(data []byte) error {
	parsed, err := ParseID(string(data))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
