package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
)

// IndexFlags selects the index families a property value participates in.
type IndexFlags uint8

const (
	// FlagValue stores the encoded value for GetProperty.
	FlagValue IndexFlags = 1 << iota
	// FlagBitmap adds the document to the bitmap of every key derived from the value.
	FlagBitmap
)

// OpKind tags a batch operation.
type OpKind uint8

const (
	OpCreate OpKind = iota + 1
	OpDelete
	OpValue
	OpQuota
)

// Operation is one mutation inside a Batch.
type Operation struct {
	Kind       OpKind
	Collection Collection
	Document   DocumentID
	Property   Property
	Flags      IndexFlags
	// Value is the JSON encoding stored when FlagValue is set.
	Value []byte
	// Keys are the bitmap keys when FlagBitmap is set.
	Keys []string
	// Delta is the used-bytes adjustment for OpQuota.
	Delta int64
}

// TermIndex is the full-text index payload of one document.
type TermIndex struct {
	Collection Collection
	Document   DocumentID
	Data       []byte
}

// Batch is an atomic unit of work scoped to one account. Build one with NewBatch.
type Batch struct {
	AccountID AccountID
	Ops       []Operation
	Changes   *ChangeLog
	TermIndex *TermIndex
}

// QuotaDelta sums the quota operations of the batch.
func (b *Batch) QuotaDelta() int64 {
	var d int64
	for _, op := range b.Ops {
		if op.Kind == OpQuota {
			d += op.Delta
		}
	}
	return d
}

// BatchBuilder assembles a Batch. Errors are sticky and reported by Build.
type BatchBuilder struct {
	batch *Batch

	collection    Collection
	hasCollection bool
	document      DocumentID
	hasDocument   bool
	err           error
}

// NewBatch starts a batch for the account.
func NewBatch(account AccountID) *BatchBuilder {
	return &BatchBuilder{batch: &Batch{AccountID: account}}
}

func (b *BatchBuilder) fail(format string, args ...any) *BatchBuilder {
	if b.err == nil {
		b.err = fmt.Errorf("%w: %s", ErrInvalidBatch, fmt.Sprintf(format, args...))
	}
	return b
}

// WithCollection selects the collection for subsequent document operations.
func (b *BatchBuilder) WithCollection(c Collection) *BatchBuilder {
	if !c.Valid() {
		return b.fail("unknown collection %d", c)
	}
	b.collection = c
	b.hasCollection = true
	b.hasDocument = false
	return b
}

// CreateDocument adds a create operation and makes id the current document.
func (b *BatchBuilder) CreateDocument(id DocumentID) *BatchBuilder {
	if !b.hasCollection {
		return b.fail("create before collection")
	}
	b.document = id
	b.hasDocument = true
	b.batch.Ops = append(b.batch.Ops, Operation{Kind: OpCreate, Collection: b.collection, Document: id})
	return b
}

// UpdateDocument makes an existing id the current document without creating it.
func (b *BatchBuilder) UpdateDocument(id DocumentID) *BatchBuilder {
	if !b.hasCollection {
		return b.fail("update before collection")
	}
	b.document = id
	b.hasDocument = true
	return b
}

// DeleteDocument removes a document together with its values and bitmap memberships.
func (b *BatchBuilder) DeleteDocument(id DocumentID) *BatchBuilder {
	if !b.hasCollection {
		return b.fail("delete before collection")
	}
	b.document = id
	b.hasDocument = true
	b.batch.Ops = append(b.batch.Ops, Operation{Kind: OpDelete, Collection: b.collection, Document: id})
	return b
}

// Value indexes a property of the current document.
func (b *BatchBuilder) Value(prop Property, v any, flags IndexFlags) *BatchBuilder {
	if !b.hasDocument {
		return b.fail("value %q without document", prop)
	}
	if flags&(FlagValue|FlagBitmap) == 0 {
		return b.fail("value %q without index flags", prop)
	}
	op := Operation{
		Kind:       OpValue,
		Collection: b.collection,
		Document:   b.document,
		Property:   prop,
		Flags:      flags,
	}
	if flags&FlagValue != 0 {
		raw, err := json.Marshal(v)
		if err != nil {
			return b.fail("encode %q: %v", prop, err)
		}
		op.Value = raw
	}
	if flags&FlagBitmap != 0 {
		op.Keys = BitmapKeys(v)
	}
	b.batch.Ops = append(b.batch.Ops, op)
	return b
}

// Metadata stores an already encoded value-only property.
func (b *BatchBuilder) Metadata(prop Property, raw json.RawMessage) *BatchBuilder {
	if !b.hasDocument {
		return b.fail("metadata %q without document", prop)
	}
	b.batch.Ops = append(b.batch.Ops, Operation{
		Kind:       OpValue,
		Collection: b.collection,
		Document:   b.document,
		Property:   prop,
		Flags:      FlagValue,
		Value:      append([]byte(nil), raw...),
	})
	return b
}

// TermIndex attaches the full-text payload of the current document.
// A batch carries at most one.
func (b *BatchBuilder) TermIndex(data []byte) *BatchBuilder {
	if !b.hasDocument {
		return b.fail("term index without document")
	}
	if b.batch.TermIndex != nil {
		return b.fail("second term index")
	}
	b.batch.TermIndex = &TermIndex{Collection: b.collection, Document: b.document, Data: append([]byte(nil), data...)}
	return b
}

// Changes attaches the change log. A batch carries at most one.
func (b *BatchBuilder) Changes(log *ChangeLog) *BatchBuilder {
	switch {
	case log == nil:
		return b.fail("nil change log")
	case b.batch.Changes != nil:
		return b.fail("second change log")
	case log.AccountID != b.batch.AccountID:
		return b.fail("change log for account %d in batch for account %d", log.AccountID, b.batch.AccountID)
	}
	b.batch.Changes = log
	return b
}

// AddQuota adjusts the account's used bytes.
func (b *BatchBuilder) AddQuota(delta int64) *BatchBuilder {
	if delta != 0 {
		b.batch.Ops = append(b.batch.Ops, Operation{Kind: OpQuota, Delta: delta})
	}
	return b
}

// Build returns the batch or the first assembly error.
func (b *BatchBuilder) Build() (*Batch, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.batch.Ops) == 0 && b.batch.Changes == nil && b.batch.TermIndex == nil {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidBatch)
	}
	return b.batch, nil
}

// BitmapKeys derives the bitmap keys of a value: one key for a scalar,
// one per element for slices and arrays, one per key for maps with boolean
// true values (JMAP set notation).
func BitmapKeys(v any) []string {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		keys := make([]string, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			keys = append(keys, scalarKey(rv.Index(i)))
		}
		return keys
	case reflect.Map:
		var keys []string
		iter := rv.MapRange()
		for iter.Next() {
			if iter.Value().Kind() == reflect.Bool && !iter.Value().Bool() {
				continue
			}
			keys = append(keys, scalarKey(iter.Key()))
		}
		return keys
	}
	return []string{scalarKey(rv)}
}

func scalarKey(v reflect.Value) string {
	switch v.Kind() {
	case reflect.String:
		return v.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(v.Uint(), 10)
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return ""
		}
		return scalarKey(v.Elem())
	}
	return fmt.Sprint(v.Interface())
}
