package pebble

import (
	"encoding/binary"

	"github.com/rbaliyan/mailsync/store"
)

// Keyspace layout. All integers are big-endian so keys sort numerically.
//
//	c|acct|0|coll            next document id
//	c|acct|1                 next change id
//	d|acct|coll|doc          document marker
//	v|acct|coll|doc|prop     property value
//	b|acct|coll|prop\0key\0doc  bitmap membership
//	r|acct|coll|doc|prop     bitmap keys set for a property (JSON)
//	t|acct|coll|doc          term index
//	s|acct|coll              committed state
//	l|acct|coll|change       change record entries (JSON)
//	q|acct                   used quota
const (
	prefixCounter byte = 'c'
	prefixDoc     byte = 'd'
	prefixValue   byte = 'v'
	prefixBitmap  byte = 'b'
	prefixReverse byte = 'r'
	prefixTerm    byte = 't'
	prefixState   byte = 's'
	prefixLog     byte = 'l'
	prefixQuota   byte = 'q'
)

const (
	counterDocument byte = 0
	counterChange   byte = 1
)

func accountKey(prefix byte, acct store.AccountID) []byte {
	k := make([]byte, 0, 32)
	k = append(k, prefix)
	return binary.BigEndian.AppendUint32(k, uint32(acct))
}

func collectionKey(prefix byte, acct store.AccountID, c store.Collection) []byte {
	return append(accountKey(prefix, acct), byte(c))
}

func documentKey(prefix byte, acct store.AccountID, c store.Collection, doc store.DocumentID) []byte {
	return binary.BigEndian.AppendUint32(collectionKey(prefix, acct, c), uint32(doc))
}

func docCounterKey(acct store.AccountID, c store.Collection) []byte {
	return append(accountKey(prefixCounter, acct), counterDocument, byte(c))
}

func changeCounterKey(acct store.AccountID) []byte {
	return append(accountKey(prefixCounter, acct), counterChange)
}

func valueKey(acct store.AccountID, c store.Collection, doc store.DocumentID, prop store.Property) []byte {
	return append(documentKey(prefixValue, acct, c, doc), string(prop)...)
}

func reverseKey(acct store.AccountID, c store.Collection, doc store.DocumentID, prop store.Property) []byte {
	return append(documentKey(prefixReverse, acct, c, doc), string(prop)...)
}

func bitmapPrefix(acct store.AccountID, c store.Collection, prop store.Property, key string) []byte {
	k := append(collectionKey(prefixBitmap, acct, c), string(prop)...)
	k = append(k, 0)
	k = append(k, key...)
	return append(k, 0)
}

func bitmapKey(acct store.AccountID, c store.Collection, prop store.Property, key string, doc store.DocumentID) []byte {
	return binary.BigEndian.AppendUint32(bitmapPrefix(acct, c, prop, key), uint32(doc))
}

func logKey(acct store.AccountID, c store.Collection, id store.ChangeID) []byte {
	return binary.BigEndian.AppendUint64(collectionKey(prefixLog, acct, c), uint64(id))
}

// prefixEnd returns the smallest key greater than every key with the prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func encodeUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
