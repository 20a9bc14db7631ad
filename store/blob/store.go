// Package blob implements store.BlobStore with content-addressed objects.
//
// Blob bytes are written once to an ObjectStore under their BLAKE2b-256
// hash. Redis maps every BlobKind to a hash and counts references per hash,
// so linking a blob into another account is a metadata-only operation and
// duplicate content is stored once. Temporary blobs are additionally
// indexed per account by creation time for quota checks and purging.
package blob

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/rbaliyan/mailsync/store"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

var (
	_ store.BlobStore  = (*Store)(nil)
	_ store.BlobPurger = (*Store)(nil)
)

// Store implements store.BlobStore and store.BlobPurger.
type Store struct {
	rdb     redis.UniversalClient
	objects ObjectStore
	opts    *options
	logger  *slog.Logger
}

// New creates a blob store. The Redis client and object store are owned by
// the caller.
func New(rdb redis.UniversalClient, objects ObjectStore, opts ...Option) *Store {
	o := &options{
		keyPrefix: DefaultKeyPrefix,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Store{rdb: rdb, objects: objects, opts: o, logger: o.logger}
}

func (s *Store) kindKey(kind store.BlobKind) string {
	return s.opts.keyPrefix + "kind:" + kind.String()
}

func (s *Store) refsPrefix() string {
	return s.opts.keyPrefix + "refs:"
}

func (s *Store) tmpKey(acct store.AccountID) string {
	return s.opts.keyPrefix + "tmp:" + strconv.FormatUint(uint64(acct), 10)
}

func (s *Store) tmpAccountsKey() string {
	return s.opts.keyPrefix + "tmp-accounts"
}

// Hash returns the content key used for data.
func Hash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PutBlob stores data under kind, replacing any previous content.
func (s *Store) PutBlob(ctx context.Context, kind store.BlobKind, data []byte) error {
	hash := Hash(data)

	// Reference first so a concurrent release of the same content cannot
	// delete the object we are about to rely on.
	orphan, err := linkScript.Run(ctx, s.rdb,
		[]string{s.kindKey(kind), s.refsPrefix() + hash},
		hash, len(data), s.refsPrefix()).Text()
	if err != nil {
		return fmt.Errorf("link blob %s: %w", kind, err)
	}
	if err := s.objects.Put(ctx, hash, bytes.NewReader(data), int64(len(data))); err != nil {
		if _, uerr := s.unlink(ctx, kind); uerr != nil {
			s.logger.Warn("failed to unlink blob after write error", "kind", kind.String(), "error", uerr)
		}
		return fmt.Errorf("write blob %s: %w", kind, err)
	}
	s.release(ctx, orphan)

	if kind.IsTemporary() {
		_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZAdd(ctx, s.tmpKey(kind.AccountID), redis.Z{Score: float64(kind.Timestamp), Member: kind.String()})
			p.SAdd(ctx, s.tmpAccountsKey(), uint64(kind.AccountID))
			return nil
		})
		if err != nil {
			return fmt.Errorf("index temporary blob %s: %w", kind, err)
		}
	}
	return nil
}

// GetBlob returns the content of kind.
func (s *Store) GetBlob(ctx context.Context, kind store.BlobKind) ([]byte, error) {
	hash, err := s.rdb.HGet(ctx, s.kindKey(kind), "hash").Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve blob %s: %w", kind, err)
	}
	r, err := s.objects.Get(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", kind, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// CopyBlob links dst to the content of src without copying bytes.
func (s *Store) CopyBlob(ctx context.Context, src, dst store.BlobKind) error {
	res, err := copyScript.Run(ctx, s.rdb,
		[]string{s.kindKey(src), s.kindKey(dst)}, s.refsPrefix()).Slice()
	if err != nil {
		return fmt.Errorf("link blob %s to %s: %w", src, dst, err)
	}
	found, orphan := scriptResult(res)
	if !found {
		return store.ErrNotFound
	}
	s.release(ctx, orphan)
	return nil
}

// DeleteBlob removes kind. The content is deleted with its last reference.
func (s *Store) DeleteBlob(ctx context.Context, kind store.BlobKind) (bool, error) {
	existed, err := s.unlink(ctx, kind)
	if err != nil {
		return false, err
	}
	if kind.IsTemporary() {
		if err := s.rdb.ZRem(ctx, s.tmpKey(kind.AccountID), kind.String()).Err(); err != nil {
			s.logger.Warn("failed to unindex temporary blob", "kind", kind.String(), "error", err)
		}
	}
	return existed, nil
}

func (s *Store) unlink(ctx context.Context, kind store.BlobKind) (bool, error) {
	res, err := unlinkScript.Run(ctx, s.rdb, []string{s.kindKey(kind)}, s.refsPrefix()).Slice()
	if err != nil {
		return false, fmt.Errorf("unlink blob %s: %w", kind, err)
	}
	existed, orphan := scriptResult(res)
	s.release(ctx, orphan)
	return existed, nil
}

// release deletes content that lost its last reference. Failures leave an
// unreferenced object behind and are only logged.
func (s *Store) release(ctx context.Context, hash string) {
	if hash == "" {
		return
	}
	if err := s.objects.Delete(ctx, hash); err != nil {
		s.logger.Warn("failed to delete unreferenced blob content", "hash", hash, "error", err)
	}
}

func scriptResult(res []any) (bool, string) {
	if len(res) != 2 {
		return false, ""
	}
	n, _ := res[0].(int64)
	hash, _ := res[1].(string)
	return n == 1, hash
}

// TmpBlobUsage sums the temporary blobs of an account created within ttl.
func (s *Store) TmpBlobUsage(ctx context.Context, acct store.AccountID, ttl time.Duration) (store.TmpUsage, error) {
	from := strconv.FormatInt(time.Now().Add(-ttl).Unix(), 10)
	members, err := s.rdb.ZRangeByScore(ctx, s.tmpKey(acct), &redis.ZRangeBy{Min: from, Max: "+inf"}).Result()
	if err != nil {
		return store.TmpUsage{}, fmt.Errorf("temporary blob usage: %w", err)
	}
	if len(members) == 0 {
		return store.TmpUsage{}, nil
	}

	cmds := make([]*redis.StringCmd, len(members))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, m := range members {
			cmds[i] = p.HGet(ctx, s.opts.keyPrefix+"kind:"+m, "size")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return store.TmpUsage{}, fmt.Errorf("temporary blob sizes: %w", err)
	}

	var u store.TmpUsage
	for _, cmd := range cmds {
		size, err := cmd.Int64()
		if err != nil {
			// Deleted between the two reads.
			continue
		}
		u.Count++
		u.Bytes += size
	}
	return u, nil
}

// PurgeTmpBlobs deletes temporary blobs created before olderThan and returns
// how many were removed.
func (s *Store) PurgeTmpBlobs(ctx context.Context, olderThan time.Time) (int, error) {
	accounts, err := s.rdb.SMembers(ctx, s.tmpAccountsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list temporary blob accounts: %w", err)
	}
	before := "(" + strconv.FormatInt(olderThan.Unix(), 10)

	var purged int
	for _, a := range accounts {
		acct, err := strconv.ParseUint(a, 10, 32)
		if err != nil {
			continue
		}
		key := s.tmpKey(store.AccountID(acct))
		members, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: before}).Result()
		if err != nil {
			return purged, fmt.Errorf("list expired blobs: %w", err)
		}
		for _, m := range members {
			kind, err := store.ParseBlobKind(m)
			if err != nil {
				s.logger.Warn("dropping malformed temporary blob entry", "member", m, "error", err)
				s.rdb.ZRem(ctx, key, m)
				continue
			}
			ok, err := s.DeleteBlob(ctx, kind)
			if err != nil {
				return purged, err
			}
			if ok {
				purged++
			}
		}
		if n, err := s.rdb.ZCard(ctx, key).Result(); err == nil && n == 0 {
			s.rdb.SRem(ctx, s.tmpAccountsKey(), a)
		}
	}
	return purged, nil
}
