package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/mailsync/config"
	"github.com/rbaliyan/mailsync/store"
	"github.com/rbaliyan/mailsync/store/blob"
	"github.com/rbaliyan/mailsync/store/blob/cached"
	"github.com/rbaliyan/mailsync/store/blob/gcs"
	blobotel "github.com/rbaliyan/mailsync/store/blob/otel"
	"github.com/rbaliyan/mailsync/store/blob/s3"
	"github.com/rbaliyan/mailsync/store/memory"
	"github.com/rbaliyan/mailsync/store/mongo"
	"github.com/rbaliyan/mailsync/store/pebble"
	"github.com/rbaliyan/mailsync/store/sqldb"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// backends holds the storage collaborators built from the configuration
// and whatever must be released after the service has closed.
type backends struct {
	store store.Store
	blobs store.BlobStore
	redis redis.UniversalClient

	closers []func(context.Context) error
}

func (b *backends) onClose(fn func(context.Context) error) {
	b.closers = append(b.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (b *backends) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func closerOf(c io.Closer) func(context.Context) error {
	return func(context.Context) error { return c.Close() }
}

// openBackends builds the document store and the blob store. Nothing is
// connected yet except client handles that connect lazily.
func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}
	if err := b.openStore(cfg.Store, logger); err != nil {
		b.Close(ctx)
		return nil, err
	}
	if err := b.openBlobs(ctx, cfg, logger); err != nil {
		b.Close(ctx)
		return nil, err
	}
	return b, nil
}

func (b *backends) openStore(cfg config.StoreConfig, logger *slog.Logger) error {
	logger = logger.With("component", "store", "backend", cfg.Backend)
	switch cfg.Backend {
	case "memory":
		b.store = memory.New()
	case "pebble":
		mode, err := fsyncMode(cfg.Fsync)
		if err != nil {
			return err
		}
		b.store = pebble.New(cfg.Path, pebble.WithFsync(mode), pebble.WithLogger(logger))
	case "postgres", "sqlite":
		driver, dsn := "postgres", cfg.DSN
		if cfg.Backend == "sqlite" {
			driver, dsn = "sqlite3", cfg.Path
		}
		db, err := sqlx.Open(driver, dsn)
		if err != nil {
			return fmt.Errorf("open %s: %w", cfg.Backend, err)
		}
		if driver == "sqlite3" {
			db.SetMaxOpenConns(1)
		}
		b.onClose(closerOf(db))
		b.store = sqldb.New(db,
			sqldb.WithTablePrefix(cfg.TablePrefix),
			sqldb.WithTimeout(cfg.Timeout),
			sqldb.WithLogger(logger),
		)
	case "mongo":
		client, err := mongodriver.Connect(options.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return fmt.Errorf("open mongo: %w", err)
		}
		b.onClose(client.Disconnect)
		b.store = mongo.New(client,
			mongo.WithDatabase(cfg.Database),
			mongo.WithCollectionPrefix(cfg.TablePrefix),
			mongo.WithTimeout(cfg.Timeout),
			mongo.WithLogger(logger),
		)
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	return nil
}

func fsyncMode(name string) (pebble.FsyncMode, error) {
	switch name {
	case "always", "":
		return pebble.FsyncAlways, nil
	case "interval":
		return pebble.FsyncInterval, nil
	case "never":
		return pebble.FsyncNever, nil
	}
	return 0, fmt.Errorf("unknown fsync mode %q", name)
}

func (b *backends) openBlobs(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	bc := cfg.Blobs
	logger = logger.With("component", "blobs", "backend", bc.Backend)

	if bc.Backend == "store" {
		mem, ok := b.store.(*memory.Store)
		if !ok {
			return fmt.Errorf("blob backend store requires the memory store")
		}
		b.blobs = mem
		return nil
	}

	objects, err := b.openObjects(ctx, bc, logger)
	if err != nil {
		return err
	}

	if bc.CacheDir != "" {
		c, err := cached.New(objects,
			cached.WithCacheDir(bc.CacheDir),
			cached.WithMaxSize(bc.CacheMaxSize),
			cached.WithTTL(bc.CacheTTL),
			cached.WithLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("blob cache: %w", err)
		}
		b.onClose(closerOf(c))
		objects = c
	}

	if cfg.OTel.Tracing || cfg.OTel.Metrics {
		instrumented, err := blobotel.New(objects,
			blobotel.WithTracing(cfg.OTel.Tracing),
			blobotel.WithMetrics(cfg.OTel.Metrics),
			blobotel.WithServiceName(cfg.OTel.ServiceName),
		)
		if err != nil {
			return fmt.Errorf("blob instrumentation: %w", err)
		}
		objects = instrumented
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	b.onClose(closerOf(rdb))
	b.redis = rdb
	b.blobs = blob.New(rdb, objects, blob.WithKeyPrefix(bc.KeyPrefix), blob.WithLogger(logger))
	return nil
}

func (b *backends) openObjects(ctx context.Context, bc config.BlobConfig, logger *slog.Logger) (blob.ObjectStore, error) {
	switch bc.Backend {
	case "file":
		fs, err := blob.NewFileStore(bc.Dir)
		if err != nil {
			return nil, fmt.Errorf("blob dir: %w", err)
		}
		return fs, nil
	case "s3":
		opts := []s3.Option{
			s3.WithBucket(bc.Bucket),
			s3.WithPrefix(bc.Prefix),
			s3.WithLogger(logger),
		}
		if bc.Region != "" {
			opts = append(opts, s3.WithRegion(bc.Region))
		}
		if bc.Endpoint != "" {
			opts = append(opts, s3.WithEndpoint(bc.Endpoint), s3.WithPathStyle(bc.PathStyle))
		}
		if bc.AccessKey != "" {
			opts = append(opts, s3.WithStaticCredentials(bc.AccessKey, bc.SecretKey))
		}
		if bc.RoleARN != "" {
			host, _ := os.Hostname()
			opts = append(opts, s3.WithAssumeRole(bc.RoleARN, "mailsyncd-"+host))
		}
		st, err := s3.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("s3: %w", err)
		}
		return st, nil
	case "gcs":
		opts := []gcs.Option{
			gcs.WithBucket(bc.Bucket),
			gcs.WithPrefix(bc.Prefix),
			gcs.WithLogger(logger),
		}
		if bc.Endpoint != "" {
			opts = append(opts, gcs.WithEndpoint(bc.Endpoint))
		}
		if bc.CredentialsFile != "" {
			opts = append(opts, gcs.WithCredentialsFile(bc.CredentialsFile))
		}
		st, err := gcs.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("gcs: %w", err)
		}
		b.onClose(closerOf(st))
		return st, nil
	}
	return nil, fmt.Errorf("unknown blob backend %q", bc.Backend)
}
