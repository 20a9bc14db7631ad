// Package config loads the mailsyncd configuration from a YAML file and
// MAILSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rbaliyan/mailsync/directory"
	"github.com/rbaliyan/mailsync/store"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MAILSYNC_STORE_BACKEND.
const EnvPrefix = "MAILSYNC"

// Config is the daemon configuration.
type Config struct {
	Listen          string        `mapstructure:"listen"`
	PushPath        string        `mapstructure:"push_path"`
	UploadPath      string        `mapstructure:"upload_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	PurgeInterval   time.Duration `mapstructure:"purge_interval"`

	Log        LogConfig         `mapstructure:"log"`
	Store      StoreConfig       `mapstructure:"store"`
	Blobs      BlobConfig        `mapstructure:"blobs"`
	Redis      RedisConfig       `mapstructure:"redis"`
	Limits     LimitsConfig      `mapstructure:"limits"`
	OTel       OTelConfig        `mapstructure:"otel"`
	Principals []PrincipalConfig `mapstructure:"principals"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

// StoreConfig selects the document and change-log backend.
type StoreConfig struct {
	Backend     string        `mapstructure:"backend"` // memory, pebble, postgres, sqlite, mongo
	Path        string        `mapstructure:"path"`    // pebble directory or sqlite file
	DSN         string        `mapstructure:"dsn"`     // postgres DSN or mongo URI
	Database    string        `mapstructure:"database"`
	TablePrefix string        `mapstructure:"table_prefix"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Fsync       string        `mapstructure:"fsync"` // pebble: always, interval, never
}

// BlobConfig selects where blob bytes live. Backend "store" keeps blobs in
// the memory store; the others keep links in Redis and bytes in an object
// store.
type BlobConfig struct {
	Backend         string        `mapstructure:"backend"` // store, file, s3, gcs
	Dir             string        `mapstructure:"dir"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
	Bucket          string        `mapstructure:"bucket"`
	Prefix          string        `mapstructure:"prefix"`
	Region          string        `mapstructure:"region"`
	Endpoint        string        `mapstructure:"endpoint"`
	PathStyle       bool          `mapstructure:"path_style"`
	AccessKey       string        `mapstructure:"access_key"`
	SecretKey       string        `mapstructure:"secret_key"`
	RoleARN         string        `mapstructure:"role_arn"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	CacheDir        string        `mapstructure:"cache_dir"`
	CacheMaxSize    int64         `mapstructure:"cache_max_size"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
}

// RedisConfig is the Redis used for blob links and the event transport.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LimitsConfig holds admission and protocol limits.
type LimitsConfig struct {
	UploadMaxFiles        int           `mapstructure:"upload_max_files"`
	UploadMaxBytes        int64         `mapstructure:"upload_max_bytes"`
	UploadTTL             time.Duration `mapstructure:"upload_ttl"`
	MaxUploadSize         int64         `mapstructure:"max_upload_size"`
	MaxConcurrentUploads  int           `mapstructure:"max_concurrent_uploads"`
	MaxObjectsInCopy      int           `mapstructure:"max_objects_in_copy"`
	MaxChanges            int           `mapstructure:"max_changes"`
	MaxSizeRequest        int           `mapstructure:"max_size_request"`
	MaxCallsInRequest     int           `mapstructure:"max_calls_in_request"`
	MaxConcurrentRequests int           `mapstructure:"max_concurrent_requests"`
	RequestsPerSecond     float64       `mapstructure:"requests_per_second"`
}

// OTelConfig toggles service instrumentation.
type OTelConfig struct {
	Tracing     bool   `mapstructure:"tracing"`
	Metrics     bool   `mapstructure:"metrics"`
	ServiceName string `mapstructure:"service_name"`
}

// PrincipalConfig is one static directory entry.
type PrincipalConfig struct {
	Login   string   `mapstructure:"login"`
	Secret  string   `mapstructure:"secret"`
	Account uint32   `mapstructure:"account"`
	Groups  []string `mapstructure:"groups"`
	Members []uint32 `mapstructure:"members"`
	Quota   int64    `mapstructure:"quota"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("push_path", "/jmap/ws")
	v.SetDefault("upload_path", "/jmap/upload/")
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("purge_interval", time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.path", "")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.database", "mailsync")
	v.SetDefault("store.table_prefix", "")
	v.SetDefault("store.timeout", 30*time.Second)
	v.SetDefault("store.fsync", "always")

	v.SetDefault("blobs.backend", "store")
	v.SetDefault("blobs.dir", "")
	v.SetDefault("blobs.key_prefix", "mailsync:")
	v.SetDefault("blobs.bucket", "")
	v.SetDefault("blobs.prefix", "")
	v.SetDefault("blobs.region", "")
	v.SetDefault("blobs.endpoint", "")
	v.SetDefault("blobs.path_style", false)
	v.SetDefault("blobs.access_key", "")
	v.SetDefault("blobs.secret_key", "")
	v.SetDefault("blobs.role_arn", "")
	v.SetDefault("blobs.credentials_file", "")
	v.SetDefault("blobs.cache_dir", "")
	v.SetDefault("blobs.cache_max_size", int64(0))
	v.SetDefault("blobs.cache_ttl", time.Duration(0))

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("limits.upload_max_files", 1000)
	v.SetDefault("limits.upload_max_bytes", int64(50_000_000))
	v.SetDefault("limits.upload_ttl", time.Hour)
	v.SetDefault("limits.max_upload_size", int64(50_000_000))
	v.SetDefault("limits.max_concurrent_uploads", 4)
	v.SetDefault("limits.max_objects_in_copy", 500)
	v.SetDefault("limits.max_changes", 5000)
	v.SetDefault("limits.max_size_request", 10_000_000)
	v.SetDefault("limits.max_calls_in_request", 16)
	v.SetDefault("limits.max_concurrent_requests", 4)
	v.SetDefault("limits.requests_per_second", 50.0)

	v.SetDefault("otel.tracing", false)
	v.SetDefault("otel.metrics", false)
	v.SetDefault("otel.service_name", "mailsync")
}

// Load reads path (optional) and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks backend selections and their required settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case "memory":
	case "pebble", "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the %s backend", c.Store.Backend))
		}
	case "postgres", "mongo":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for the %s backend", c.Store.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	switch c.Store.Fsync {
	case "always", "interval", "never":
	default:
		errs = append(errs, fmt.Errorf("unknown store.fsync %q", c.Store.Fsync))
	}

	switch c.Blobs.Backend {
	case "store":
		if c.Store.Backend != "memory" {
			errs = append(errs, fmt.Errorf("blobs.backend store is only supported by the memory store, not %s", c.Store.Backend))
		}
	case "file":
		if c.Blobs.Dir == "" {
			errs = append(errs, errors.New("blobs.dir is required for the file backend"))
		}
	case "s3", "gcs":
		if c.Blobs.Bucket == "" {
			errs = append(errs, fmt.Errorf("blobs.bucket is required for the %s backend", c.Blobs.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blobs.backend %q", c.Blobs.Backend))
	}
	if c.Blobs.Backend != "store" && c.Redis.Addr == "" {
		errs = append(errs, fmt.Errorf("redis.addr is required for the %s blob backend", c.Blobs.Backend))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}

	seen := make(map[string]struct{}, len(c.Principals))
	for i, p := range c.Principals {
		if p.Login == "" {
			errs = append(errs, fmt.Errorf("principals[%d]: login is required", i))
			continue
		}
		if _, dup := seen[p.Login]; dup {
			errs = append(errs, fmt.Errorf("principals[%d]: duplicate login %q", i, p.Login))
		}
		seen[p.Login] = struct{}{}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Directory builds the static directory of the configured principals.
func (c *Config) Directory() (*directory.Static, error) {
	principals := make([]directory.Principal, 0, len(c.Principals))
	for _, p := range c.Principals {
		members := make([]store.AccountID, 0, len(p.Members))
		for _, m := range p.Members {
			members = append(members, store.AccountID(m))
		}
		principals = append(principals, directory.Principal{
			Login:   p.Login,
			Account: store.AccountID(p.Account),
			Groups:  p.Groups,
			Members: members,
			Quota:   p.Quota,
		})
	}
	return directory.NewStatic(principals)
}

// Secrets maps each login to its configured secret.
func (c *Config) Secrets() map[string]string {
	out := make(map[string]string, len(c.Principals))
	for _, p := range c.Principals {
		out[p.Login] = p.Secret
	}
	return out
}
