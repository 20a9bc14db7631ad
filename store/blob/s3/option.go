package s3

import (
	"errors"
	"log/slog"
)

// Defaults applied by New.
const (
	DefaultRegion      = "us-east-1"
	DefaultPrefix      = "objects"
	DefaultSessionName = "mailsyncd"
)

type options struct {
	bucket    string
	prefix    string
	region    string
	endpoint  string
	pathStyle bool
	creds     credentialSource
	logger    *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		prefix: DefaultPrefix,
		region: DefaultRegion,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) validate() error {
	if o.bucket == "" {
		return errors.New("s3: bucket is required")
	}
	if o.creds.accessKey != "" && o.creds.roleARN != "" {
		return errors.New("s3: static credentials and role assumption are exclusive")
	}
	if (o.creds.accessKey == "") != (o.creds.secretKey == "") {
		return errors.New("s3: access key and secret key must be set together")
	}
	return nil
}

// Option configures a Store.
type Option func(*options)

// WithBucket names the bucket holding blob objects. Required.
func WithBucket(bucket string) Option {
	return func(o *options) { o.bucket = bucket }
}

// WithPrefix sets the key prefix of every object (default "objects").
// An empty prefix stores objects at the bucket root.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

func WithRegion(region string) Option {
	return func(o *options) {
		if region != "" {
			o.region = region
		}
	}
}

// WithEndpoint points the client at an S3-compatible service such as MinIO.
func WithEndpoint(endpoint string) Option {
	return func(o *options) { o.endpoint = endpoint }
}

// WithPathStyle addresses objects as endpoint/bucket/key. Only used with
// WithEndpoint.
func WithPathStyle(enabled bool) Option {
	return func(o *options) { o.pathStyle = enabled }
}

// WithStaticCredentials uses a fixed access key pair instead of the default
// credential chain.
func WithStaticCredentials(accessKey, secretKey string) Option {
	return func(o *options) {
		o.creds.accessKey = accessKey
		o.creds.secretKey = secretKey
	}
}

// WithSessionToken adds the token of temporary static credentials.
func WithSessionToken(token string) Option {
	return func(o *options) { o.creds.sessionToken = token }
}

// WithAssumeRole obtains credentials by assuming roleARN through STS, using
// the default chain as the caller. An empty sessionName uses
// DefaultSessionName.
func WithAssumeRole(roleARN, sessionName string) Option {
	return func(o *options) {
		o.creds.roleARN = roleARN
		o.creds.sessionName = sessionName
	}
}

// WithExternalID sets the external id required by some cross-account roles.
func WithExternalID(externalID string) Option {
	return func(o *options) { o.creds.externalID = externalID }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
