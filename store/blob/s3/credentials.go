package s3

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// credentialSource selects how the client authenticates. The zero value
// uses the default chain (environment, shared config, instance roles).
type credentialSource struct {
	accessKey    string
	secretKey    string
	sessionToken string

	roleARN     string
	sessionName string
	externalID  string
}

func (c credentialSource) String() string {
	switch {
	case c.accessKey != "":
		return "static"
	case c.roleARN != "":
		return "assume-role"
	}
	return "default-chain"
}

// loadConfig resolves the AWS configuration for region with c applied.
func (c credentialSource) loadConfig(ctx context.Context, region string) (aws.Config, error) {
	load := []func(*config.LoadOptions) error{config.WithRegion(region)}

	switch {
	case c.accessKey != "":
		load = append(load, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.accessKey, c.secretKey, c.sessionToken)))
	case c.roleARN != "":
		caller, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("load caller config: %w", err)
		}
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(caller), c.roleARN,
			func(o *stscreds.AssumeRoleOptions) {
				o.RoleSessionName = DefaultSessionName
				if c.sessionName != "" {
					o.RoleSessionName = c.sessionName
				}
				if c.externalID != "" {
					o.ExternalID = aws.String(c.externalID)
				}
			})
		load = append(load, config.WithCredentialsProvider(aws.NewCredentialsCache(provider)))
	}

	return config.LoadDefaultConfig(ctx, load...)
}
