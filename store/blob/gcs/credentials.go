package gcs

import (
	"fmt"

	"cloud.google.com/go/auth/credentials"
	"google.golang.org/api/option"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// credentialSource picks how the client authenticates. With nothing set the
// client falls back to application default credentials.
type credentialSource struct {
	json   []byte
	file   string
	apiKey string
}

func (c credentialSource) String() string {
	switch {
	case c.json != nil:
		return "service-account-json"
	case c.file != "":
		return "service-account-file"
	case c.apiKey != "":
		return "api-key"
	}
	return "default"
}

func (c credentialSource) clientOptions(endpoint string) ([]option.ClientOption, error) {
	var opts []option.ClientOption
	switch {
	case c.json != nil || c.file != "":
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{cloudPlatformScope},
			CredentialsJSON: c.json,
			CredentialsFile: c.file,
		})
		if err != nil {
			return nil, fmt.Errorf("load %s credentials: %w", c, err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))
	case c.apiKey != "":
		opts = append(opts, option.WithAPIKey(c.apiKey))
	}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	return opts, nil
}
