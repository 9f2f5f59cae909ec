// Package s3 stores and reads artifacts in AWS S3 and S3-compatible storage.
package s3

import (
	"fmt"
	"strings"
)

// DefaultAWSRegion applies to AWS S3 when neither the config nor the SDK
// credential chain yields a region. Custom endpoints get no default.
const DefaultAWSRegion = "us-east-1"

// Config selects the bucket that holds artifacts, or that an s3:// item URL
// is read from.
//
// Credentials come from the SDK default chain unless AccessKeyID and
// SecretAccessKey are both set. S3-compatible stores (moto, MinIO, Wasabi)
// need Endpoint and usually ForcePathStyle.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool

	// Prefix is joined in front of every key and must not start with "/".
	Prefix string
}

// ConfigError names the invalid field of a Config.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("s3 config: %s: %s", e.Field, e.Message)
}

// Validate checks that the bucket is named and credentials come in pairs.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Bucket) == "":
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	case strings.HasPrefix(c.Prefix, "/"):
		return &ConfigError{Field: "Prefix", Message: "prefix must not start with a slash"}
	case (c.AccessKeyID == "") != (c.SecretAccessKey == ""):
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}
