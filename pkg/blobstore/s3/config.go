// Package s3 keeps job artifact archives in an S3 bucket or an S3-compatible
// store such as MinIO or moto.
package s3

// DefaultAWSRegion applies to AWS S3 when neither the config nor the SDK
// chain names a region. Custom endpoints get no default.
const DefaultAWSRegion = "us-east-1"

// Config locates the artifact bucket.
//
// Credentials come from the SDK default chain (environment, shared files,
// instance or task roles) unless AccessKeyID and SecretAccessKey are both
// set. Profile picks a shared-config profile.
type Config struct {
	Bucket string
	// Prefix is prepended to every artifact key, e.g. "runnerhub/artifacts/".
	Prefix string

	Region string
	// UseInstanceRegion falls back to EC2 instance metadata for the region.
	UseInstanceRegion bool

	// Endpoint overrides the S3 URL, e.g. http://localhost:9000 for MinIO.
	Endpoint       string
	ForcePathStyle bool

	Profile         string
	AccessKeyID     string
	SecretAccessKey string
}

// Validate reports a missing bucket or a half-set static credential pair.
func (c *Config) Validate() error {
	switch {
	case c.Bucket == "":
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	case (c.AccessKeyID == "") != (c.SecretAccessKey == ""):
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError names the Config field that failed validation.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
