package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/runnerhub/pkg/blobstore"
)

// Store implements blobstore.Store on an S3 bucket.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ blobstore.Store = (*Store)(nil)

// New creates an S3 blob store.
//
// The store uses AWS SDK v2's default credential chain unless explicit
// credentials are provided in the config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &blobstore.Error{
			Op:     "New",
			Kind:   blobstore.KindS3,
			Bucket: cfg.Bucket,
			Err:    err,
		}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		// Custom endpoint for S3-compatible stores
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: normalizePrefix(cfg.Prefix),
	}, nil
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	// Let the SDK resolve from env/profile unless a region is configured.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"", // session token (empty for long-term credentials)
		)
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	instanceRegion := ""
	if awsCfg.Region == "" && cfg.UseInstanceRegion {
		instanceRegion = lookupInstanceRegion(ctx, imds.NewFromConfig(awsCfg))
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region, instanceRegion)

	return awsCfg, nil
}

// regionGetter is the slice of the IMDS client used for region discovery.
type regionGetter interface {
	GetRegion(ctx context.Context, params *imds.GetRegionInput, optFns ...func(*imds.Options)) (*imds.GetRegionOutput, error)
}

// lookupInstanceRegion asks instance metadata for the region. Off EC2 the
// lookup fails quickly and returns "".
func lookupInstanceRegion(ctx context.Context, client regionGetter) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := client.GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil || out == nil {
		return ""
	}
	return out.Region
}

func (s *Store) objectKey(key string) string {
	return s.prefix + strings.TrimPrefix(key, "/")
}

// Put uploads a blob.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        body,
		ContentType: aws.String(contentType(key)),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return s.wrapError("Put", key, err)
	}
	return nil
}

// Get streams a blob.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, 0, s.wrapError("Get", key, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// Delete removes a blob. S3 reports success for missing keys.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		err = s.wrapError("Delete", key, err)
		if blobstore.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

// Close releases any resources held by the store.
// The S3 client doesn't require explicit cleanup.
func (s *Store) Close() error {
	return nil
}

// wrapError converts S3 errors to blobstore errors with appropriate sentinels.
func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &blobstore.Error{
		Op:     op,
		Kind:   blobstore.KindS3,
		Bucket: s.bucket,
		Key:    key,
		Err:    err,
	}

	// Check for specific S3 error types first
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket

	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = blobstore.ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = blobstore.ErrBucketNotFound
		return wrapped
	}

	// Check smithy API errors for error codes
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = blobstore.ErrNotFound
		case "NoSuchBucket":
			wrapped.Err = blobstore.ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = blobstore.ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = blobstore.ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = blobstore.ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = blobstore.ErrUnavailable
		}
		return wrapped
	}

	// Fallback: check error message for common cases
	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "NoSuchKey") || strings.Contains(errMsg, "NotFound") || strings.Contains(errMsg, "404"):
		wrapped.Err = blobstore.ErrNotFound
	case strings.Contains(errMsg, "NoSuchBucket"):
		wrapped.Err = blobstore.ErrBucketNotFound
	case strings.Contains(errMsg, "AccessDenied") || strings.Contains(errMsg, "Forbidden") || strings.Contains(errMsg, "403"):
		wrapped.Err = blobstore.ErrAccessDenied
	case strings.Contains(errMsg, "InvalidAccessKeyId") || strings.Contains(errMsg, "SignatureDoesNotMatch"):
		wrapped.Err = blobstore.ErrInvalidCredentials
	case strings.Contains(errMsg, "SlowDown") || strings.Contains(errMsg, "Throttling") || strings.Contains(errMsg, "429"):
		wrapped.Err = blobstore.ErrThrottled
	case strings.Contains(errMsg, "ServiceUnavailable") || strings.Contains(errMsg, "503"):
		wrapped.Err = blobstore.ErrUnavailable
	}

	return wrapped
}

// resolveRegion picks the final region after SDK config loading.
//
// sdkRegion already reflects an explicit region or env/profile resolution.
// instanceRegion comes from instance metadata when that was requested.
// AWS S3 (no endpoint) falls back to us-east-1; S3-compatible stores get no
// default.
func resolveRegion(endpoint, sdkRegion, instanceRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if instanceRegion != "" {
		return instanceRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

func normalizePrefix(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(strings.ToLower(key), ".zip"):
		return "application/zip"
	case strings.HasSuffix(strings.ToLower(key), ".xml"):
		return "application/xml"
	case strings.HasSuffix(strings.ToLower(key), ".json"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
