package storage

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	relayerrors "github.com/input-output-hk/catalyst-forge-libs/relay/errors"
	"github.com/input-output-hk/catalyst-forge-libs/relay/internal/s3api"
)

// DefaultRegion is used when neither the options nor the environment name one.
const DefaultRegion = "us-east-1"

// S3Config configures the S3 backend.
type S3Config struct {
	// Region is the AWS region of the bucket.
	Region string

	// Endpoint overrides the service endpoint, for LocalStack or other
	// S3-compatible services.
	Endpoint string

	// ForcePathStyle addresses buckets as endpoint/bucket rather than
	// bucket.endpoint.
	ForcePathStyle bool

	// Static credentials. When AccessKeyID is empty the default AWS
	// credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Timeout bounds each HTTP request. Zero means no timeout.
	Timeout time.Duration

	// AWSConfig replaces the loaded AWS configuration entirely.
	AWSConfig *aws.Config
}

// S3Option configures an S3Config.
type S3Option func(*S3Config)

// WithRegion sets the AWS region.
func WithRegion(region string) S3Option {
	return func(c *S3Config) {
		c.Region = region
	}
}

// WithEndpoint sets a custom endpoint URL.
func WithEndpoint(endpoint string) S3Option {
	return func(c *S3Config) {
		c.Endpoint = endpoint
	}
}

// WithForcePathStyle enables path-style addressing.
func WithForcePathStyle(enabled bool) S3Option {
	return func(c *S3Config) {
		c.ForcePathStyle = enabled
	}
}

// WithStaticCredentials uses fixed credentials instead of the default chain.
func WithStaticCredentials(accessKeyID, secretAccessKey, sessionToken string) S3Option {
	return func(c *S3Config) {
		c.AccessKeyID = accessKeyID
		c.SecretAccessKey = secretAccessKey
		c.SessionToken = sessionToken
	}
}

// WithTimeout bounds each HTTP request made to the service.
func WithTimeout(timeout time.Duration) S3Option {
	return func(c *S3Config) {
		c.Timeout = timeout
	}
}

// WithAWSConfig uses the provided AWS configuration.
func WithAWSConfig(cfg *aws.Config) S3Option {
	return func(c *S3Config) {
		c.AWSConfig = cfg
	}
}

// S3Store uploads objects to Amazon S3 or an S3-compatible service.
type S3Store struct {
	api        s3api.S3API
	httpClient *http.Client
}

// NewS3 creates an S3 backend. Credentials come from the default AWS chain
// unless static credentials are configured.
//
// The SDK's own retryer is disabled; callers decide whether to retry based on
// the error kind.
func NewS3(ctx context.Context, opts ...S3Option) (*S3Store, error) {
	cfg := &S3Config{}
	for _, opt := range opts {
		opt(cfg)
	}

	var awsCfg aws.Config
	if cfg.AWSConfig != nil {
		awsCfg = *cfg.AWSConfig
	} else {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AccessKeyID != "" {
			loadOpts = append(loadOpts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
			))
		}

		loaded, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, relayerrors.NewKindError("storage init", relayerrors.KindAuth, err)
		}
		awsCfg = loaded
	}

	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	} else if awsCfg.Region == "" {
		awsCfg.Region = DefaultRegion
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.Retryer = aws.NopRetryer{}
		o.HTTPClient = httpClient
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3Store{api: client, httpClient: httpClient}, nil
}

// NewS3WithClient creates an S3 backend over a custom S3API implementation.
// This is primarily used for testing with mocked clients.
func NewS3WithClient(api s3api.S3API) *S3Store {
	return &S3Store{api: api}
}

// Put uploads payload as a single PutObject request.
func (s *S3Store) Put(ctx context.Context, bucket, key string, payload []byte, opts PutOptions) (PutOutput, error) {
	size := int64(len(payload))
	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(size),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	out, err := s.api.PutObject(ctx, input)
	if err != nil {
		return PutOutput{}, relayerrors.NewKindError("put", classifyAWSError(err), err).WithKey(key)
	}

	return PutOutput{
		BytesWritten: size,
		ETag:         aws.ToString(out.ETag),
		VersionID:    aws.ToString(out.VersionId),
	}, nil
}

// CheckBucket verifies the bucket exists and the credentials can reach it.
func (s *S3Store) CheckBucket(ctx context.Context, bucket string) error {
	_, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		return relayerrors.NewKindError("check bucket", classifyAWSError(err), err).
			WithMessage("bucket " + bucket)
	}
	return nil
}

// Close releases idle HTTP connections.
func (s *S3Store) Close() error {
	if s.httpClient != nil {
		s.httpClient.CloseIdleConnections()
	}
	return nil
}

// classifyAWSError maps an SDK error to an error kind.
func classifyAWSError(err error) relayerrors.Kind {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if kind, ok := kindForCode(apiErr.ErrorCode()); ok {
			return kind
		}
	}

	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		if kind, ok := kindForStatus(statusErr.HTTPStatusCode()); ok {
			return kind
		}
	}

	return kindForTransport(err)
}

var (
	_ ObjectStore   = (*S3Store)(nil)
	_ BucketChecker = (*S3Store)(nil)
)
