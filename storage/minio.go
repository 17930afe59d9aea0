package storage

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	relayerrors "github.com/input-output-hk/catalyst-forge-libs/relay/errors"
)

// MinioAPI defines the MinIO client operations used by the backend.
type MinioAPI interface {
	PutObject(
		ctx context.Context,
		bucketName, objectName string,
		reader io.Reader,
		objectSize int64,
		opts minio.PutObjectOptions,
	) (minio.UploadInfo, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
}

var _ MinioAPI = (*minio.Client)(nil)

// MinioConfig configures the MinIO backend.
type MinioConfig struct {
	// Endpoint is host[:port] without a scheme.
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	UseSSL          bool
}

// MinioStore uploads objects to a MinIO server.
//
// minio-go retries failed requests internally; errors that still surface are
// classified the same way as the S3 backend.
type MinioStore struct {
	api MinioAPI
}

// NewMinio creates a MinIO backend with static credentials.
func NewMinio(cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, relayerrors.NewKindError("storage init", relayerrors.KindInvalidArgument, err)
	}
	return &MinioStore{api: client}, nil
}

// NewMinioWithClient creates a MinIO backend over a custom client.
func NewMinioWithClient(api MinioAPI) *MinioStore {
	return &MinioStore{api: api}
}

// Put uploads payload in a single request.
func (s *MinioStore) Put(ctx context.Context, bucket, key string, payload []byte, opts PutOptions) (PutOutput, error) {
	info, err := s.api.PutObject(ctx, bucket, key, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: opts.ContentType})
	if err != nil {
		return PutOutput{}, relayerrors.NewKindError("put", classifyMinioError(err), err).WithKey(key)
	}
	return PutOutput{
		BytesWritten: info.Size,
		ETag:         info.ETag,
		VersionID:    info.VersionID,
	}, nil
}

// CheckBucket verifies the bucket exists.
func (s *MinioStore) CheckBucket(ctx context.Context, bucket string) error {
	ok, err := s.api.BucketExists(ctx, bucket)
	if err != nil {
		return relayerrors.NewKindError("check bucket", classifyMinioError(err), err).
			WithMessage("bucket " + bucket)
	}
	if !ok {
		return relayerrors.NewKindError("check bucket", relayerrors.KindInvalidArgument, nil).
			WithMessage("bucket " + bucket + " does not exist")
	}
	return nil
}

// Close is a no-op; the MinIO client holds no resources that need releasing.
func (s *MinioStore) Close() error {
	return nil
}

func classifyMinioError(err error) relayerrors.Kind {
	resp := minio.ToErrorResponse(err)
	if kind, ok := kindForCode(resp.Code); ok {
		return kind
	}
	if kind, ok := kindForStatus(resp.StatusCode); ok {
		return kind
	}
	return kindForTransport(err)
}

var (
	_ ObjectStore   = (*MinioStore)(nil)
	_ BucketChecker = (*MinioStore)(nil)
)
