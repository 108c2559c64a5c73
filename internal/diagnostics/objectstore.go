package diagnostics

import (
	"context"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/copyleftdev/bondfit/internal/errors"
)

// ObjectStoreConfig configures an S3-compatible artifact bucket.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Prefix    string
	UseSSL    bool
}

// objectAPI is the subset of *minio.Client the store uses.
type objectAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectStore uploads fit artifacts to a bucket. It implements Uploader.
type ObjectStore struct {
	client objectAPI
	bucket string
	region string
	prefix string
	logger *zap.Logger
}

var _ Uploader = (*ObjectStore)(nil)

// NewObjectStore connects to the endpoint in cfg. The bucket is created on
// first use if it does not exist.
func NewObjectStore(cfg ObjectStoreConfig, logger *zap.Logger) (*ObjectStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.Input("object store needs an endpoint and a bucket").
			WithComponent("diagnostics").WithOperation("NewObjectStore")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot create object store client").WithComponent("diagnostics")
	}
	return newObjectStore(client, cfg, logger), nil
}

func newObjectStore(client objectAPI, cfg ObjectStoreConfig, logger *zap.Logger) *ObjectStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObjectStore{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger.Named("objectstore"),
	}
}

// EnsureBucket creates the bucket when it does not exist.
func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return errors.Wrapf(err, "cannot check bucket %s", s.bucket).WithComponent("diagnostics")
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return errors.Wrapf(err, "cannot create bucket %s", s.bucket).WithComponent("diagnostics")
	}
	s.logger.Info("created bucket", zap.String("bucket", s.bucket))
	return nil
}

// Key returns the object name an artifact is stored under.
func (s *ObjectStore) Key(name string) string {
	return path.Join(s.prefix, strings.TrimLeft(name, "/"))
}

// Upload implements Uploader.
func (s *ObjectStore) Upload(ctx context.Context, localPath, name string) error {
	if err := s.EnsureBucket(ctx); err != nil {
		return err
	}

	key := s.Key(name)
	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return errors.Wrapf(err, "cannot upload %s", localPath).WithComponent("diagnostics").WithOperation("Upload")
	}
	s.logger.Debug("uploaded artifact",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.Int64("size", info.Size),
	)
	return nil
}
