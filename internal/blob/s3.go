package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rotisserie/eris"
)

// S3Config configures the S3 driver. Credentials come from the default
// AWS chain.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // optional; S3-compatible endpoint such as MinIO
}

// S3 stores blobs in a single bucket under an optional prefix.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 builds a client from the default AWS configuration.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, eris.New("blob: s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, eris.Wrap(err, "blob: load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3FromClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3FromClient wraps an existing client.
func NewS3FromClient(client *s3.Client, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3) Driver() Driver { return DriverS3 }

func (s *S3) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Put skips the upload when the object already exists; keys are content
// hashes so an existing object has the same bytes.
func (s *S3) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	ok, err := s.Exists(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return eris.Wrapf(err, "blob: s3 put %s", key)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, eris.Wrapf(ErrNotFound, "blob: %s", key)
		}
		return nil, eris.Wrapf(err, "blob: s3 get %s", key)
	}
	defer out.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "blob: s3 read %s", key)
	}
	return data, nil
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, eris.Wrapf(err, "blob: s3 head %s", key)
}
