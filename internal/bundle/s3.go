package bundle

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/placesync/placesync/pkg/errors"
)

// maxBundleSize caps the object read from S3.
const maxBundleSize = 64 << 20

// S3Config locates a bundle object.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Key          string `yaml:"key"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
}

// GetObjectAPI is the subset of the S3 client used by S3Source.
type GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads a bundle from an S3 compatible object store.
type S3Source struct {
	client GetObjectAPI
	bucket string
	key    string
}

// NewS3Source builds an S3 client from the default AWS configuration chain.
// Static keys, when given, take precedence over the chain.
func NewS3Source(ctx context.Context, cfg S3Config) (*S3Source, error) {
	if cfg.Bucket == "" || cfg.Key == "" {
		return nil, errors.New(errors.ErrCodeMissingConfig, "bundle bucket and key are required").WithComponent("bundle")
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "load AWS config").WithComponent("bundle")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})
	return NewS3SourceFromClient(client, cfg.Bucket, cfg.Key), nil
}

// NewS3SourceFromClient wraps an existing client.
func NewS3SourceFromClient(client GetObjectAPI, bucket, key string) *S3Source {
	return &S3Source{client: client, bucket: bucket, key: key}
}

// Load implements Source.
func (s *S3Source) Load(ctx context.Context) (Bundle, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return Bundle{}, errors.Wrap(err, errors.ErrCodeRemoteUnavailable, "get bundle object").
			WithComponent("bundle").WithContext("bucket", s.bucket).WithContext("key", s.key)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxBundleSize))
	if err != nil {
		return Bundle{}, errors.Wrap(err, errors.ErrCodeNetworkError, "read bundle object").
			WithComponent("bundle").WithContext("key", s.key)
	}
	return Parse(data)
}
