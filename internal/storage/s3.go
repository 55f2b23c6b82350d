package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	PutObjectAcl(ctx context.Context, in *s3.PutObjectAclInput, optFns ...func(*s3.Options)) (*s3.PutObjectAclOutput, error)
}

// S3Store publishes objects to an S3-compatible bucket with a public-read ACL.
type S3Store struct {
	client  S3API
	bucket  string
	region  string
	baseURL string
	logger  *log.Logger
}

// NewS3Store loads AWS credentials from the environment and shared config
// and returns a store for cfg.Bucket.
func NewS3Store(ctx context.Context, cfg Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 backend requires a bucket")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	baseURL := cfg.PublicBaseURL
	if baseURL == "" && cfg.Endpoint != "" {
		baseURL = cfg.Endpoint + "/" + cfg.Bucket
	}
	return newS3Store(client, cfg.Bucket, awsCfg.Region, baseURL, cfg.Logger), nil
}

func newS3Store(client S3API, bucket, region, baseURL string, logger *log.Logger) *S3Store {
	if logger == nil {
		logger = log.New(os.Stderr, "[storage] ", log.LstdFlags)
	}
	return &S3Store{
		client:  client,
		bucket:  bucket,
		region:  region,
		baseURL: baseURL,
		logger:  logger,
	}
}

// EnsurePublic uploads localPath as key if the object is missing, otherwise
// re-applies the public-read ACL to the existing object.
func (s *S3Store) EnsurePublic(ctx context.Context, key, localPath string) (string, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})

	var notFound *types.NotFound
	switch {
	case err == nil:
		_, err = s.client.PutObjectAcl(ctx, &s3.PutObjectAclInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			ACL:    types.ObjectCannedACLPublicRead,
		})
		if err != nil {
			return "", fmt.Errorf("%w: failed to make %s public: %v", ErrUploadFailed, key, err)
		}
		s.logger.Printf("Already in bucket: %s", key)

	case errors.As(err, &notFound):
		if err := s.put(ctx, key, localPath); err != nil {
			return "", err
		}
		s.logger.Printf("Uploaded %s to s3://%s", key, s.bucket)

	default:
		return "", fmt.Errorf("%w: failed to check %s: %v", ErrUploadFailed, key, err)
	}

	return s.url(key), nil
}

func (s *S3Store) put(ctx context.Context, key, localPath string) error {
	f, info, err := openLocal(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType(localPath)),
		ACL:           types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to upload %s: %v", ErrUploadFailed, key, err)
	}
	return nil
}

func (s *S3Store) url(key string) string {
	if s.baseURL != "" {
		return joinURL(s.baseURL, key)
	}
	return joinURL(fmt.Sprintf("https://%s.s3.%s.amazonaws.com", s.bucket, s.region), key)
}
