// Package media archives rendered certificate artwork in S3-compatible object storage.
// Issued certificates are stored once under a stable key and shared through presigned GET URLs.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client wraps the AWS S3 client for certificate artifacts.
type S3Client struct {
	client  *s3.Client        // AWS S3 client
	presign *s3.PresignClient // Presigner for download links
	bucket  string            // Bucket holding certificate artwork
}

// NewS3Client creates a new S3 client for the certificate archive.
// It supports both AWS S3 and S3-compatible services like MinIO.
// Parameters:
//   - endpoint: S3 service endpoint URL (empty for AWS defaults)
//   - region: AWS region (or equivalent for S3-compatible services)
//   - bucket: S3 bucket name for certificate artwork
//   - accessKey: Access key for authentication
//   - secretKey: Secret key for authentication
//
// Returns:
//   - *S3Client: Initialized S3 client
//   - error: Any error that occurred during initialization
func NewS3Client(endpoint, region, bucket, accessKey, secretKey string) (*S3Client, error) {
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})))
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing keeps MinIO and other S3-compatible services working
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &S3Client{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
	}, nil
}

// ArtifactKey is the object key for a certificate's artwork.
func ArtifactKey(certificateNumber string) string {
	return "certificates/" + certificateNumber + ".png"
}

// Put uploads body under key.
func (s *S3Client) Put(ctx context.Context, key, contentType string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is already archived and its size.
// Resent certificates reuse the archived artwork instead of uploading again.
func (s *S3Client) Exists(ctx context.Context, key string) (bool, int64, error) {
	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("failed to get object metadata: %w", err)
	}
	return true, aws.ToInt64(result.ContentLength), nil
}

// DownloadURL returns a presigned GET URL for key.
func (s *S3Client) DownloadURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return req.URL, nil
}
