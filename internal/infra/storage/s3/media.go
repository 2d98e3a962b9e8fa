package s3

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Resolver turns stored object keys (avatars, booking card images) into URLs
// a browser can fetch.
type Resolver interface {
	URL(ctx context.Context, key string) (string, error)
}

// Client wraps a MinIO/S3 client and produces presigned GET URLs.
type Client struct {
	bucket string
	ttl    time.Duration
	client *minio.Client
	logger *slog.Logger
}

// NewClient configures a resolver for the given endpoint and credentials.
func NewClient(endpoint string, useSSL bool, accessKey, secretKey, bucket string, ttl time.Duration, logger *slog.Logger) (*Client, error) {
	cleanEndpoint := strings.TrimSpace(endpoint)
	if cleanEndpoint == "" {
		return nil, errors.New("s3: endpoint is required")
	}
	if bucket = strings.TrimSpace(bucket); bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	minioClient, err := minio.New(parseEndpoint(cleanEndpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(accessKey), strings.TrimSpace(secretKey), ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &Client{
		bucket: bucket,
		ttl:    ttl,
		client: minioClient,
		logger: logger,
	}, nil
}

// URL presigns a GET for the object key. Keys that already look like full
// URLs pass through untouched.
func (c *Client) URL(ctx context.Context, key string) (string, error) {
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return "", nil
	}
	if strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		return key, nil
	}
	presigned, err := c.client.PresignedGetObject(ctx, c.bucket, key, c.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("s3: presign %s: %w", key, err)
	}
	return presigned.String(), nil
}

// NoopResolver passes keys through unchanged when S3 is not configured.
type NoopResolver struct{}

func (NoopResolver) URL(_ context.Context, key string) (string, error) {
	return key, nil
}

func parseEndpoint(endpoint string) string {
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return endpoint
}

var _ Resolver = (*Client)(nil)
var _ Resolver = NoopResolver{}
