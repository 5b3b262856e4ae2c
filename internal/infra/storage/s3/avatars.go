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

// Resolver turns a stored avatar reference into a URL a browser can load.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// AvatarResolver presigns GET requests for avatar objects in an S3-compatible bucket.
type AvatarResolver struct {
	bucket string
	ttl    time.Duration
	client *minio.Client
	logger *slog.Logger
}

// Options configures the resolver. Region is fixed so presigning never needs a
// bucket location round trip.
type Options struct {
	Endpoint  string
	UseSSL    bool
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	TTL       time.Duration
}

func NewAvatarResolver(opts Options, logger *slog.Logger) (*AvatarResolver, error) {
	cleanEndpoint := strings.TrimSpace(opts.Endpoint)
	if cleanEndpoint == "" {
		return nil, errors.New("s3: endpoint is required")
	}
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := minio.New(parseEndpoint(cleanEndpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(opts.AccessKey), strings.TrimSpace(opts.SecretKey), ""),
		Secure: opts.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &AvatarResolver{bucket: bucket, ttl: ttl, client: client, logger: logger}, nil
}

// Resolve presigns ref. Empty refs stay empty and absolute URLs pass through.
func (r *AvatarResolver) Resolve(ctx context.Context, ref string) (string, error) {
	key := strings.Trim(strings.TrimSpace(ref), "/")
	if key == "" {
		return "", nil
	}
	if isAbsolute(key) {
		return ref, nil
	}
	u, err := r.client.PresignedGetObject(ctx, r.bucket, key, r.ttl, nil)
	if err != nil {
		return "", fmt.Errorf("s3: presign %s: %w", key, err)
	}
	return u.String(), nil
}

// Ping reports whether the bucket is reachable.
func (r *AvatarResolver) Ping(ctx context.Context) error {
	exists, err := r.client.BucketExists(ctx, r.bucket)
	if err != nil {
		return fmt.Errorf("s3: check bucket: %w", err)
	}
	if !exists {
		return fmt.Errorf("s3: bucket %s does not exist", r.bucket)
	}
	return nil
}

// PassthroughResolver returns references unchanged when no bucket is configured.
type PassthroughResolver struct{}

func (PassthroughResolver) Resolve(_ context.Context, ref string) (string, error) {
	return ref, nil
}

func isAbsolute(ref string) bool {
	u, err := url.Parse(ref)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func parseEndpoint(endpoint string) string {
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return endpoint
}

var _ Resolver = (*AvatarResolver)(nil)
var _ Resolver = PassthroughResolver{}
