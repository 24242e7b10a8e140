package services

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type UploadResult struct {
	Key       string `json:"key"`
	PublicURL string `json:"public_url"`
	Size      int    `json:"size"`
}

type StorageProvider interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (*UploadResult, error)
	PublicURL(key string) string
}

// S3Storage writes to any S3 compatible bucket: Supabase Storage, R2 or MinIO.
type S3Storage struct {
	client        *s3.Client
	bucket        string
	publicBaseURL string
}

func NewS3Storage(ctx context.Context, cfg StorageConfig) (*S3Storage, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("storage endpoint is not configured")
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL:               endpoint,
			SigningRegion:     cfg.Region,
			HostnameImmutable: true,
		}, nil
	})
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return NewS3StorageWithClient(client, cfg.Bucket, cfg.PublicBaseURL), nil
}

func NewS3StorageWithClient(client *s3.Client, bucket, publicBaseURL string) *S3Storage {
	return &S3Storage{
		client:        client,
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

func (s *S3Storage) Upload(ctx context.Context, key string, data []byte, contentType string) (*UploadResult, error) {
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: int64(len(data)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return &UploadResult{Key: key, PublicURL: s.PublicURL(key), Size: len(data)}, nil
}

// PublicURL is <base>/<bucket>/<key>, the Supabase public object layout.
func (s *S3Storage) PublicURL(key string) string {
	return BuildPublicURL(s.publicBaseURL, s.bucket, key)
}

func BuildPublicURL(baseURL, bucket, key string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(baseURL, "/"), bucket, strings.TrimLeft(key, "/"))
}

func UserUploadKey(userID, ext string, unix int64) string {
	return fmt.Sprintf("user_uploads/%s_%d.%s", SanitizeKeyPart(userID), unix, ext)
}

func TryOnResultKey(userID, productID string, unix int64) string {
	return fmt.Sprintf("tryon_results/%s_%s_%d.png", SanitizeKeyPart(userID), SanitizeKeyPart(productID), unix)
}
