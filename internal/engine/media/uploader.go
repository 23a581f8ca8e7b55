// Package media stores downloaded photo bytes and hands back the URL
// that goes into the photo record.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tavolo/placeharvest/internal/config"
)

// Uploader stores one photo object. Implementations must be safe for
// concurrent use; photo uploads carry no cross-cell state.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// PhotoKey is the object key for a place photo. The stable layout is
// what lets reruns land on the same key instead of accumulating copies.
func PhotoKey(placeID string, seq int) string {
	return fmt.Sprintf("photos/%s/%d.jpg", placeID, seq)
}

// Bucket uploads to an S3-compatible service through a custom endpoint.
type Bucket struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

func NewBucket(cfg config.S3) *Bucket {
	opts := s3.Options{
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		Region:      cfg.Region,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return &Bucket{
		client:    s3.New(opts),
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
	}
}

func (b *Bucket) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}
	if b.publicURL != "" {
		return b.publicURL + "/" + key, nil
	}
	return path.Join(b.bucket, key), nil
}

// Dir writes photos under a local directory when no bucket is
// configured. The stored URL is the file path.
type Dir struct {
	root string
}

func NewDir(root string) *Dir {
	return &Dir{root: root}
}

func (d *Dir) Upload(_ context.Context, key string, data []byte, _ string) (string, error) {
	dest := filepath.Join(d.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("creating photo dir: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("writing photo: %w", err)
	}
	return dest, nil
}
