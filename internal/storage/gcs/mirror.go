// Package gcs mirrors crawl snapshots into a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Config captures the parameters required to reach the bucket.
type Config struct {
	Bucket string
}

// Mirror uploads snapshot files to a configured bucket.
type Mirror struct {
	client    *storage.Client
	bucket    string
	ownClient bool
}

// Open creates a client from Application Default Credentials.
func Open(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Mirror, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	m, err := New(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	m.ownClient = true
	return m, nil
}

// New wraps an existing client.
func New(client *storage.Client, cfg Config) (*Mirror, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Mirror{client: client, bucket: cfg.Bucket}, nil
}

// PutObject uploads r to path and returns its gs:// URI.
func (m *Mirror) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := m.client.Bucket(m.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", m.bucket, path), nil
}

// Close releases the client when the mirror created it.
func (m *Mirror) Close() error {
	if !m.ownClient {
		return nil
	}
	return m.client.Close()
}
