// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	apperrors "github.com/soothill/sunstrong-data-logger/pkg/errors"
	"github.com/soothill/sunstrong-data-logger/pkg/logger"
)

// ObjectStore is the whole-object storage the daily CSV sink uploads to.
// Get returns apperrors.ErrObjectNotFound when the object doesn't exist.
type ObjectStore interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte, contentType string) error
	Close() error
}

// GCSConfig selects the bucket and the credentials used to reach it.
// With neither credential set, Application Default Credentials are used.
type GCSConfig struct {
	Bucket          string
	CredentialsJSON string // Service account key contents
	CredentialsFile string // Path to a service account key file
}

// GCSObjectStore stores objects in a Google Cloud Storage bucket.
type GCSObjectStore struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	name   string
}

// NewGCSObjectStore creates a GCS client for the configured bucket.
func NewGCSObjectStore(ctx context.Context, cfg GCSConfig) (*GCSObjectStore, error) {
	if cfg.Bucket == "" {
		return nil, apperrors.NewConfigError("gcs.bucket", "", fmt.Errorf("bucket is required for gcs output"))
	}

	var opts []option.ClientOption
	switch {
	case cfg.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, apperrors.NewSinkError("gcs", "connect", err)
	}

	logger.Info().Str("bucket", cfg.Bucket).Msg("Connected to Google Cloud Storage")
	return &GCSObjectStore{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		name:   cfg.Bucket,
	}, nil
}

// Get downloads an object.
func (s *GCSObjectStore) Get(ctx context.Context, name string) ([]byte, error) {
	r, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, apperrors.ErrObjectNotFound
		}
		return nil, fmt.Errorf("open gs://%s/%s: %w", s.name, name, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", s.name, name, err)
	}
	return data, nil
}

// Put replaces an object with data.
func (s *GCSObjectStore) Put(ctx context.Context, name string, data []byte, contentType string) error {
	w := s.bucket.Object(name).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", s.name, name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload gs://%s/%s: %w", s.name, name, err)
	}
	return nil
}

// Close releases the GCS client.
func (s *GCSObjectStore) Close() error {
	return s.client.Close()
}
