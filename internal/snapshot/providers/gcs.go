package providers

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSProvider stores snapshots in a Google Cloud Storage bucket.
type GCSProvider struct {
	Bucket string
	client *storage.Client
}

// NewGCSProvider builds a client from a service account file, or from
// application default credentials when none is configured. Endpoint points
// the client at an emulator without authentication.
func NewGCSProvider(ctx context.Context, cfg Config) (*GCSProvider, error) {
	var opts []option.ClientOption
	switch {
	case cfg.Endpoint != "":
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSProvider{Bucket: cfg.Bucket, client: client}, nil
}

func (p *GCSProvider) Name() string { return NameGCS }

func (p *GCSProvider) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	w := p.client.Bucket(p.Bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("gcs upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs upload %s: %w", key, err)
	}
	return nil
}

func (p *GCSProvider) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := p.client.Bucket(p.Bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return keys, nil
		}
		if err != nil {
			return keys, fmt.Errorf("gcs list %s: %w", prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
}

func (p *GCSProvider) Delete(ctx context.Context, key string) error {
	err := p.client.Bucket(p.Bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %s: %w", key, err)
	}
	return nil
}

// Close releases the client's connections.
func (p *GCSProvider) Close() error {
	return p.client.Close()
}
