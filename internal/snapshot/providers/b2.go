package providers

import (
	"context"
	"fmt"
	"io"

	"github.com/Backblaze/blazer/b2"
)

// B2Provider stores snapshots in a Backblaze B2 bucket.
type B2Provider struct {
	bucket *b2.Bucket
}

// NewB2Provider authorizes the account and opens the bucket. Endpoint
// replaces the B2 API base URL.
func NewB2Provider(ctx context.Context, cfg Config) (*B2Provider, error) {
	var opts []b2.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, b2.APIBase(cfg.Endpoint))
	}
	client, err := b2.NewClient(ctx, cfg.AccountID, cfg.ApplicationKey, opts...)
	if err != nil {
		return nil, fmt.Errorf("authorize b2 account: %w", err)
	}
	bucket, err := client.Bucket(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("open b2 bucket %s: %w", cfg.Bucket, err)
	}
	return &B2Provider{bucket: bucket}, nil
}

func (p *B2Provider) Name() string { return NameB2 }

func (p *B2Provider) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	w := p.bucket.Object(key).NewWriter(ctx, b2.WithAttrsOption(&b2.Attrs{ContentType: contentType}))
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("b2 upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("b2 upload %s: %w", key, err)
	}
	return nil
}

func (p *B2Provider) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := p.bucket.List(ctx, b2.ListPrefix(prefix))
	for it.Next() {
		keys = append(keys, it.Object().Name())
	}
	if err := it.Err(); err != nil {
		return keys, fmt.Errorf("b2 list %s: %w", prefix, err)
	}
	return keys, nil
}

func (p *B2Provider) Delete(ctx context.Context, key string) error {
	if err := p.bucket.Object(key).Delete(ctx); err != nil && !b2.IsNotExist(err) {
		return fmt.Errorf("b2 delete %s: %w", key, err)
	}
	return nil
}
