package providers

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// AzureProvider stores snapshots as block blobs in an Azure container.
type AzureProvider struct {
	Container string
	client    *azblob.Client
}

// NewAzureProvider builds a client from a storage account connection
// string.
func NewAzureProvider(cfg Config) (*AzureProvider, error) {
	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure client: %w", err)
	}
	return &AzureProvider{Container: cfg.Container, client: client}, nil
}

func (p *AzureProvider) Name() string { return NameAzure }

func (p *AzureProvider) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("azure upload %s: %w", key, err)
	}
	_, err = p.client.UploadBuffer(ctx, p.Container, key, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return fmt.Errorf("azure upload %s: %w", key, err)
	}
	return nil
}

func (p *AzureProvider) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pager := p.client.NewListBlobsFlatPager(p.Container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return keys, fmt.Errorf("azure list %s: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				keys = append(keys, *item.Name)
			}
		}
	}
	return keys, nil
}

func (p *AzureProvider) Delete(ctx context.Context, key string) error {
	if _, err := p.client.DeleteBlob(ctx, p.Container, key, nil); err != nil {
		return fmt.Errorf("azure delete %s: %w", key, err)
	}
	return nil
}
