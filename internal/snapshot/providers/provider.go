// Package providers stores snapshot objects on local disk or in object
// storage (S3-compatible, Google Cloud Storage, Azure Blob, Backblaze B2).
package providers

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Provider stores, lists and deletes snapshot objects by key. Keys use
// forward slashes.
type Provider interface {
	Name() string
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Provider names accepted by New.
const (
	NameLocal = "local"
	NameS3    = "s3"
	NameGCS   = "gcs"
	NameAzure = "azure"
	NameB2    = "b2"
)

// Config selects and configures a provider. Only the fields of the chosen
// provider are read.
type Config struct {
	Provider string `mapstructure:"provider" yaml:"provider"`

	// local
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	// s3, gcs, b2
	Bucket string `mapstructure:"bucket" yaml:"bucket,omitempty"`

	// Endpoint overrides the service URL for s3, gcs and b2 (MinIO,
	// emulators).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// s3
	Region          string `mapstructure:"region" yaml:"region,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"-"`
	SessionToken    string `mapstructure:"session_token" yaml:"-"`

	// gcs
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file,omitempty"`

	// azure
	ConnectionString string `mapstructure:"connection_string" yaml:"-"`
	Container        string `mapstructure:"container" yaml:"container,omitempty"`

	// b2
	AccountID      string `mapstructure:"account_id" yaml:"account_id,omitempty"`
	ApplicationKey string `mapstructure:"application_key" yaml:"-"`
}

// Names lists every provider New understands.
func Names() []string {
	return []string{NameLocal, NameS3, NameGCS, NameAzure, NameB2}
}

// Validate checks that the fields required by the chosen provider are set.
func (c Config) Validate() error {
	switch strings.ToLower(c.Provider) {
	case NameLocal:
		if c.Path == "" {
			return fmt.Errorf("local snapshot provider requires path")
		}
	case NameS3:
		if c.Bucket == "" || c.Region == "" {
			return fmt.Errorf("s3 snapshot provider requires bucket and region")
		}
		if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
			return fmt.Errorf("s3 access_key_id and secret_access_key must be set together")
		}
	case NameGCS:
		if c.Bucket == "" {
			return fmt.Errorf("gcs snapshot provider requires bucket")
		}
	case NameAzure:
		if c.ConnectionString == "" || c.Container == "" {
			return fmt.Errorf("azure snapshot provider requires connection_string and container")
		}
	case NameB2:
		if c.Bucket == "" || c.AccountID == "" || c.ApplicationKey == "" {
			return fmt.Errorf("b2 snapshot provider requires bucket, account_id and application_key")
		}
	default:
		return fmt.Errorf("unknown snapshot provider %q (want one of %s)", c.Provider, strings.Join(Names(), ", "))
	}
	return nil
}

// New builds the provider described by cfg. Cloud providers authenticate
// during construction.
func New(ctx context.Context, cfg Config) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Provider) {
	case NameLocal:
		return NewLocalProvider(cfg.Path), nil
	case NameS3:
		return NewS3Provider(ctx, cfg)
	case NameGCS:
		return NewGCSProvider(ctx, cfg)
	case NameAzure:
		return NewAzureProvider(cfg)
	default:
		return NewB2Provider(ctx, cfg)
	}
}
