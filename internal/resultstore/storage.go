// Package resultstore persists serialized export results.
//
// A Storage backend stores a byte payload under a job ID and returns an
// opaque reference that the job record carries. The cleaner later deletes
// the payload through the same reference.
package resultstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Retrieve when no payload exists for a reference.
var ErrNotFound = errors.New("result not found")

// Storage stores, retrieves and deletes result payloads.
type Storage interface {
	// Store writes data for the job and returns its reference. ext is the
	// formatter's file extension including the leading dot.
	Store(ctx context.Context, jobID, ext string, data []byte) (string, error)
	Retrieve(ctx context.Context, ref string) ([]byte, error)
	// Delete removes the payload. An absent reference reports false with no error.
	Delete(ctx context.Context, ref string) (bool, error)
}

// Provider names accepted by New.
const (
	ProviderFile  = "file"
	ProviderS3    = "s3"
	ProviderGCS   = "gcs"
	ProviderAzure = "azure"
)

// Config selects and configures a backend.
type Config struct {
	Provider        string
	AppendExtension bool
	// Prefix is prepended to object keys in the cloud backends.
	Prefix string

	FileRoot string

	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string

	GCSBucket          string
	GCSCredentialsFile string

	AzureAccountName string
	AzureAccountKey  string
	AzureContainer   string
	AzureServiceURL  string

	CacheSize int
	CacheTTL  time.Duration
}

// New builds the backend named by cfg.Provider, wrapped in a read cache when
// cfg.CacheSize is positive.
func New(ctx context.Context, cfg Config) (Storage, error) {
	var (
		s   Storage
		err error
	)
	switch cfg.Provider {
	case "", ProviderFile:
		s, err = NewFile(cfg.FileRoot, cfg.AppendExtension)
	case ProviderS3:
		s, err = NewS3(S3Options{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Prefix:          cfg.Prefix,
			AppendExtension: cfg.AppendExtension,
		})
	case ProviderGCS:
		s, err = NewGCS(ctx, GCSOptions{
			Bucket:          cfg.GCSBucket,
			CredentialsFile: cfg.GCSCredentialsFile,
			Prefix:          cfg.Prefix,
			AppendExtension: cfg.AppendExtension,
		})
	case ProviderAzure:
		s, err = NewAzure(AzureOptions{
			AccountName:     cfg.AzureAccountName,
			AccountKey:      cfg.AzureAccountKey,
			Container:       cfg.AzureContainer,
			ServiceURL:      cfg.AzureServiceURL,
			Prefix:          cfg.Prefix,
			AppendExtension: cfg.AppendExtension,
		})
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s storage: %w", cfg.Provider, err)
	}

	if cfg.CacheSize > 0 {
		s = NewCached(s, cfg.CacheSize, cfg.CacheTTL)
	}
	return s, nil
}

// objectKey derives the storage key for a job payload.
func objectKey(prefix, jobID, ext string, appendExt bool) string {
	key := jobID
	if appendExt {
		key += ext
	}
	if prefix != "" {
		key = prefix + "/" + key
	}
	return key
}
