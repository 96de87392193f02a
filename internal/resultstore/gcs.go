package resultstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSOptions configures a Google Cloud Storage backend.
type GCSOptions struct {
	Bucket string
	// CredentialsFile is a service account key. Empty uses application
	// default credentials.
	CredentialsFile string
	Prefix          string
	AppendExtension bool
}

// Compile-time interface satisfaction check.
var _ Storage = (*GCS)(nil)

// GCS stores results as objects in a bucket.
type GCS struct {
	bucket    *storage.BucketHandle
	prefix    string
	appendExt bool
}

func NewGCS(ctx context.Context, opts GCSOptions) (*GCS, error) {
	if opts.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithAuthCredentialsFile(option.ServiceAccount, opts.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCS{
		bucket:    client.Bucket(opts.Bucket),
		prefix:    opts.Prefix,
		appendExt: opts.AppendExtension,
	}, nil
}

func (g *GCS) Store(ctx context.Context, jobID, ext string, data []byte) (string, error) {
	key := objectKey(g.prefix, jobID, ext, g.appendExt)
	w := g.bucket.Object(key).NewWriter(ctx)
	if ct := mime.TypeByExtension(ext); ct != "" {
		w.ContentType = ct
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("write object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close object %s: %w", key, err)
	}
	return key, nil
}

func (g *GCS) Retrieve(ctx context.Context, ref string) ([]byte, error) {
	r, err := g.bucket.Object(ref).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", ref, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", ref, err)
	}
	return data, nil
}

func (g *GCS) Delete(ctx context.Context, ref string) (bool, error) {
	err := g.bucket.Object(ref).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete object %s: %w", ref, err)
	}
	return true, nil
}
