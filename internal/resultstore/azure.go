package resultstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureOptions configures an Azure Blob Storage backend.
type AzureOptions struct {
	AccountName string
	AccountKey  string
	Container   string
	// ServiceURL overrides the account endpoint, e.g. for Azurite.
	ServiceURL      string
	Prefix          string
	AppendExtension bool
}

// Compile-time interface satisfaction check.
var _ Storage = (*Azure)(nil)

// Azure stores results as block blobs in a container.
type Azure struct {
	client    *azblob.Client
	container string
	prefix    string
	appendExt bool
}

func NewAzure(opts AzureOptions) (*Azure, error) {
	if opts.Container == "" {
		return nil, errors.New("azure container is required")
	}
	cred, err := azblob.NewSharedKeyCredential(opts.AccountName, opts.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("create azure credential: %w", err)
	}
	serviceURL := opts.ServiceURL
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", opts.AccountName)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure client: %w", err)
	}
	return &Azure{
		client:    client,
		container: opts.Container,
		prefix:    opts.Prefix,
		appendExt: opts.AppendExtension,
	}, nil
}

func (a *Azure) Store(ctx context.Context, jobID, ext string, data []byte) (string, error) {
	key := objectKey(a.prefix, jobID, ext, a.appendExt)
	var uploadOpts azblob.UploadBufferOptions
	if ct := mime.TypeByExtension(ext); ct != "" {
		uploadOpts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &ct}
	}
	if _, err := a.client.UploadBuffer(ctx, a.container, key, data, &uploadOpts); err != nil {
		return "", fmt.Errorf("upload blob %s: %w", key, err)
	}
	return key, nil
}

func (a *Azure) Retrieve(ctx context.Context, ref string) ([]byte, error) {
	resp, err := a.client.DownloadStream(ctx, a.container, ref, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("download blob %s: %w", ref, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", ref, err)
	}
	return data, nil
}

func (a *Azure) Delete(ctx context.Context, ref string) (bool, error) {
	_, err := a.client.DeleteBlob(ctx, a.container, ref, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete blob %s: %w", ref, err)
	}
	return true, nil
}
