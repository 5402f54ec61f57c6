package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"report-export/internal/domain"
)

var _ domain.ArtifactStore = (*AzureStore)(nil)

// AzureStore keeps artifacts in an Azure Blob Storage container. Locations
// are az://container/key URIs.
type AzureStore struct {
	client    *azblob.Client
	container string
}

// NewAzureStore creates a store authenticated with a shared account key.
func NewAzureStore(accountName, accountKey, container string) (*AzureStore, error) {
	if accountName == "" || accountKey == "" || container == "" {
		return nil, errors.New("Azure config is incomplete")
	}
	cred, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	return &AzureStore{client: client, container: container}, nil
}

// Put uploads localPath to key.
func (s *AzureStore) Put(ctx context.Context, key, localPath, contentType string) (string, int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close() //nolint:errcheck
	info, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	_, err = s.client.UploadFile(ctx, s.container, key, f, &azblob.UploadFileOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return "", 0, fmt.Errorf("upload az://%s/%s: %w", s.container, key, err)
	}
	return fmt.Sprintf("az://%s/%s", s.container, key), info.Size(), nil
}

// DownloadURL issues a read-only SAS URL valid until expiresAt.
func (s *AzureStore) DownloadURL(_ context.Context, location, _ string, expiresAt time.Time) (string, error) {
	container, key, err := parseObjectURI("az", location)
	if err != nil {
		return "", err
	}
	blobClient := s.client.ServiceClient().NewContainerClient(container).NewBlobClient(key)
	u, err := blobClient.GetSASURL(sas.BlobPermissions{Read: true}, expiresAt, nil)
	if err != nil {
		return "", fmt.Errorf("generate SAS URL for %q: %w", location, err)
	}
	return u, nil
}

// Open streams the blob.
func (s *AzureStore) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	container, key, err := parseObjectURI("az", location)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.DownloadStream(ctx, container, key, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, domain.ErrNotFound("artifact %q not found", location)
	}
	if err != nil {
		return nil, fmt.Errorf("download %q: %w", location, err)
	}
	return resp.Body, nil
}

// Delete removes the blob.
func (s *AzureStore) Delete(ctx context.Context, location string) error {
	container, key, err := parseObjectURI("az", location)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteBlob(ctx, container, key, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return domain.ErrNotFound("artifact %q not found", location)
	}
	return err
}
