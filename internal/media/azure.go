package media

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// DefaultContainer is the blob container media is uploaded to.
const DefaultContainer = "files"

// AzureStore uploads objects to an Azure Blob Storage container.
type AzureStore struct {
	client    *azblob.Client
	container string
	logger    *slog.Logger
}

// NewAzureStore creates a store from a storage account connection string.
func NewAzureStore(connectionString, container string, logger *slog.Logger) (*AzureStore, error) {
	if container == "" {
		container = DefaultContainer
	}
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blob client: %w", err)
	}
	return &AzureStore{client: client, container: container, logger: logger}, nil
}

func (s *AzureStore) Name() string { return "azure" }

// EnsureContainer creates the container if it does not exist yet.
func (s *AzureStore) EnsureContainer(ctx context.Context) error {
	_, err := s.client.CreateContainer(ctx, s.container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("creating container %s: %w", s.container, err)
	}
	return nil
}

// Put uploads data as a block blob and returns its URL.
func (s *AzureStore) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	opts := &azblob.UploadBufferOptions{}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}
	if _, err := s.client.UploadBuffer(ctx, s.container, name, data, opts); err != nil {
		return "", fmt.Errorf("uploading blob %s: %w", name, err)
	}

	u := blobURL(s.client.URL(), s.container, name)
	s.logger.DebugContext(ctx, "blob uploaded",
		slog.String("container", s.container),
		slog.String("name", name),
		slog.Int("bytes", len(data)),
	)
	return u, nil
}

// blobURL joins the service URL, container and blob name.
func blobURL(serviceURL, container, name string) string {
	return strings.TrimRight(serviceURL, "/") + "/" + url.PathEscape(container) + "/" + url.PathEscape(name)
}
