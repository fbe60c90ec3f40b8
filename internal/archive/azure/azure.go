// Package azure stores archive objects in Azure Blob Storage.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"eventlake/internal/archive"
	"eventlake/internal/logging"
)

// Backend uploads block blobs to one container.
type Backend struct {
	client    *azblob.Client
	container string
	prefix    string
	logger    *slog.Logger
}

var _ archive.Backend = (*Backend)(nil)

// NewFactory returns a factory reading:
//
//	container          (required)
//	connection_string  account connection string, or
//	service_url        URL carrying a SAS token
//	prefix             blob name prefix
//	create_container   "true" to create the container when missing
func NewFactory() archive.Factory {
	return func(ctx context.Context, params map[string]string, logger *slog.Logger) (archive.Backend, error) {
		container := params["container"]
		if container == "" {
			return nil, errors.New("azure archive: container parameter required")
		}
		var (
			client *azblob.Client
			err    error
		)
		switch {
		case params["connection_string"] != "":
			client, err = azblob.NewClientFromConnectionString(params["connection_string"], nil)
		case params["service_url"] != "":
			client, err = azblob.NewClientWithNoCredential(params["service_url"], nil)
		default:
			return nil, errors.New("azure archive: connection_string or service_url required")
		}
		if err != nil {
			return nil, fmt.Errorf("azure client: %w", err)
		}
		b := &Backend{
			client:    client,
			container: container,
			prefix:    strings.Trim(params["prefix"], "/"),
			logger:    logging.Default(logger).With("component", "archive-azure", "container", container),
		}
		if params["create_container"] == "true" {
			_, err := client.CreateContainer(ctx, container, nil)
			if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
				return nil, fmt.Errorf("create container %s: %w", container, err)
			}
		}
		return b, nil
	}
}

// Put uploads content and returns an azblob:// URI.
func (b *Backend) Put(ctx context.Context, key string, content []byte) (string, error) {
	if b.prefix != "" {
		key = b.prefix + "/" + key
	}
	if _, err := b.client.UploadBuffer(ctx, b.container, key, content, nil); err != nil {
		return "", err
	}
	return "azblob://" + b.container + "/" + key, nil
}

// Get downloads a blob by azblob:// URI.
func (b *Backend) Get(ctx context.Context, locator string) ([]byte, error) {
	container, key, err := archive.ParseURI(locator, "azblob")
	if err != nil {
		return nil, err
	}
	resp, err := b.client.DownloadStream(ctx, container, key, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
