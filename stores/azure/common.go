// Package azure implements stores.Store over Azure Blob Storage, with
// shared-key (azure://) and Azure AD (azure-ad://) authentication.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	pb "go.livestore.dev/core/protocol"
	"go.livestore.dev/core/stores"
)

// StoreQueryArgs contains fields that are parsed from the query arguments
// of an azure:// or azure-ad:// store URL.
type StoreQueryArgs struct {
	// CacheControl applied to written blobs.
	CacheControl string
}

// storeBase provides common Azure storage operations
type storeBase struct {
	args           StoreQueryArgs
	storageAccount string // Storage accounts in Azure are the equivalent to a "bucket" in S3
	blobDomain     string // The domain of the blob storage account (e.g. blob.core.windows.net)
	container      string // In azure, blobs are stored inside of containers, which live inside accounts
	prefix         string // This is the path prefix for the blobs inside the container
	client         *container.Client
}

func (a *storeBase) Provider() string { return "azure" }

func (a *storeBase) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := a.blob(key).GetProperties(ctx, nil); err == nil {
		return true, nil
	} else if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return false, nil
	} else {
		return false, err
	}
}

func (a *storeBase) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var resp, err = a.blob(key).DownloadStream(ctx, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (a *storeBase) Put(ctx context.Context, key string, content io.ReaderAt, contentLength int64, contentType string) (pb.ObjectMetadata, error) {
	var headers = blob.HTTPHeaders{}
	if contentType != "" {
		headers.BlobContentType = to.Ptr(contentType)
	}
	if a.args.CacheControl != "" {
		headers.BlobCacheControl = to.Ptr(a.args.CacheControl)
	}
	// Azure SDK requires io.ReadSeekCloser, so we use io.NewSectionReader to adapt io.ReaderAt
	var body = streaming.NopCloser(io.NewSectionReader(content, 0, contentLength))

	var resp, err = a.blob(key).Upload(ctx, body, &blockblob.UploadOptions{HTTPHeaders: &headers})
	if err != nil {
		return pb.ObjectMetadata{}, err
	}
	var meta = pb.ObjectMetadata{Key: key, Size: contentLength}
	if resp.LastModified != nil {
		meta.LastModified = *resp.LastModified
	}
	return meta, nil
}

func (a *storeBase) List(ctx context.Context, prefix string, callback func(pb.ObjectMetadata) error) error {
	var pager = a.client.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix: to.Ptr(a.prefix + prefix),
	})
	for pager.More() {
		var page, err = pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, item := range page.Segment.BlobItems {
			var meta = pb.ObjectMetadata{
				Key: strings.TrimPrefix(deref(item.Name), a.prefix),
			}
			if p := item.Properties; p != nil {
				meta.LastModified = deref(p.LastModified)
				meta.Size = deref(p.ContentLength)
			}
			if err := callback(meta); err != nil {
				return err
			}
		}
	}
	return nil
}

// ListLevel lists a single level of |prefix| using the "/" delimiter.
func (a *storeBase) ListLevel(ctx context.Context, prefix string, object func(pb.ObjectMetadata) error, commonPrefix func(string) error) error {
	var pager = a.client.NewListBlobsHierarchyPager(stores.Delimiter, &container.ListBlobsHierarchyOptions{
		Prefix: to.Ptr(a.prefix + prefix),
	})
	for pager.More() {
		var page, err = pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, item := range page.Segment.BlobItems {
			var meta = pb.ObjectMetadata{
				Key: strings.TrimPrefix(deref(item.Name), a.prefix),
			}
			if p := item.Properties; p != nil {
				meta.LastModified = deref(p.LastModified)
				meta.Size = deref(p.ContentLength)
			}
			if err := object(meta); err != nil {
				return err
			}
		}
		for _, bp := range page.Segment.BlobPrefixes {
			if err := commonPrefix(strings.TrimPrefix(deref(bp.Name), a.prefix)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *storeBase) Remove(ctx context.Context, key string) error {
	var _, err = a.blob(key).Delete(ctx, nil)
	return err
}

func (a *storeBase) IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err,
		bloberror.ContainerNotFound,
		bloberror.ContainerDisabled,
		bloberror.AccountIsDisabled,
	) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusForbidden {
		return true
	}
	return false
}

func (a *storeBase) blob(key string) *blockblob.Client {
	return a.client.NewBlockBlobClient(a.prefix + key)
}

func (a *storeBase) containerURL() string {
	return fmt.Sprintf("%s/%s", azureStorageURL(a.storageAccount, a.blobDomain), a.container)
}

func azureStorageURL(storageAccount string, blobDomain string) string {
	return fmt.Sprintf("https://%s.%s", storageAccount, blobDomain)
}

// blobDomain returns the configured blob service domain, which differs
// for sovereign clouds.
func blobDomain() string {
	if d := os.Getenv("AZURE_BLOB_DOMAIN"); d != "" {
		return d
	}
	return "blob.core.windows.net"
}

func splitPrefix(ep *url.URL) string {
	return strings.TrimPrefix(ep.Path, "/")
}

// deref returns the value |p| points to, or the zero value if |p| is nil.
func deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
