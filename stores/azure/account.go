package azure

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
	log "github.com/sirupsen/logrus"
	"go.livestore.dev/core/stores"
)

// accountStore implements the Store interface for Azure Blob Storage
// using Shared Key authentication (azure:// scheme)
type accountStore struct {
	storeBase
	sasKey *service.SharedKeyCredential
}

// NewAccount creates a Shared Key authenticated Store from the provided URL,
// of the form azure://container/optional/prefix/. The account is read from
// AZURE_ACCOUNT_NAME and AZURE_ACCOUNT_KEY.
func NewAccount(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs
	if err := stores.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}

	var storageAccount = os.Getenv("AZURE_ACCOUNT_NAME")
	var accountKey = os.Getenv("AZURE_ACCOUNT_KEY")

	if storageAccount == "" || accountKey == "" {
		return nil, fmt.Errorf("AZURE_ACCOUNT_NAME and AZURE_ACCOUNT_KEY must be set for azure:// URLs")
	}
	var domain = blobDomain()

	sasKey, err := service.NewSharedKeyCredential(storageAccount, accountKey)
	if err != nil {
		return nil, err
	}
	client, err := service.NewClientWithSharedKeyCredential(azureStorageURL(storageAccount, domain), sasKey, nil)
	if err != nil {
		return nil, err
	}

	var store = &accountStore{
		storeBase: storeBase{
			args:           args,
			storageAccount: storageAccount,
			blobDomain:     domain,
			container:      ep.Host,
			prefix:         splitPrefix(ep),
			client:         client.NewContainerClient(ep.Host),
		},
		sasKey: sasKey,
	}

	log.WithFields(log.Fields{
		"storageAccount": storageAccount,
		"blobDomain":     domain,
		"container":      store.container,
		"prefix":         store.prefix,
	}).Info("constructed new Azure Shared Key storage client")

	return store, nil
}

// SignGet returns a signed URL for GET operations using Shared Key signing
func (a *accountStore) SignGet(key string, d time.Duration) (string, error) {
	var name = a.prefix + key

	if stores.DisableSignedUrls {
		return fmt.Sprintf("%s/%s", a.containerURL(), name), nil
	}
	sasQueryParams, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		ExpiryTime:    time.Now().UTC().Add(d),
		ContainerName: a.container,
		BlobName:      name,
		Permissions:   to.Ptr(sas.BlobPermissions{Read: true}).String(),
	}.SignWithSharedKey(a.sasKey)

	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s?%s", a.containerURL(), name, sasQueryParams.Encode()), nil
}
