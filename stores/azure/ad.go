package azure

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
	log "github.com/sirupsen/logrus"
	"go.livestore.dev/core/stores"
)

// adStore implements the Store interface for Azure Blob Storage
// using Azure AD authentication (azure-ad:// scheme)
type adStore struct {
	storeBase
	tenantID string // Tenant that owns the storage account.
	service  *service.Client

	// User delegation credentials are cached access tokens that
	// must be periodically refreshed using our main credentials.
	udc struct {
		mu    sync.Mutex
		exp   time.Time
		inner *service.UserDelegationCredential
	}
}

// NewAD creates a new Azure AD authenticated Store from the provided URL, of
// the form azure-ad://tenant-id/storage-account/container/optional/prefix/.
// A client secret is used if AZURE_CLIENT_ID and AZURE_CLIENT_SECRET are set,
// and the default Azure credential chain otherwise.
func NewAD(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs
	if err := stores.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}

	var path = strings.Split(splitPrefix(ep), "/")
	if len(path) < 2 {
		return nil, fmt.Errorf("azure-ad:// URL must include storage account and container: azure-ad://tenant-id/storage-account/container/prefix/")
	}
	var (
		tenantID       = ep.Host
		storageAccount = path[0]
		containerName  = path[1]
		prefix         = strings.Join(path[2:], "/")
		domain         = blobDomain()
	)

	var credentials, err = newCredential(tenantID)
	if err != nil {
		return nil, err
	}
	client, err := service.NewClient(azureStorageURL(storageAccount, domain), credentials, nil)
	if err != nil {
		return nil, err
	}

	var store = &adStore{
		storeBase: storeBase{
			args:           args,
			storageAccount: storageAccount,
			blobDomain:     domain,
			container:      containerName,
			prefix:         prefix,
			client:         client.NewContainerClient(containerName),
		},
		tenantID: tenantID,
		service:  client,
	}

	log.WithFields(log.Fields{
		"tenant":         tenantID,
		"storageAccount": storageAccount,
		"blobDomain":     domain,
		"container":      containerName,
		"prefix":         prefix,
	}).Info("constructed new Azure AD storage client")

	return store, nil
}

func newCredential(tenantID string) (azcore.TokenCredential, error) {
	var clientID = os.Getenv("AZURE_CLIENT_ID")
	var clientSecret = os.Getenv("AZURE_CLIENT_SECRET")

	if clientID != "" && clientSecret != "" {
		return azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret,
			&azidentity.ClientSecretCredentialOptions{DisableInstanceDiscovery: true})
	}
	return azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{
		TenantID: tenantID,
	})
}

// SignGet returns a signed URL for GET operations using User Delegation Key
func (a *adStore) SignGet(key string, d time.Duration) (string, error) {
	var name = a.prefix + key

	if stores.DisableSignedUrls {
		return fmt.Sprintf("%s/%s", a.containerURL(), name), nil
	}
	var udc, err = a.fetchUserDelegationCredential()
	if err != nil {
		return "", err
	}
	sasQueryParams, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		ExpiryTime:    time.Now().UTC().Add(d),
		ContainerName: a.container,
		BlobName:      name,
		Permissions:   to.Ptr(sas.BlobPermissions{Read: true}).String(),
	}.SignWithUserDelegation(udc)

	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s?%s", a.containerURL(), name, sasQueryParams.Encode()), nil
}

func (a *adStore) fetchUserDelegationCredential() (*service.UserDelegationCredential, error) {
	a.udc.mu.Lock()
	defer a.udc.mu.Unlock()

	var now = time.Now()
	const DUR = time.Hour * 2

	// Re-use the current credential while at least half its duration remains.
	if a.udc.exp.After(now.Add(DUR / 2)) {
		return a.udc.inner, nil
	}
	var exp = now.Add(DUR)

	var keyInfo = service.KeyInfo{
		Start:  to.Ptr(now.UTC().Format(sas.TimeFormat)),
		Expiry: to.Ptr(exp.UTC().Format(sas.TimeFormat)),
	}
	var udc, err = a.service.GetUserDelegationCredential(context.Background(), keyInfo, nil)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"storageAccount": a.storageAccount,
		"tenant":         a.tenantID,
		"expiry":         *keyInfo.Expiry,
	}).Info("refreshed Azure Storage User Delegation Credential")

	a.udc.exp = exp
	a.udc.inner = udc

	return a.udc.inner, nil
}
