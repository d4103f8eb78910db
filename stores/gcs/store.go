// Package gcs implements stores.Store over Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	log "github.com/sirupsen/logrus"
	pb "go.livestore.dev/core/protocol"
	"go.livestore.dev/core/stores"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// StoreQueryArgs contains fields that are parsed from the query arguments
// of a gs:// store URL.
type StoreQueryArgs struct {
	// CacheControl applied to written objects. Objects are mutated frequently,
	// so by default caching is disabled.
	CacheControl string
}

type store struct {
	bucket           string
	prefix           string
	args             StoreQueryArgs
	client           *storage.Client
	signedURLOptions storage.SignedURLOptions
}

// to help identify when JSON credentials are an external account used by workload identity
type credentialsFile struct {
	Type string `json:"type"`
}

// New creates a new GCS Store from the provided URL, of the form
// gs://bucket/optional/prefix/.
func New(ep *url.URL) (stores.Store, error) {
	var (
		conf   *jwt.Config
		client *storage.Client
		opts   storage.SignedURLOptions
		args   = StoreQueryArgs{CacheControl: "no-cache"}
	)
	if err := stores.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}
	var bucket, prefix = ep.Host, strings.TrimPrefix(ep.Path, "/")
	var ctx = context.Background()

	creds, err := google.FindDefaultCredentials(ctx, storage.ScopeFullControl)
	if err != nil {
		return nil, err
	}
	// best effort to determine if JWT credentials are for external account
	var externalAccount bool
	if creds.JSON != nil {
		var f credentialsFile
		if err := json.Unmarshal(creds.JSON, &f); err == nil {
			externalAccount = f.Type == "external_account"
		}
	}

	if creds.JSON != nil && !externalAccount {
		conf, err = google.JWTConfigFromJSON(creds.JSON, storage.ScopeFullControl)
		if err != nil {
			return nil, err
		}
		client, err = storage.NewClient(ctx, option.WithTokenSource(conf.TokenSource(ctx)))
		if err != nil {
			return nil, err
		}
		opts = storage.SignedURLOptions{
			GoogleAccessID: conf.Email,
			PrivateKey:     conf.PrivateKey,
		}

		log.WithFields(log.Fields{
			"ProjectID":      creds.ProjectID,
			"GoogleAccessID": conf.Email,
			"PrivateKeyID":   conf.PrivateKeyID,
		}).Info("constructed new GCS client")
	} else {
		// Workload identity. SignGet requires "iam.serviceAccounts.signBlob"
		// permission against the service account.
		client, err = storage.NewClient(ctx, option.WithTokenSource(creds.TokenSource))
		if err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{
			"ProjectID": creds.ProjectID,
		}).Info("constructed new GCS client without JWT")
	}

	return &store{
		bucket:           bucket,
		prefix:           prefix,
		args:             args,
		client:           client,
		signedURLOptions: opts,
	}, nil
}

func (s *store) Provider() string { return "gcs" }

func (s *store) SignGet(key string, d time.Duration) (string, error) {
	if stores.DisableSignedUrls {
		var u = &url.URL{
			Scheme: "https",
			Host:   "storage.googleapis.com",
			Path:   fmt.Sprintf("/%s/%s", s.bucket, s.prefix+key),
		}
		return u.String(), nil
	}
	var opts = s.signedURLOptions
	opts.Method = "GET"
	opts.Expires = time.Now().Add(d)

	return storage.SignedURL(s.bucket, s.prefix+key, &opts)
}

func (s *store) Exists(ctx context.Context, key string) (exists bool, err error) {
	_, err = s.object(key).Attrs(ctx)
	if err == nil {
		exists = true
	} else if errors.Is(err, storage.ErrObjectNotExist) {
		err = nil
	}
	return exists, err
}

func (s *store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.object(key).NewReader(ctx)
}

func (s *store) Put(ctx context.Context, key string, content io.ReaderAt, contentLength int64, contentType string) (pb.ObjectMetadata, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wc = s.object(key).NewWriter(ctx)

	wc.CacheControl = s.args.CacheControl
	if contentType != "" {
		wc.ContentType = contentType
	}
	// io.Copy only needs io.Reader, so we use io.NewSectionReader to adapt io.ReaderAt
	if _, err := io.Copy(wc, io.NewSectionReader(content, 0, contentLength)); err != nil {
		return pb.ObjectMetadata{}, err
	} else if err = wc.Close(); err != nil {
		return pb.ObjectMetadata{}, err
	}
	var attrs = wc.Attrs()

	return pb.ObjectMetadata{
		Key:          key,
		LastModified: attrs.Updated,
		Size:         attrs.Size,
	}, nil
}

func (s *store) List(ctx context.Context, prefix string, callback func(pb.ObjectMetadata) error) error {
	var (
		q   = storage.Query{Prefix: s.prefix + prefix}
		it  = s.client.Bucket(s.bucket).Objects(ctx, &q)
		obj *storage.ObjectAttrs
		err error
	)
	for obj, err = it.Next(); err == nil; obj, err = it.Next() {
		var meta = pb.ObjectMetadata{
			Key:          strings.TrimPrefix(obj.Name, s.prefix),
			LastModified: obj.Updated,
			Size:         obj.Size,
		}
		if err := callback(meta); err != nil {
			return err
		}
	}
	if err == iterator.Done {
		err = nil
	}
	return err
}

// ListLevel lists a single level of |prefix| using the "/" delimiter.
func (s *store) ListLevel(ctx context.Context, prefix string, object func(pb.ObjectMetadata) error, commonPrefix func(string) error) error {
	var (
		q   = storage.Query{Prefix: s.prefix + prefix, Delimiter: stores.Delimiter}
		it  = s.client.Bucket(s.bucket).Objects(ctx, &q)
		obj *storage.ObjectAttrs
		err error
	)
	for obj, err = it.Next(); err == nil; obj, err = it.Next() {
		if obj.Prefix != "" {
			// Synthetic entry of a common prefix.
			if err := commonPrefix(strings.TrimPrefix(obj.Prefix, s.prefix)); err != nil {
				return err
			}
			continue
		}
		var meta = pb.ObjectMetadata{
			Key:          strings.TrimPrefix(obj.Name, s.prefix),
			LastModified: obj.Updated,
			Size:         obj.Size,
		}
		if err := object(meta); err != nil {
			return err
		}
	}
	if err == iterator.Done {
		err = nil
	}
	return err
}

func (s *store) Remove(ctx context.Context, key string) error {
	return s.object(key).Delete(ctx)
}

func (s *store) IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		return true
	}

	// Check for Google API errors that indicate AuthZ failures.
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch gErr.Code {
		case http.StatusForbidden:
			return true
		case http.StatusNotFound:
			// Only treat bucket-level 404s as AuthZ failures, not object-level.
			if strings.Contains(gErr.Message, "bucket") {
				return true
			}
		}
	}
	return false
}

func (s *store) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + key)
}
