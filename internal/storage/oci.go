package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oracle/oci-go-sdk/v65/common"
	"github.com/oracle/oci-go-sdk/v65/objectstorage"
)

// OCIStore implements ObjectStore on OCI Object Storage. Kept for
// deployments already holding OCI capacity contracts; S3Store is the default.
type OCIStore struct {
	client    objectstorage.ObjectStorageClient
	namespace string
	bucket    string
	endpoint  string
}

type OCIConfig struct {
	Endpoint  string
	Namespace string
	Bucket    string
	Region    string
}

func NewOCIStore(cfg OCIConfig) (*OCIStore, error) {
	if cfg.Region == "" {
		cfg.Region = "us-phoenix-1"
	}

	configProvider := common.DefaultConfigProvider()
	client, err := objectstorage.NewObjectStorageClientWithConfigurationProvider(configProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create OCI client: %w", err)
	}

	if cfg.Endpoint != "" {
		client.Host = cfg.Endpoint
	}

	return &OCIStore{
		client:    client,
		namespace: cfg.Namespace,
		bucket:    cfg.Bucket,
		endpoint:  cfg.Endpoint,
	}, nil
}

func (c *OCIStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	request := objectstorage.PutObjectRequest{
		NamespaceName: common.String(c.namespace),
		BucketName:    common.String(c.bucket),
		ObjectName:    common.String(key),
		PutObjectBody: io.NopCloser(r),
		ContentType:   common.String("application/octet-stream"),
	}
	if size >= 0 {
		request.ContentLength = common.Int64(size)
	}

	if _, err := c.client.PutObject(ctx, request); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

func (c *OCIStore) Get(ctx context.Context, key string, w io.Writer) error {
	resp, err := c.client.GetObject(ctx, objectstorage.GetObjectRequest{
		NamespaceName: common.String(c.namespace),
		BucketName:    common.String(c.bucket),
		ObjectName:    common.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer resp.Content.Close()

	if _, err := io.Copy(w, resp.Content); err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	return nil
}

func (c *OCIStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var start *string

	for {
		resp, err := c.client.ListObjects(ctx, objectstorage.ListObjectsRequest{
			NamespaceName: common.String(c.namespace),
			BucketName:    common.String(c.bucket),
			Prefix:        common.String(prefix),
			Start:         start,
		})
		if err != nil {
			return nil, fmt.Errorf("list objects error: %w", err)
		}
		for _, obj := range resp.Objects {
			if obj.Name != nil {
				keys = append(keys, *obj.Name)
			}
		}
		if resp.NextStartWith == nil || *resp.NextStartWith == "" {
			break
		}
		start = resp.NextStartWith
	}

	return keys, nil
}

func (c *OCIStore) Delete(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, objectstorage.DeleteObjectRequest{
		NamespaceName: common.String(c.namespace),
		BucketName:    common.String(c.bucket),
		ObjectName:    common.String(key),
	})
	if err != nil {
		if isOCINotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (c *OCIStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.client.HeadObject(ctx, objectstorage.HeadObjectRequest{
		NamespaceName: common.String(c.namespace),
		BucketName:    common.String(c.bucket),
		ObjectName:    common.String(key),
	})
	if err != nil {
		if isOCINotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return true, nil
}

func (c *OCIStore) SignedURL(ctx context.Context, key string, method string, ttl time.Duration) (string, error) {
	accessType := objectstorage.CreatePreauthenticatedRequestDetailsAccessTypeObjectread
	if method == http.MethodPut {
		accessType = objectstorage.CreatePreauthenticatedRequestDetailsAccessTypeObjectwrite
	}

	expires := common.SDKTime{Time: time.Now().Add(ttl)}
	resp, err := c.client.CreatePreauthenticatedRequest(ctx, objectstorage.CreatePreauthenticatedRequestRequest{
		NamespaceName: common.String(c.namespace),
		BucketName:    common.String(c.bucket),
		CreatePreauthenticatedRequestDetails: objectstorage.CreatePreauthenticatedRequestDetails{
			Name:        common.String("spotnest-" + key),
			ObjectName:  common.String(key),
			AccessType:  accessType,
			TimeExpires: &expires,
		},
	})
	if err != nil {
		return "", fmt.Errorf("presign %s %s: %w", method, key, err)
	}

	host := c.endpoint
	if host == "" {
		host = c.client.Host
	}
	return host + *resp.AccessUri, nil
}

func isOCINotFound(err error) bool {
	if serviceErr, ok := common.IsServiceError(err); ok {
		return serviceErr.GetHTTPStatusCode() == http.StatusNotFound
	}
	return false
}
