package test

import (
	"context"
	"testing"

	miniosdk "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	miniotc "github.com/testcontainers/testcontainers-go/modules/minio"

	"github.com/coldlake/lakecap/pkg/config"
)

// StartMinio runs an object store container, creates bucket, and returns the
// store configuration pointing at it.
func StartMinio(t *testing.T, ctx context.Context, bucket string) (tc.Container, config.StoreConfiguration) {
	t.Helper()

	c, err := miniotc.Run(ctx, "minio/minio:RELEASE.2024-01-16T16-07-38Z")
	require.NoError(t, err)

	endpoint, err := c.ConnectionString(ctx)
	require.NoError(t, err)

	cfg := config.StoreConfiguration{
		Endpoint:  endpoint,
		AccessKey: c.Username,
		SecretKey: c.Password,
		Bucket:    bucket,
		Prefix:    "cdc",
	}

	client, err := miniosdk.New(endpoint, &miniosdk.Options{
		Creds: credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
	})
	require.NoError(t, err)
	require.NoError(t, client.MakeBucket(ctx, bucket, miniosdk.MakeBucketOptions{}))

	return c, cfg
}

// ListObjects returns the keys currently stored under prefix.
func ListObjects(t *testing.T, ctx context.Context, cfg config.StoreConfiguration) []string {
	t.Helper()

	client, err := miniosdk.New(cfg.Endpoint, &miniosdk.Options{
		Creds: credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
	})
	require.NoError(t, err)

	var keys []string
	for obj := range client.ListObjects(ctx, cfg.Bucket, miniosdk.ListObjectsOptions{
		Prefix:    cfg.Prefix,
		Recursive: true,
	}) {
		require.NoError(t, obj.Err)
		keys = append(keys, obj.Key)
	}
	return keys
}
