// Package objstore durably persists serialized batches under deterministic,
// date-partitioned object paths.
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coldlake/lakecap/pkg/config"
	"github.com/coldlake/lakecap/pkg/encoder"
	"github.com/coldlake/lakecap/pkg/telemetry"
)

const contentType = "application/vnd.apache.parquet"

// Client is the minimal object store surface the writer needs.  Puts are
// idempotent overwrites: re-uploading a path produced before a crash-restart
// replay is safe.
type Client interface {
	// Put durably stores data under key, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte, meta map[string]string) error
}

type s3Client struct {
	mc     *minio.Client
	bucket string
}

// NewS3Client connects to an S3-compatible store and verifies the target
// bucket exists.
func NewS3Client(ctx context.Context, cfg config.StoreConfiguration) (Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("error connecting to object store at %s: %w", cfg.Endpoint, err)
	}

	ok, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("error checking bucket %s: %w", cfg.Bucket, err)
	}
	if !ok {
		return nil, fmt.Errorf("ERR_STORE_002: The bucket %q does not exist in the target object store.", cfg.Bucket)
	}

	return &s3Client{mc: mc, bucket: cfg.Bucket}, nil
}

func (c *s3Client) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: meta,
	})
	return err
}

// Transient reports whether a store error is worth retrying.  Authorization
// and addressing failures are fatal; network faults, throttling and server
// errors are transient.
func Transient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "EntityTooLarge":
		return false
	}
	return true
}

// Writer uploads batches under
// <prefix>/<entity>/date=<partition>/<entity>_<unixms>_<seq>.parquet.  The
// per-process monotonic sequence rules out same-partition collisions even
// when an upload is retried within one process lifetime.
type Writer struct {
	client Client
	prefix string
	policy Policy
	seq    atomic.Int64
	logger zerolog.Logger
}

func NewWriter(client Client, prefix string, policy Policy) *Writer {
	return &Writer{
		client: client,
		prefix: prefix,
		policy: policy,
		logger: log.With().Str("component", "objstore").Logger(),
	}
}

// Path returns the deterministic object key for a batch with the given
// sequence number.
func (w *Writer) Path(b *encoder.Batch, seq int64) string {
	key := fmt.Sprintf("%s/date=%s/%s_%d_%06d.parquet",
		b.Key.Entity, b.Key.Partition, b.Key.Entity, b.CreatedAt.UnixMilli(), seq)
	if w.prefix != "" {
		return w.prefix + "/" + key
	}
	return key
}

// Upload durably writes one batch, retrying transient failures under the
// policy.  On success it returns the object path.  On exhaustion it returns
// ErrAttemptsExhausted: the caller must hold the batch un-acknowledged.
func (w *Writer) Upload(ctx context.Context, b *encoder.Batch) (string, error) {
	path := w.Path(b, w.seq.Add(1))
	meta := map[string]string{
		"build-id": b.ID,
		"rows":     strconv.FormatInt(b.Rows, 10),
		"xxh64":    strconv.FormatUint(b.Checksum, 16),
	}

	err := w.policy.Do(ctx, func(ctx context.Context) error {
		return w.client.Put(ctx, path, b.Data, meta)
	}, func(err error, delay time.Duration) {
		telemetry.UploadRetriesTotal.Inc()
		w.logger.Warn().Err(err).Str("path", path).Dur("backoff", delay).Msg("transient store failure, retrying upload")
	})
	if err != nil {
		return "", err
	}

	w.logger.Debug().Str("path", path).Int64("rows", b.Rows).Int("bytes", len(b.Data)).Msg("batch uploaded")
	return path, nil
}
