package objstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/require"

	"github.com/coldlake/lakecap/pkg/buffer"
	"github.com/coldlake/lakecap/pkg/encoder"
	"github.com/coldlake/lakecap/pkg/router"
)

// fakeClient fails a configured number of puts before succeeding.
type fakeClient struct {
	mu       sync.Mutex
	failures int
	fatal    bool
	puts     map[string][]byte
	attempts int
}

type transientErr struct{}

func (transientErr) Error() string   { return "connection reset" }
func (transientErr) Timeout() bool   { return true }
func (transientErr) Temporary() bool { return true }

func (f *fakeClient) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failures {
		if f.fatal {
			return minio.ErrorResponse{Code: "AccessDenied", Message: "denied"}
		}
		return transientErr{}
	}
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[key] = data
	return nil
}

func testBatch(entity string) *encoder.Batch {
	return &encoder.Batch{
		ID:        "build-1",
		Key:       buffer.Key{Entity: entity, Partition: router.PartitionKey("2026-08-28")},
		Data:      []byte("parquet-bytes"),
		Rows:      3,
		CreatedAt: time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC),
	}
}

func quickPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestPolicyDelay(t *testing.T) {
	t.Parallel()

	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: 30 * time.Second, Multiplier: 2}
	require.Equal(t, 100*time.Millisecond, p.Delay(1))
	require.Equal(t, 200*time.Millisecond, p.Delay(2))
	require.Equal(t, 400*time.Millisecond, p.Delay(3))
	// The cap bounds growth.
	require.Equal(t, 30*time.Second, p.Delay(20))
}

func TestPolicyDelayJitterBounds(t *testing.T) {
	t.Parallel()

	p := Policy{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, Jitter: 0.2}
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		require.GreaterOrEqual(t, d, 800*time.Millisecond)
		require.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestUploadRecoversWithinCeiling(t *testing.T) {
	t.Parallel()

	// Store recovers after k failures below the retry ceiling: the batch
	// eventually uploads.
	client := &fakeClient{failures: 3}
	w := NewWriter(client, "cdc", quickPolicy(8))

	path, err := w.Upload(context.Background(), testBatch("accounts"))
	require.NoError(t, err)
	require.Equal(t, 4, client.attempts)
	require.Contains(t, client.puts, path)
}

func TestUploadExhaustionHoldsBatch(t *testing.T) {
	t.Parallel()

	client := &fakeClient{failures: 100}
	w := NewWriter(client, "cdc", quickPolicy(3))

	_, err := w.Upload(context.Background(), testBatch("accounts"))
	require.ErrorIs(t, err, ErrAttemptsExhausted)
	require.Equal(t, 3, client.attempts)
	require.Empty(t, client.puts)
}

func TestUploadFatalErrorFailsFast(t *testing.T) {
	t.Parallel()

	client := &fakeClient{failures: 100, fatal: true}
	w := NewWriter(client, "cdc", quickPolicy(8))

	_, err := w.Upload(context.Background(), testBatch("accounts"))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAttemptsExhausted)
	require.Equal(t, 1, client.attempts, "fatal errors are not retried")
}

func TestPathDeterministicAndCollisionFree(t *testing.T) {
	t.Parallel()

	w := NewWriter(&fakeClient{}, "cdc", quickPolicy(1))
	b := testBatch("accounts")

	require.Equal(t,
		fmt.Sprintf("cdc/accounts/date=2026-08-28/accounts_%d_000007.parquet", b.CreatedAt.UnixMilli()),
		w.Path(b, 7))

	// Distinct partitions can never collide: the partition is in the path.
	other := testBatch("transactions")
	require.NotEqual(t, w.Path(b, 7), w.Path(other, 7))

	// Sequential uploads of the same partition get distinct paths.
	ctx := context.Background()
	p1, err := w.Upload(ctx, b)
	require.NoError(t, err)
	p2, err := w.Upload(ctx, b)
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)
	require.True(t, strings.HasPrefix(p1, "cdc/accounts/date=2026-08-28/"))
}

func TestTransientClassification(t *testing.T) {
	t.Parallel()

	require.True(t, Transient(transientErr{}))
	require.True(t, Transient(fmt.Errorf("wrapped: %w", transientErr{})))
	require.True(t, Transient(minio.ErrorResponse{Code: "SlowDown"}))
	// Unknown errors default to retryable.
	require.True(t, Transient(fmt.Errorf("status 503")))

	require.False(t, Transient(minio.ErrorResponse{Code: "AccessDenied"}))
	require.False(t, Transient(minio.ErrorResponse{Code: "NoSuchBucket"}))
}

func TestPolicyDoRespectsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := Policy{MaxAttempts: 10, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}
	err := p.Do(ctx, func(context.Context) error { return transientErr{} }, nil)
	require.ErrorIs(t, err, context.Canceled)
}
