package test

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	kafkatc "github.com/testcontainers/testcontainers-go/modules/kafka"
)

const (
	DefaultSeed        = 123
	DefaultAccountUUID = "9b332174-2fc5-5781-8aba-b2500384cc1c"
)

// StartKafka runs a single-node broker and creates the given topics.
func StartKafka(t *testing.T, ctx context.Context, topics ...string) (tc.Container, []string) {
	t.Helper()

	c, err := kafkatc.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		kafkatc.WithClusterID("lakecap-test"),
	)
	require.NoError(t, err)

	brokers, err := c.Brokers(ctx)
	require.NoError(t, err)

	conn, err := kafkago.DialContext(ctx, "tcp", brokers[0])
	require.NoError(t, err)
	defer conn.Close()

	for _, topic := range topics {
		err := conn.CreateTopics(kafkago.TopicConfig{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: 1,
		})
		require.NoError(t, err)
	}

	return c, brokers
}

type ProduceOpts struct {
	Seed int64

	Max      int
	Interval time.Duration
}

// envelope matches the change-event format the connector emits.
type envelope struct {
	Op     string         `json:"op"`
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Source map[string]any `json:"source"`
	TsMS   int64          `json:"ts_ms"`
}

// ProduceAccounts publishes deterministic account create events onto topic,
// one message per account, keyed by primary key.
func ProduceAccounts(t *testing.T, ctx context.Context, brokers []string, topic string, opts ProduceOpts) {
	t.Helper()

	if opts.Seed == 0 {
		opts.Seed = DefaultSeed
	}
	if opts.Max == 0 {
		opts.Max = 1
	}

	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
	}
	defer w.Close()

	at := time.Unix(1725000000, 0).UTC()
	rand := rand.New(rand.NewSource(opts.Seed))

	for i := 0; i < opts.Max; i++ {
		id := hash(rand.Int63())
		pk := uuid.NewSHA1(uuid.NameSpaceOID, []byte(id))

		evt := envelope{
			Op: "c",
			After: map[string]any{
				"id":            pk.String(),
				"name":          id,
				"billing_email": id + "@example.com",
				"concurrency":   rand.Intn(100),
				"enabled":       true,
				"created_at":    at.UnixMilli(),
			},
			Source: map[string]any{
				"table": "accounts",
			},
			TsMS: at.UnixMilli(),
		}

		value, err := json.Marshal(evt)
		require.NoError(t, err)
		key, err := json.Marshal(map[string]any{"id": pk.String()})
		require.NoError(t, err)

		err = w.WriteMessages(ctx, kafkago.Message{Key: key, Value: value})
		require.NoError(t, err)

		if opts.Interval > 0 {
			<-time.After(opts.Interval)
		}
	}
}

func hash(in any) string {
	switch v := in.(type) {
	case string:
		ui := xxhash.Sum64String(v)
		return strconv.FormatUint(ui, 36)
	default:
		ui := xxhash.Sum64String(fmt.Sprintf("%v", in))
		return strconv.FormatUint(ui, 36)
	}
}
