package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	accountsTopic     = "banking_server.public.accounts"
	transactionsTopic = "banking_server.public.transactions"
)

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

type envelope struct {
	Op     string         `json:"op"`
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
	Source map[string]any `json:"source"`
	TsMS   int64          `json:"ts_ms"`
}

// Continuously publishes connector-style change events so a local engine has
// something to ingest.
func main() {
	ctx := context.Background()

	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = "localhost:9092"
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, os.Kill)
	defer cancel()

	accounts := &kafka.Writer{
		Addr:         kafka.TCP(brokers),
		Topic:        accountsTopic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
	defer accounts.Close()
	transactions := &kafka.Writer{
		Addr:         kafka.TCP(brokers),
		Topic:        transactionsTopic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
	defer transactions.Close()

	for {
		if ctx.Err() != nil {
			return
		}

		id := hash(rand.Int63())
		pk := uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
		now := time.Now().UTC()

		account := map[string]any{
			"id":            pk,
			"name":          id,
			"billing_email": id + "@example.com",
			"concurrency":   rand.Intn(100),
			"enabled":       true,
			"created_at":    now.UnixMilli(),
		}
		if err := publish(ctx, accounts, "c", nil, account, "accounts", now); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			panic(err)
		}
		fmt.Println("account created")

		// Maybe update the account.
		if rand.Intn(2) == 0 {
			updated := map[string]any{}
			for k, v := range account {
				updated[k] = v
			}
			updated["concurrency"] = rand.Intn(100)
			if err := publish(ctx, accounts, "u", account, updated, "accounts", now); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				panic(err)
			}
			fmt.Println("account updated")
		}

		txn := map[string]any{
			"id":         uuid.NewString(),
			"account_id": pk,
			"amount":     float64(rand.Intn(100000)) / 100,
			"currency":   "USD",
			"created_at": now.UnixMilli(),
		}
		if err := publish(ctx, transactions, "c", nil, txn, "transactions", now); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			panic(err)
		}
		fmt.Println("transaction created")

		<-time.After(time.Second)
	}
}

func publish(ctx context.Context, w *kafka.Writer, op string, before, after map[string]any, table string, at time.Time) error {
	evt := envelope{
		Op:     op,
		Before: before,
		After:  after,
		Source: map[string]any{"table": table},
		TsMS:   at.UnixMilli(),
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	row := after
	if row == nil {
		row = before
	}
	key, err := json.Marshal(map[string]any{"id": row["id"]})
	if err != nil {
		return err
	}
	return w.WriteMessages(ctx, kafka.Message{Key: key, Value: value})
}
