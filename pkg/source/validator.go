package source

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

var (
	ErrCannotCommunicate = fmt.Errorf("ERR_SRC_101: Cannot communicate with any configured broker.  Check the broker addresses and network reachability.")

	ErrTopicNotFound = fmt.Errorf("ERR_SRC_102: A configured change-event topic does not exist on the broker.  Verify the connector is registered and streaming.")
)

// CheckResult reports the outcome of a pre-flight source check.
type CheckResult struct {
	// Partitions holds the partition count per configured topic.
	Partitions map[string]int
}

// Check verifies broker reachability and the existence of every configured
// change-event topic before streaming begins, so misconfiguration fails fast
// instead of surfacing as an endless reconnect loop.
func Check(ctx context.Context, brokers []string, topics []string) (CheckResult, error) {
	res := CheckResult{Partitions: map[string]int{}}
	if len(brokers) == 0 {
		return res, ErrNoBrokers
	}

	var conn *kafka.Conn
	var err error
	for _, addr := range brokers {
		if conn, err = kafka.DialContext(ctx, "tcp", addr); err == nil {
			break
		}
	}
	if conn == nil {
		return res, fmt.Errorf("%w (last error: %v)", ErrCannotCommunicate, err)
	}
	defer conn.Close()

	parts, err := conn.ReadPartitions(topics...)
	if err != nil {
		return res, fmt.Errorf("%w (%v)", ErrTopicNotFound, err)
	}
	for _, p := range parts {
		res.Partitions[p.Topic]++
	}
	for _, topic := range topics {
		if res.Partitions[topic] == 0 {
			return res, fmt.Errorf("%w (topic %q)", ErrTopicNotFound, topic)
		}
	}
	return res, nil
}
