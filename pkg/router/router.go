// Package router classifies change events by entity and date partition.
package router

import (
	"fmt"
	"strings"
	"time"

	"github.com/coldlake/lakecap/pkg/changeset"
	"github.com/coldlake/lakecap/pkg/telemetry"
)

// PartitionKey is the UTC calendar date grouping events of one entity into a
// single batch file partition.
type PartitionKey string

const partitionLayout = "2006-01-02"

// PartitionFor derives the partition for an event timestamp.  Two events for
// the same entity on the same UTC date always share a partition, regardless of
// their processing-time arrival order.
func PartitionFor(ts time.Time) PartitionKey {
	return PartitionKey(ts.UTC().Format(partitionLayout))
}

func (p PartitionKey) String() string { return string(p) }

// Status tags a routing outcome.  Callers must handle both branches; routing
// never fails with a plain error.
type Status int

const (
	StatusAccepted Status = iota
	StatusDeadLettered
)

// Dead-letter reasons, used as counter labels.
const (
	ReasonUnknownEntity = "unknown_entity"
	ReasonMissingKeys   = "missing_keys"
	ReasonNoRowImage    = "no_row_image"
	ReasonNoTimestamp   = "no_timestamp"
)

// Outcome is the result of routing one event.
type Outcome struct {
	Status Status

	// Entity and Partition are set when Status is StatusAccepted.
	Entity    string
	Partition PartitionKey

	// Reason is set when Status is StatusDeadLettered.
	Reason string
}

func (o Outcome) Accepted() bool { return o.Status == StatusAccepted }

// Router routes events for a fixed set of known entities.
type Router struct {
	entities map[string]struct{}
}

// New returns a router accepting the given entities.  Channels named in
// topic form (prefix.schema.table) are reduced to their table name.
func New(entities []string) *Router {
	m := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		m[EntityFromChannel(e)] = struct{}{}
	}
	return &Router{entities: m}
}

// EntityFromChannel extracts the table name from a channel name such as
// "banking_server.public.accounts".  Bare table names pass through unchanged.
func EntityFromChannel(channel string) string {
	if i := strings.LastIndexByte(channel, '.'); i >= 0 {
		return channel[i+1:]
	}
	return channel
}

// Route inspects one event and either assigns it an (entity, partition) pair
// or shunts it to the dead letter path.  Malformed events never block routing
// of subsequent events.
func (r *Router) Route(cs *changeset.Changeset) Outcome {
	entity := cs.Data.Table
	if entity == "" {
		entity = EntityFromChannel(cs.Watermark.Channel)
	}
	if _, ok := r.entities[entity]; !ok {
		return r.deadLetter(cs, ReasonUnknownEntity)
	}
	if len(cs.Data.Keys) == 0 {
		return r.deadLetter(cs, ReasonMissingKeys)
	}
	if len(cs.Data.Row(cs.Operation)) == 0 {
		return r.deadLetter(cs, ReasonNoRowImage)
	}

	ts := cs.Data.TxnCommitTime
	if ts.IsZero() {
		ts = cs.Watermark.ServerTime
	}
	if ts.IsZero() {
		return r.deadLetter(cs, ReasonNoTimestamp)
	}

	telemetry.EventsRoutedTotal.With(entity, string(cs.Operation)).Inc()
	return Outcome{
		Status:    StatusAccepted,
		Entity:    entity,
		Partition: PartitionFor(ts),
	}
}

func (r *Router) deadLetter(cs *changeset.Changeset, reason string) Outcome {
	telemetry.DeadLetterTotal.With(reason).Inc()
	return Outcome{Status: StatusDeadLettered, Reason: reason}
}

// DeadLetterError describes an event excluded from the pipeline, for logging.
func DeadLetterError(cs *changeset.Changeset, reason string) error {
	return fmt.Errorf("event dead-lettered (%s) at %s offset %d", reason, cs.Watermark.Channel, cs.Watermark.Position)
}
