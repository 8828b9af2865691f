package changeset

import (
	"strings"
	"time"
)

type Operation string

const (
	OperationCreate = "CREATE"
	OperationUpdate = "UPDATE"
	OperationDelete = "DELETE"
	// OperationSnapshot marks rows emitted by the connector's initial
	// table snapshot, before live streaming begins.
	OperationSnapshot = "SNAPSHOT"
)

func (o Operation) ToEventVerb() string {
	switch o {
	case OperationCreate:
		return "created"
	case OperationUpdate:
		return "updated"
	case OperationDelete:
		return "deleted"
	case OperationSnapshot:
		return "snapshotted"
	default:
		return strings.ToLower(string(o))
	}
}

type Changeset struct {
	// Watermark represents the source position for this changeset op.
	Watermark Watermark `json:"watermark"`

	// Operation represents the operation type for this event.
	Operation Operation `json:"operation"`

	// Data represents the actual data for the operation
	Data Data `json:"data"`
}

// Watermark identifies a single event's position within one source channel.
// Positions are strictly increasing per channel, so acknowledging a watermark
// acknowledges every event at or before it on that channel.
type Watermark struct {
	// Channel is the source channel (Kafka topic) the event arrived on.
	Channel string `json:"channel"`
	// Partition is the channel partition holding the event.  Change topics
	// are single-partition, but the partition is carried so offset commits
	// address the right log.
	Partition int `json:"partition"`
	// Position is the channel offset of the event.
	Position int64 `json:"position"`
	// ServerTime is the broker-assigned time for the event.
	ServerTime time.Time `json:"server_time"`
}

// After reports whether w is a later position than other on the same channel.
func (w Watermark) After(other Watermark) bool {
	return w.Channel == other.Channel && w.Position > other.Position
}

type Data struct {
	// TxnCommitTime is the commit time of the source transaction which
	// produced this event.  Zero when the connector did not record it.
	TxnCommitTime time.Time `json:"txn_commit_time,omitempty"`

	Table string `json:"table,omitempty"`

	// Keys holds the primary key tuples for the changed row.
	Keys Tuples `json:"keys,omitempty"`

	Old Tuples `json:"old,omitempty"`
	New Tuples `json:"new,omitempty"`
}

// Row returns the row image to materialize for this event: the new tuple for
// creates and updates, the old tuple for deletes (tombstones are disabled at
// the connector).
func (d Data) Row(op Operation) Tuples {
	if op == OperationDelete {
		return d.Old
	}
	return d.New
}

type Tuples map[string]ColumnValue

type ColumnValue struct {
	// Encoding represents the encoding of the data in Data.  This may be one of:
	//
	// - "n", representing null data.
	// - "t", representing text-encoded data.
	// - "b", representing base64 binary data.
	// - "i", representing an integer.
	// - "f", representing a float.
	// - "o", representing a boolean.
	Encoding string `json:"encoding"`
	// Data is the value of the column.
	Data any `json:"data"`
}

// WatermarkCommitter records that every event at or before the given watermark
// has been durably processed downstream.
type WatermarkCommitter interface {
	// Commit commits the current watermark across the backing datastores -
	// remote and local.  Note that the remote may be committed at specific
	// intervals, so no guarantee of an immediate commit is provided.
	Commit(Watermark)
}
