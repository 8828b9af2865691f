package router

import (
	"testing"
	"time"

	"github.com/coldlake/lakecap/pkg/changeset"
	"github.com/stretchr/testify/require"
)

func event(table string, ts time.Time) *changeset.Changeset {
	return &changeset.Changeset{
		Watermark: changeset.Watermark{
			Channel:    "banking_server.public." + table,
			Position:   1,
			ServerTime: ts,
		},
		Operation: changeset.OperationCreate,
		Data: changeset.Data{
			Table:         table,
			TxnCommitTime: ts,
			Keys:          changeset.Tuples{"id": {Encoding: "i", Data: int64(1)}},
			New:           changeset.Tuples{"id": {Encoding: "i", Data: int64(1)}},
		},
	}
}

func TestRoute(t *testing.T) {
	t.Parallel()

	r := New([]string{
		"banking_server.public.accounts",
		"banking_server.public.transactions",
	})

	ts := time.Date(2026, 8, 28, 15, 4, 5, 0, time.UTC)

	out := r.Route(event("accounts", ts))
	require.True(t, out.Accepted())
	require.Equal(t, "accounts", out.Entity)
	require.Equal(t, PartitionKey("2026-08-28"), out.Partition)
}

func TestRouteDeadLetters(t *testing.T) {
	t.Parallel()

	r := New([]string{"accounts"})
	ts := time.Date(2026, 8, 28, 15, 4, 5, 0, time.UTC)

	t.Run("unknown entity", func(t *testing.T) {
		out := r.Route(event("orders", ts))
		require.False(t, out.Accepted())
		require.Equal(t, ReasonUnknownEntity, out.Reason)
	})

	t.Run("missing keys", func(t *testing.T) {
		cs := event("accounts", ts)
		cs.Data.Keys = nil
		out := r.Route(cs)
		require.False(t, out.Accepted())
		require.Equal(t, ReasonMissingKeys, out.Reason)
	})

	t.Run("no row image", func(t *testing.T) {
		cs := event("accounts", ts)
		cs.Data.New = nil
		out := r.Route(cs)
		require.False(t, out.Accepted())
		require.Equal(t, ReasonNoRowImage, out.Reason)
	})

	t.Run("no timestamp", func(t *testing.T) {
		cs := event("accounts", ts)
		cs.Data.TxnCommitTime = time.Time{}
		cs.Watermark.ServerTime = time.Time{}
		out := r.Route(cs)
		require.False(t, out.Accepted())
		require.Equal(t, ReasonNoTimestamp, out.Reason)
	})

	// A dead-lettered event never blocks the next one.
	out := r.Route(event("accounts", ts))
	require.True(t, out.Accepted())
}

func TestPartitionForSameDate(t *testing.T) {
	t.Parallel()

	// Out-of-order arrival within one UTC date resolves to one partition.
	early := time.Date(2026, 8, 28, 0, 0, 1, 0, time.UTC)
	late := time.Date(2026, 8, 28, 23, 59, 59, 0, time.UTC)
	require.Equal(t, PartitionFor(late), PartitionFor(early))

	// Date boundaries are drawn in UTC, not local time.
	offset := time.FixedZone("plus2", 2*3600)
	localMidnight := time.Date(2026, 8, 29, 1, 30, 0, 0, offset) // 23:30 UTC on the 28th
	require.Equal(t, PartitionKey("2026-08-28"), PartitionFor(localMidnight))
}

func TestEntityFromChannel(t *testing.T) {
	t.Parallel()

	require.Equal(t, "accounts", EntityFromChannel("banking_server.public.accounts"))
	require.Equal(t, "accounts", EntityFromChannel("accounts"))
}
