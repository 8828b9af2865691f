package changeset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	t.Parallel()

	t.Run("create", func(t *testing.T) {
		t.Parallel()

		value := []byte(`{
			"op": "c",
			"ts_ms": 1725000000123,
			"before": null,
			"after": {
				"id": 42,
				"customer_id": "6db2bd8a-2a2f-52d3-aa79-abb4015d6dbd",
				"balance": 103.55,
				"currency": "USD",
				"enabled": true,
				"closed_at": null
			},
			"source": {"table": "accounts", "ts_ms": 1725000000100}
		}`)
		key := []byte(`{"id": 42}`)

		cs, err := ParseEnvelope(key, value)
		require.NoError(t, err)
		require.EqualValues(t, OperationCreate, cs.Operation)
		require.Equal(t, "accounts", cs.Data.Table)
		require.Equal(t, time.UnixMilli(1725000000100).UTC(), cs.Data.TxnCommitTime)
		require.Nil(t, cs.Data.Old)
		require.Equal(t, Tuples{
			"id":          {Encoding: "i", Data: int64(42)},
			"customer_id": {Encoding: "t", Data: "6db2bd8a-2a2f-52d3-aa79-abb4015d6dbd"},
			"balance":     {Encoding: "f", Data: 103.55},
			"currency":    {Encoding: "t", Data: "USD"},
			"enabled":     {Encoding: "o", Data: true},
			"closed_at":   {Encoding: "n"},
		}, cs.Data.New)
		require.Equal(t, Tuples{"id": {Encoding: "i", Data: int64(42)}}, cs.Data.Keys)
	})

	t.Run("payload wrapped", func(t *testing.T) {
		t.Parallel()

		value := []byte(`{"schema": {"type": "struct"}, "payload": {
			"op": "u",
			"before": {"amount": 1},
			"after": {"amount": 2},
			"source": {"table": "transactions", "ts_ms": 1725000000100}
		}}`)

		cs, err := ParseEnvelope(nil, value)
		require.NoError(t, err)
		require.EqualValues(t, OperationUpdate, cs.Operation)
		require.Equal(t, "transactions", cs.Data.Table)
		require.Equal(t, Tuples{"amount": {Encoding: "i", Data: int64(1)}}, cs.Data.Old)
		require.Equal(t, Tuples{"amount": {Encoding: "i", Data: int64(2)}}, cs.Data.New)
	})

	t.Run("delete uses old row image", func(t *testing.T) {
		t.Parallel()

		value := []byte(`{
			"op": "d",
			"before": {"id": 7, "status": "closed"},
			"after": null,
			"source": {"table": "accounts", "ts_ms": 1725000000100}
		}`)

		cs, err := ParseEnvelope(nil, value)
		require.NoError(t, err)
		require.EqualValues(t, OperationDelete, cs.Operation)
		require.Equal(t, cs.Data.Old, cs.Data.Row(cs.Operation))
	})

	t.Run("tombstone", func(t *testing.T) {
		t.Parallel()

		_, err := ParseEnvelope([]byte(`{"id": 1}`), nil)
		require.ErrorIs(t, err, ErrEmptyEnvelope)
	})

	t.Run("unknown op", func(t *testing.T) {
		t.Parallel()

		_, err := ParseEnvelope(nil, []byte(`{"op": "x", "source": {"table": "accounts"}}`))
		require.ErrorIs(t, err, ErrUnknownOperation)
	})
}

func TestOperationToEventVerb(t *testing.T) {
	t.Parallel()

	require.Equal(t, "created", Operation(OperationCreate).ToEventVerb())
	require.Equal(t, "updated", Operation(OperationUpdate).ToEventVerb())
	require.Equal(t, "deleted", Operation(OperationDelete).ToEventVerb())
	require.Equal(t, "snapshotted", Operation(OperationSnapshot).ToEventVerb())
	require.Equal(t, "other", Operation("OTHER").ToEventVerb())
}

func TestWatermarkAfter(t *testing.T) {
	t.Parallel()

	a := Watermark{Channel: "banking_server.public.accounts", Position: 10}
	b := Watermark{Channel: "banking_server.public.accounts", Position: 11}
	other := Watermark{Channel: "banking_server.public.transactions", Position: 99}

	require.True(t, b.After(a))
	require.False(t, a.After(b))
	require.False(t, other.After(a), "positions on different channels are not ordered")
}
