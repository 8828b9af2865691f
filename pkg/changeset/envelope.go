package changeset

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

var (
	ErrEmptyEnvelope = fmt.Errorf("ERR_ENV_001: The change envelope is empty.  Tombstone records must be disabled at the connector.")

	ErrUnknownOperation = fmt.Errorf("ERR_ENV_002: The change envelope carries an unknown operation code.")
)

// envelope mirrors the Debezium JSON change envelope.  Envelopes may arrive
// bare or wrapped in a {"schema": ..., "payload": ...} document depending on
// connector converter settings; both are accepted.
type envelope struct {
	Payload *envelope `json:"payload,omitempty"`

	Op     string         `json:"op"`
	TsMs   int64          `json:"ts_ms"`
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Source struct {
		Table string `json:"table"`
		TsMs  int64  `json:"ts_ms"`
	} `json:"source"`
}

type keyEnvelope struct {
	Payload map[string]any `json:"payload,omitempty"`
}

// ParseEnvelope decodes one Debezium change envelope into a Changeset.  The
// returned changeset has no watermark; the source adapter stamps it with the
// record's channel position.
func ParseEnvelope(key, value []byte) (*Changeset, error) {
	if len(value) == 0 {
		return nil, ErrEmptyEnvelope
	}

	env := &envelope{}
	if err := decodeNumbers(value, env); err != nil {
		return nil, fmt.Errorf("error decoding change envelope: %w", err)
	}
	if env.Payload != nil {
		env = env.Payload
	}

	var op Operation
	switch env.Op {
	case "c":
		op = OperationCreate
	case "u":
		op = OperationUpdate
	case "d":
		op = OperationDelete
	case "r":
		op = OperationSnapshot
	default:
		return nil, fmt.Errorf("%w (op %q)", ErrUnknownOperation, env.Op)
	}

	cs := &Changeset{
		Operation: op,
		Data: Data{
			Table: env.Source.Table,
			Old:   toTuples(env.Before),
			New:   toTuples(env.After),
		},
	}
	if env.Source.TsMs > 0 {
		cs.Data.TxnCommitTime = time.UnixMilli(env.Source.TsMs).UTC()
	}

	if len(key) > 0 {
		ke := &keyEnvelope{}
		if err := decodeNumbers(key, ke); err != nil {
			return nil, fmt.Errorf("error decoding change key: %w", err)
		}
		fields := ke.Payload
		if fields == nil {
			// Bare key document.
			if err := decodeNumbers(key, &fields); err != nil {
				return nil, fmt.Errorf("error decoding change key: %w", err)
			}
			delete(fields, "schema")
			delete(fields, "payload")
		}
		cs.Data.Keys = toTuples(fields)
	}

	return cs, nil
}

func decodeNumbers(byt []byte, into any) error {
	dec := json.NewDecoder(bytes.NewReader(byt))
	dec.UseNumber()
	return dec.Decode(into)
}

func toTuples(fields map[string]any) Tuples {
	if fields == nil {
		return nil
	}
	t := make(Tuples, len(fields))
	for name, val := range fields {
		t[name] = toColumnValue(val)
	}
	return t
}

func toColumnValue(val any) ColumnValue {
	switch v := val.(type) {
	case nil:
		return ColumnValue{Encoding: "n"}
	case bool:
		return ColumnValue{Encoding: "o", Data: v}
	case string:
		return ColumnValue{Encoding: "t", Data: v}
	case json.Number:
		// Integers stay integers; everything else is a float, matching the
		// connector's double handling for decimals.
		if !strings.ContainsAny(v.String(), ".eE") {
			if i, err := v.Int64(); err == nil {
				return ColumnValue{Encoding: "i", Data: i}
			}
		}
		f, _ := v.Float64()
		return ColumnValue{Encoding: "f", Data: f}
	default:
		// Nested documents (json/jsonb columns) pass through as text.
		byt, _ := json.Marshal(v)
		return ColumnValue{Encoding: "t", Data: string(byt)}
	}
}
