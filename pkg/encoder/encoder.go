// Package encoder turns a drained partition buffer into a self-describing,
// splittable Parquet batch file.
package encoder

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/coldlake/lakecap/pkg/buffer"
	"github.com/coldlake/lakecap/pkg/changeset"
	"github.com/coldlake/lakecap/pkg/telemetry"
)

// Engine-owned columns prefixed to every batch file, ahead of the row fields.
const (
	colOp        = "_op"
	colChannel   = "_channel"
	colPosition  = "_position"
	colEventTime = "_event_time"
)

// Batch is the immutable serialized snapshot of one drained partition buffer,
// consumed exactly once by the object store writer.
type Batch struct {
	// ID is a unique build id recorded in object metadata for traceability.
	ID string
	// Key is the (entity, date) partition the batch belongs to.
	Key buffer.Key
	// Data is the Parquet file content.
	Data []byte
	// Rows is the number of events serialized.
	Rows int64
	// Checksum is the xxhash of Data, recorded in object metadata.
	Checksum uint64
	// Marks holds the max contributing watermark per channel, for commit.
	Marks map[string]changeset.Watermark
	// CreatedAt is the build time, used in the object path.
	CreatedAt time.Time
}

// DeadLetter is an event excluded from a batch because one of its values
// cannot be represented in any supported column type.
type DeadLetter struct {
	Event  *changeset.Changeset
	Column string
	Err    error
}

// Encode serializes a drained buffer.  Events whose values cannot be
// represented are isolated as dead letters and the remainder is encoded, so a
// single poison event never blocks its partition.  Returns a nil Batch when
// every event was excluded.
func Encode(d *buffer.Drained) (*Batch, []DeadLetter, error) {
	cols := resolveColumns(d.Events)

	// Isolate events with unrepresentable values before building, so the
	// remainder is encoded in one pass.
	var (
		ok   []*changeset.Changeset
		dead []DeadLetter
	)
	for _, cs := range d.Events {
		if dl := checkEvent(cs, cols); dl != nil {
			telemetry.DeadLetterTotal.With("unencodable_value").Inc()
			dead = append(dead, *dl)
			continue
		}
		ok = append(ok, cs)
	}
	if len(ok) == 0 {
		return nil, dead, nil
	}

	data, err := build(ok, cols)
	if err != nil {
		return nil, dead, fmt.Errorf("error encoding batch for %s/%s: %w", d.Key.Entity, d.Key.Partition, err)
	}

	return &Batch{
		ID:        uuid.New().String(),
		Key:       d.Key,
		Data:      data,
		Rows:      int64(len(ok)),
		Checksum:  xxhash.Sum64(data),
		Marks:     d.Marks,
		CreatedAt: time.Now().UTC(),
	}, dead, nil
}

// column is one resolved row field: its name plus the arrow type chosen from
// the union of encodings seen across the batch.
type column struct {
	name string
	typ  arrow.DataType
}

// resolveColumns unions the field sets of every event (schema drift within a
// batch is expected) and picks a column type per field:
//
//   - a single consistent encoding maps to its native type
//   - mixed int/float widens to float64
//   - any other mix degrades to the string rendering
//
// Fields absent from an event become explicit nulls.
func resolveColumns(events []*changeset.Changeset) []column {
	encs := map[string]map[string]struct{}{}
	for _, cs := range events {
		for name, cv := range cs.Data.Row(cs.Operation) {
			if cv.Encoding == "n" {
				continue
			}
			set, ok := encs[name]
			if !ok {
				set = map[string]struct{}{}
				encs[name] = set
			}
			set[cv.Encoding] = struct{}{}
		}
		// All-null fields still need a column.
		for name := range cs.Data.Row(cs.Operation) {
			if _, ok := encs[name]; !ok {
				encs[name] = map[string]struct{}{}
			}
		}
	}

	names := make([]string, 0, len(encs))
	for name := range encs {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]column, len(names))
	for i, name := range names {
		cols[i] = column{name: name, typ: typeFor(encs[name])}
	}
	return cols
}

func typeFor(encodings map[string]struct{}) arrow.DataType {
	has := func(e string) bool {
		_, ok := encodings[e]
		return ok
	}
	switch len(encodings) {
	case 0:
		// Only nulls observed.
		return arrow.BinaryTypes.String
	case 1:
		switch {
		case has("i"):
			return arrow.PrimitiveTypes.Int64
		case has("f"):
			return arrow.PrimitiveTypes.Float64
		case has("o"):
			return arrow.FixedWidthTypes.Boolean
		case has("b"):
			return arrow.BinaryTypes.Binary
		default:
			return arrow.BinaryTypes.String
		}
	case 2:
		if has("i") && has("f") {
			return arrow.PrimitiveTypes.Float64
		}
	}
	return arrow.BinaryTypes.String
}

// checkEvent returns a dead letter when any of the event's values cannot be
// rendered into its resolved column type.
func checkEvent(cs *changeset.Changeset, cols []column) *DeadLetter {
	row := cs.Data.Row(cs.Operation)
	for _, col := range cols {
		cv, ok := row[col.name]
		if !ok || cv.Encoding == "n" || cv.Data == nil {
			continue
		}
		if err := appendValue(nil, col.typ, cv); err != nil {
			return &DeadLetter{Event: cs, Column: col.name, Err: err}
		}
	}
	return nil
}

func schemaFor(cols []column) *arrow.Schema {
	fields := []arrow.Field{
		{Name: colOp, Type: arrow.BinaryTypes.String},
		{Name: colChannel, Type: arrow.BinaryTypes.String},
		{Name: colPosition, Type: arrow.PrimitiveTypes.Int64},
		{Name: colEventTime, Type: arrow.FixedWidthTypes.Timestamp_ms},
	}
	for _, col := range cols {
		fields = append(fields, arrow.Field{Name: col.name, Type: col.typ, Nullable: true})
	}
	return arrow.NewSchema(fields, nil)
}

func build(events []*changeset.Changeset, cols []column) ([]byte, error) {
	schema := schemaFor(cols)
	rb := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer rb.Release()

	for _, cs := range events {
		rb.Field(0).(*array.StringBuilder).Append(string(cs.Operation))
		rb.Field(1).(*array.StringBuilder).Append(cs.Watermark.Channel)
		rb.Field(2).(*array.Int64Builder).Append(cs.Watermark.Position)

		ts := cs.Data.TxnCommitTime
		if ts.IsZero() {
			ts = cs.Watermark.ServerTime
		}
		rb.Field(3).(*array.TimestampBuilder).Append(arrow.Timestamp(ts.UnixMilli()))

		row := cs.Data.Row(cs.Operation)
		for i, col := range cols {
			b := rb.Field(4 + i)
			cv, ok := row[col.name]
			if !ok || cv.Encoding == "n" || cv.Data == nil {
				b.AppendNull()
				continue
			}
			if err := appendValue(b, col.typ, cv); err != nil {
				// Unrepresentable values were screened out above.
				return nil, err
			}
		}
	}

	rec := rb.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	w, err := pqarrow.NewFileWriter(schema, &buf, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, err
	}
	if err := w.Write(rec); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// appendValue renders one column value into its arrow builder.  A nil builder
// only validates representability.
func appendValue(b array.Builder, typ arrow.DataType, cv changeset.ColumnValue) error {
	switch typ.ID() {
	case arrow.INT64:
		v, ok := cv.Data.(int64)
		if !ok {
			return fmt.Errorf("value %v (%T) is not representable as int64", cv.Data, cv.Data)
		}
		if b != nil {
			b.(*array.Int64Builder).Append(v)
		}
	case arrow.FLOAT64:
		var f float64
		switch v := cv.Data.(type) {
		case float64:
			f = v
		case int64:
			f = float64(v)
		default:
			return fmt.Errorf("value %v (%T) is not representable as float64", cv.Data, cv.Data)
		}
		if b != nil {
			b.(*array.Float64Builder).Append(f)
		}
	case arrow.BOOL:
		v, ok := cv.Data.(bool)
		if !ok {
			return fmt.Errorf("value %v (%T) is not representable as bool", cv.Data, cv.Data)
		}
		if b != nil {
			b.(*array.BooleanBuilder).Append(v)
		}
	case arrow.BINARY:
		s, ok := cv.Data.(string)
		if !ok {
			return fmt.Errorf("value of type %T is not representable as binary", cv.Data)
		}
		byt, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("binary value is not valid base64: %w", err)
		}
		if b != nil {
			b.(*array.BinaryBuilder).Append(byt)
		}
	case arrow.STRING:
		s, err := renderString(cv)
		if err != nil {
			return err
		}
		if b != nil {
			b.(*array.StringBuilder).Append(s)
		}
	default:
		return fmt.Errorf("unsupported column type %s", typ.Name())
	}
	return nil
}

func renderString(cv changeset.ColumnValue) (string, error) {
	switch v := cv.Data.(type) {
	case string:
		return v, nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("value of type %T is not representable as string", cv.Data)
	}
}
