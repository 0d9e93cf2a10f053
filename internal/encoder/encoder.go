// Package encoder turns verified events into destination-shaped rows.
package encoder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lsm/cdcsink/internal/event"
	"github.com/lsm/cdcsink/internal/row"
)

var (
	// ErrUnsupportedValue is returned for a column value the encoder has no mapping for.
	ErrUnsupportedValue = errors.New("unsupported value type")
	// ErrColumnMismatch is returned when rows of one batch disagree on their columns.
	ErrColumnMismatch = errors.New("rows do not share a column set")
)

// Spool metadata columns, in file order.
const (
	ColOperation       = "operation"
	ColCaptureTime     = "capture_time"
	ColTable           = "table"
	ColSchema          = "schema"
	ColLogPos          = "log_pos"
	ColBinlogTimestamp = "binlog_timestamp"
	ColPayload         = "payload"
)

// SpoolColumns is the exact column list of every spool file.
var SpoolColumns = []string{
	ColOperation, ColCaptureTime, ColTable, ColSchema, ColLogPos, ColBinlogTimestamp, ColPayload,
}

// NullMarker replaces nulls inside the serialized payload column.
const NullMarker = "NULL"

const (
	captureTimeLayout = "2006-01-02 15:04:05.000000"
	dateTimeLayout    = "2006-01-02 15:04:05.999999"
)

// OperationCode returns the integer written to the operation column.
func OperationCode(op event.Operation) int64 {
	switch op {
	case event.Insert:
		return 0
	case event.Delete:
		return 2
	default:
		return 1
	}
}

// Batch is a flat, column-consistent set of rows for one destination table.
type Batch struct {
	Schema     string
	Table      string
	Columns    []string
	PrimaryKey []string
	Rows       []row.Row
}

// Empty reports whether the batch has no rows to write.
func (b Batch) Empty() bool { return len(b.Rows) == 0 }

// UpdateBatch is the update counterpart of Batch.
type UpdateBatch struct {
	Schema     string
	Table      string
	PrimaryKey []string
	Rows       []row.Update
}

// Empty reports whether the batch has no rows to write.
func (b UpdateBatch) Empty() bool { return len(b.Rows) == 0 }

// Option configures an Encoder.
type Option func(*Encoder)

// WithClock overrides the wall clock used for the capture_time column.
func WithClock(now func() time.Time) Option {
	return func(e *Encoder) {
		e.now = now
	}
}

// WithLogger sets the logger used to report skipped events.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Encoder) {
		e.logger = logger
	}
}

// Encoder converts verified events into rows.
type Encoder struct {
	now    func() time.Time
	logger *slog.Logger
}

// New creates an Encoder.
func New(opts ...Option) *Encoder {
	e := &Encoder{
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rows flattens the insert/delete rows of all verified events into one batch.
// Unverified events are logged and skipped.
func (e *Encoder) Rows(events []*event.Event) (Batch, error) {
	var b Batch
	for _, evt := range e.verified(events) {
		for _, fields := range evt.Rows {
			r, err := Encode(fields)
			if err != nil {
				return Batch{}, fmt.Errorf("%s.%s: %w", evt.Schema, evt.Table, err)
			}
			if len(b.Rows) > 0 && !b.Rows[0].SameColumns(r) {
				return Batch{}, fmt.Errorf("%s.%s: %w", evt.Schema, evt.Table, ErrColumnMismatch)
			}
			b.Rows = append(b.Rows, r)
		}
		b.Schema, b.Table, b.PrimaryKey = evt.Schema, evt.Table, evt.PrimaryKey
	}
	if len(b.Rows) > 0 {
		b.Columns = b.Rows[0].Names()
	}
	return b, nil
}

// Updates converts the before/after images of all verified update events.
func (e *Encoder) Updates(events []*event.Event) (UpdateBatch, error) {
	var b UpdateBatch
	for _, evt := range e.verified(events) {
		for _, u := range evt.Updates {
			before, err := Encode(u.Before)
			if err != nil {
				return UpdateBatch{}, fmt.Errorf("%s.%s before: %w", evt.Schema, evt.Table, err)
			}
			after, err := Encode(u.After)
			if err != nil {
				return UpdateBatch{}, fmt.Errorf("%s.%s after: %w", evt.Schema, evt.Table, err)
			}
			b.Rows = append(b.Rows, row.Update{Before: before, After: after})
		}
		b.Schema, b.Table, b.PrimaryKey = evt.Schema, evt.Table, evt.PrimaryKey
	}
	return b, nil
}

// Spool produces payload-oriented rows carrying only the metadata columns.
// Each source row travels JSON encoded in the payload column.
func (e *Encoder) Spool(events []*event.Event) ([]row.Row, error) {
	var rows []row.Row
	for _, evt := range e.verified(events) {
		images := evt.Rows
		if evt.Op == event.Update {
			images = make([]event.Fields, 0, len(evt.Updates))
			for _, u := range evt.Updates {
				images = append(images, u.After)
			}
		}
		for _, fields := range images {
			r, err := Encode(fields)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", evt.Schema, evt.Table, err)
			}
			payload, err := Payload(r)
			if err != nil {
				return nil, fmt.Errorf("%s.%s payload: %w", evt.Schema, evt.Table, err)
			}
			rows = append(rows, row.Row{
				{Name: ColOperation, Value: row.Int(OperationCode(evt.Op))},
				{Name: ColCaptureTime, Value: row.Text(e.now().UTC().Format(captureTimeLayout))},
				{Name: ColTable, Value: row.Text(evt.Table)},
				{Name: ColSchema, Value: row.Text(evt.Schema)},
				{Name: ColLogPos, Value: row.Uint(evt.LogPos)},
				{Name: ColBinlogTimestamp, Value: row.Int(evt.Timestamp)},
				{Name: ColPayload, Value: row.Text(payload)},
			})
		}
	}
	return rows, nil
}

func (e *Encoder) verified(events []*event.Event) []*event.Event {
	out := make([]*event.Event, 0, len(events))
	for _, evt := range events {
		if evt == nil {
			continue
		}
		if !evt.Verified {
			e.logger.Warn("event verification failed, skipping event", "event", evt.Meta())
			continue
		}
		out = append(out, evt)
	}
	return out
}

// Encode converts one source row into a tagged row.
func Encode(fields event.Fields) (row.Row, error) {
	r := make(row.Row, 0, len(fields))
	for _, f := range fields {
		v, err := Value(f.Value)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", f.Name, err)
		}
		r = append(r, row.Column{Name: f.Name, Value: v})
	}
	return r, nil
}

// Value converts a single source value into its tagged form. Arbitrary precision
// numbers become their canonical decimal text.
func Value(v any) (row.Value, error) {
	switch x := v.(type) {
	case nil:
		return row.Null(), nil
	case string:
		return row.Text(x), nil
	case []byte:
		return row.Text(string(x)), nil
	case bool:
		return row.Bool(x), nil
	case int:
		return row.Int(int64(x)), nil
	case int8:
		return row.Int(int64(x)), nil
	case int16:
		return row.Int(int64(x)), nil
	case int32:
		return row.Int(int64(x)), nil
	case int64:
		return row.Int(x), nil
	case uint:
		return row.Uint(uint64(x)), nil
	case uint8:
		return row.Uint(uint64(x)), nil
	case uint16:
		return row.Uint(uint64(x)), nil
	case uint32:
		return row.Uint(uint64(x)), nil
	case uint64:
		return row.Uint(x), nil
	case float32:
		return row.Float(float64(x)), nil
	case float64:
		return row.Float(x), nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return row.Int(n), nil
		}
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return row.Value{}, fmt.Errorf("%w: json number %q", ErrUnsupportedValue, x)
		}
		return row.Text(decimalText(d)), nil
	case decimal.Decimal:
		return row.Text(decimalText(x)), nil
	case *decimal.Decimal:
		if x == nil {
			return row.Null(), nil
		}
		return row.Text(decimalText(*x)), nil
	case *big.Int:
		if x == nil {
			return row.Null(), nil
		}
		return row.Text(x.String()), nil
	case *big.Rat:
		if x == nil {
			return row.Null(), nil
		}
		return row.Text(decimal.NewFromBigRat(x, ratPrecision(x)).String()), nil
	case *big.Float:
		if x == nil {
			return row.Null(), nil
		}
		return row.Text(x.Text('f', -1)), nil
	case time.Time:
		return row.Text(x.UTC().Format(dateTimeLayout)), nil
	default:
		return row.Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

// decimalText keeps the source scale, so 1.50 stays 1.50.
func decimalText(d decimal.Decimal) string {
	if exp := d.Exponent(); exp < 0 {
		return d.StringFixed(-exp)
	}
	return d.String()
}

// ratPrecision returns enough fractional digits to represent r exactly when
// its denominator is a product of 2s and 5s, and a generous cap otherwise.
func ratPrecision(r *big.Rat) int32 {
	if exact, ok := r.FloatPrec(); ok {
		return int32(exact)
	}
	return 38
}

// Payload serializes a row as a JSON object in column order. Nulls become
// NullMarker so they stay distinguishable from empty strings downstream.
func Payload(r row.Row) (string, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range r {
		if i > 0 {
			buf.WriteString(", ")
		}
		key, err := json.Marshal(c.Name)
		if err != nil {
			return "", err
		}
		buf.Write(key)
		buf.WriteString(": ")

		var val any
		switch c.Value.Kind {
		case row.KindNull:
			val = NullMarker
		default:
			val = c.Value.Any()
		}
		enc, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		buf.Write(enc)
	}
	buf.WriteByte('}')
	return buf.String(), nil
}
