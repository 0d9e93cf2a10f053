// Package clickhouse writes encoded batches directly into a ClickHouse store
// with INSERT and ALTER TABLE mutations.
package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lsm/cdcsink/internal/encoder"
	"github.com/lsm/cdcsink/internal/event"
	"github.com/lsm/cdcsink/internal/naming"
	"github.com/lsm/cdcsink/internal/observability"
	"github.com/lsm/cdcsink/internal/row"
)

// ErrFatal marks a failed write after which the pipeline must stop: readers of
// the destination assume delivery is monotonic.
var ErrFatal = errors.New("fatal write failure")

// Executor runs a statement. *sql.DB satisfies it.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Config holds the destination naming used by a Writer.
type Config struct {
	Destination naming.Resolver
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the writer's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) { w.logger = logger }
}

// WithMetrics records rows and statement failures.
func WithMetrics(m *observability.Metrics) Option {
	return func(w *Writer) { w.metrics = m }
}

// WithEncoder overrides the row encoder.
func WithEncoder(enc *encoder.Encoder) Option {
	return func(w *Writer) { w.encoder = enc }
}

// Writer translates verified events into statements against the store.
type Writer struct {
	exec     Executor
	resolver naming.Resolver
	encoder  *encoder.Encoder
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewWriter creates a Writer executing through exec.
func NewWriter(cfg Config, exec Executor, opts ...Option) (*Writer, error) {
	if exec == nil {
		return nil, fmt.Errorf("executor is required")
	}
	w := &Writer{
		exec:     exec,
		resolver: cfg.Destination,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.encoder == nil {
		w.encoder = encoder.New(encoder.WithLogger(w.logger))
	}
	return w, nil
}

// Insert writes all verified rows as one multi-row INSERT. The store does not
// accept partial multi-row inserts, so any failure fails the whole batch.
func (w *Writer) Insert(ctx context.Context, events []*event.Event) error {
	if len(events) == 0 {
		w.logger.Warn("no events to insert")
		return nil
	}
	b, err := w.encoder.Rows(events)
	if err != nil {
		return fmt.Errorf("encode insert: %w", err)
	}
	if b.Empty() {
		return nil
	}

	dst := w.resolver.Resolve(b.Schema, b.Table)
	query, args := InsertStatement(dst, b)
	w.logger.Debug("insert", "schema", dst.Schema, "table", dst.Table, "rows", len(b.Rows))

	if _, err := w.exec.ExecContext(ctx, query, args...); err != nil {
		w.failed("insert", query, err)
		return fmt.Errorf("%w: insert into %s.%s: %w", ErrFatal, dst.Schema, dst.Table, err)
	}
	w.written("insert", len(b.Rows))
	return nil
}

// Delete issues one ALTER TABLE ... DELETE per verified row.
func (w *Writer) Delete(ctx context.Context, events []*event.Event) error {
	if len(events) == 0 {
		w.logger.Warn("no events to delete")
		return nil
	}
	b, err := w.encoder.Rows(events)
	if err != nil {
		return fmt.Errorf("encode delete: %w", err)
	}
	if b.Empty() {
		return nil
	}

	dst := w.resolver.Resolve(b.Schema, b.Table)
	for _, r := range b.Rows {
		query := DeleteStatement(dst, identifying(r, b.PrimaryKey))
		if _, err := w.exec.ExecContext(ctx, query); err != nil {
			w.failed("delete", query, err)
			return fmt.Errorf("%w: delete from %s.%s: %w", ErrFatal, dst.Schema, dst.Table, err)
		}
	}
	w.written("delete", len(b.Rows))
	return nil
}

// Update issues one ALTER TABLE ... UPDATE per verified row. A failed
// statement is logged and skipped; it does not stop the batch.
func (w *Writer) Update(ctx context.Context, events []*event.Event) error {
	if len(events) == 0 {
		w.logger.Warn("no events to update")
		return nil
	}
	b, err := w.encoder.Updates(events)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	if b.Empty() {
		return nil
	}

	dst := w.resolver.Resolve(b.Schema, b.Table)
	applied := 0
	for _, u := range b.Rows {
		query, ok := UpdateStatement(dst, u, b.PrimaryKey)
		if !ok {
			w.logger.Warn("update changes only primary key columns, skipping",
				"schema", dst.Schema, "table", dst.Table)
			continue
		}
		if _, err := w.exec.ExecContext(ctx, query); err != nil {
			w.failed("update", query, err)
			continue
		}
		applied++
	}
	w.written("update", applied)
	return nil
}

func (w *Writer) failed(op, query string, err error) {
	w.logger.Error("query failed", "op", op, "sql", query, "error", err)
	if w.metrics != nil {
		w.metrics.StatementErrors.WithLabelValues(op).Inc()
	}
}

func (w *Writer) written(op string, n int) {
	if w.metrics != nil && n > 0 {
		w.metrics.RowsTotal.WithLabelValues("direct", op).Add(float64(n))
	}
}

// InsertStatement builds a multi-row INSERT with positional placeholders.
// Args are flattened row by row in column order.
func InsertStatement(dst naming.Destination, b encoder.Batch) (string, []any) {
	cols := make([]string, len(b.Columns))
	for i, c := range b.Columns {
		cols[i] = Quote(c)
	}
	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", table(dst.Schema, dst.Table), strings.Join(cols, ", "))

	args := make([]any, 0, len(b.Rows)*len(cols))
	for i, r := range b.Rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(placeholders)
		for _, c := range r {
			args = append(args, c.Value.Any())
		}
	}
	return sb.String(), args
}

// DeleteStatement builds a DELETE mutation matching every given column.
func DeleteStatement(dst naming.Destination, key row.Row) string {
	preds := make([]string, len(key))
	for i, c := range key {
		preds[i] = predicate(c)
	}
	return fmt.Sprintf("ALTER TABLE %s DELETE WHERE %s", table(dst.Schema, dst.Table), strings.Join(preds, " AND "))
}

// UpdateStatement builds an UPDATE mutation setting every after column except
// the primary key, matched on every before column. It reports false when no
// column is left to set.
func UpdateStatement(dst naming.Destination, u row.Update, primaryKey []string) (string, bool) {
	var sets []string
	for _, c := range u.After {
		if contains(primaryKey, c.Name) {
			continue
		}
		sets = append(sets, assignment(c))
	}
	if len(sets) == 0 {
		return "", false
	}

	preds := make([]string, len(u.Before))
	for i, c := range u.Before {
		preds[i] = predicate(c)
	}
	return fmt.Sprintf("ALTER TABLE %s UPDATE %s WHERE %s",
		table(dst.Schema, dst.Table), strings.Join(sets, ", "), strings.Join(preds, " AND ")), true
}

// identifying returns the primary key columns of r, or all of r when the key
// is unknown or incomplete.
func identifying(r row.Row, primaryKey []string) row.Row {
	if len(primaryKey) == 0 {
		return r
	}
	key := make(row.Row, 0, len(primaryKey))
	for _, pk := range primaryKey {
		v, ok := r.Get(pk)
		if !ok {
			return r
		}
		key = append(key, row.Column{Name: pk, Value: v})
	}
	return key
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
