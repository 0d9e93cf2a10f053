// Package spool appends encoded rows to a local CSV file and hands the
// completed file to the next stage of a chain.
package spool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lsm/cdcsink/internal/dlq"
	"github.com/lsm/cdcsink/internal/encoder"
	"github.com/lsm/cdcsink/internal/event"
	"github.com/lsm/cdcsink/internal/observability"
	"github.com/lsm/cdcsink/internal/row"
	"github.com/lsm/cdcsink/internal/sink"
)

// ErrColumnsChanged is returned when a row does not match the columns frozen
// by the first row of the file.
var ErrColumnsChanged = errors.New("spool columns changed mid-file")

// Config holds the spool file settings of one Writer.
type Config struct {
	Path        string   `yaml:"path"`        // fixed path, never deleted
	PathPrefix  string   `yaml:"prefix"`      // prefix of synthesized paths
	SuffixParts []string `yaml:"suffixParts"` // defaults to unix time and a random UUID
	Keep        bool     `yaml:"keep"`        // never delete synthesized files
	Schema      string   `yaml:"-"`
	Table       string   `yaml:"-"`
}

// Reporter receives spool files retained after delivery was not confirmed.
type Reporter interface {
	Send(ctx context.Context, info dlq.FailureInfo) error
}

// Option configures a Writer.
type Option func(*Writer)

// WithNext sets the stage completed files are pushed to.
func WithNext(next sink.Stage) Option {
	return func(w *Writer) { w.next = next }
}

// WithReporter sets where retained files are reported.
func WithReporter(r Reporter) Option {
	return func(w *Writer) { w.reporter = r }
}

// WithLogger sets the writer's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) { w.logger = logger }
}

// WithMetrics records spooled rows and retained files.
func WithMetrics(m *observability.Metrics) Option {
	return func(w *Writer) { w.metrics = m }
}

// WithEncoder overrides the row encoder.
func WithEncoder(enc *encoder.Encoder) Option {
	return func(w *Writer) { w.encoder = enc }
}

// Writer owns one spool file. It is not safe for concurrent use; independent
// files get independent writers.
type Writer struct {
	path  string
	owned bool // path was synthesized and may be deleted
	keep  bool

	schema string
	table  string

	file          *os.File
	buf           *bufio.Writer
	csv           *csvWriter
	headerWritten bool
	columns       []string

	next     sink.Stage
	outcome  sink.Outcome
	reporter Reporter
	encoder  *encoder.Encoder
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New creates a Writer. The file is not touched until the first insert.
func New(cfg Config, opts ...Option) *Writer {
	w := &Writer{
		path:   cfg.Path,
		keep:   cfg.Keep,
		schema: cfg.Schema,
		table:  cfg.Table,
		logger: slog.Default(),
	}
	if w.path == "" {
		w.path = SynthesizePath(cfg.PathPrefix, cfg.SuffixParts, time.Now())
		w.owned = true
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.encoder == nil {
		w.encoder = encoder.New(encoder.WithLogger(w.logger))
	}
	w.logger = w.logger.With("path", w.path)
	return w
}

// SynthesizePath builds <prefix><parts joined by "_">.csv. Without parts it
// uses the unix time with fractional seconds and a random UUID.
func SynthesizePath(prefix string, parts []string, now time.Time) string {
	if len(parts) == 0 {
		parts = []string{
			strconv.FormatFloat(float64(now.UnixNano())/1e9, 'f', 6, 64),
			uuid.NewString(),
		}
	}
	return prefix + strings.Join(parts, "_") + ".csv"
}

// Path returns the spool file path.
func (w *Writer) Path() string { return w.path }

// Outcome returns the outcome reported by the last push.
func (w *Writer) Outcome() sink.Outcome { return w.outcome }

// Opened reports whether the file is open for appending.
func (w *Writer) Opened() bool { return w.file != nil }

// Open opens the file for appending. A file that already has content is
// assumed to carry its header.
func (w *Writer) Open() error {
	if w.Opened() {
		return nil
	}
	if info, err := os.Stat(w.path); err == nil && info.Size() > 0 {
		w.headerWritten = true
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open spool file %s: %w", w.path, err)
	}
	w.file = f
	w.buf = bufio.NewWriter(f)
	w.csv = &csvWriter{w: w.buf}
	return nil
}

// Insert appends the spool rows of all verified events.
func (w *Writer) Insert(ctx context.Context, events []*event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		w.logger.Warn("no events to insert")
		return nil
	}
	rows, err := w.encoder.Spool(events)
	if err != nil {
		return fmt.Errorf("encode spool rows: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	if err := w.Open(); err != nil {
		return err
	}

	if w.columns == nil {
		if err := w.freeze(rows[0]); err != nil {
			return err
		}
	}

	for _, r := range rows {
		if !sameNames(w.columns, r) {
			return fmt.Errorf("%w: have %v, got %v", ErrColumnsChanged, w.columns, r.Names())
		}
		if err := w.csv.record(r); err != nil {
			return fmt.Errorf("write spool row: %w", err)
		}
		w.count(r)
	}
	w.logger.Debug("spooled rows", "rows", len(rows))
	return nil
}

func (w *Writer) freeze(first row.Row) error {
	w.columns = first.Names()
	if w.schema == "" {
		if v, ok := first.Get(encoder.ColSchema); ok {
			w.schema = v.String()
		}
	}
	if w.table == "" {
		if v, ok := first.Get(encoder.ColTable); ok {
			w.table = v.String()
		}
	}
	if w.headerWritten {
		return nil
	}
	if err := w.csv.header(w.columns); err != nil {
		return fmt.Errorf("write spool header: %w", err)
	}
	w.headerWritten = true
	return nil
}

// Push flushes the file and hands it to the next stage, recording the
// outcome. Without a next stage or before any row was written it does nothing.
func (w *Writer) Push(ctx context.Context) (sink.Outcome, error) {
	if err := w.flush(); err != nil {
		return w.outcome, err
	}
	if w.next == nil || w.columns == nil {
		return w.outcome, nil
	}
	w.outcome = w.next.Insert(ctx, sink.Descriptor{
		Schema:  w.schema,
		Table:   w.table,
		Path:    w.path,
		Columns: append([]string(nil), w.columns...),
	})
	w.logger.Info("spool file pushed", "schema", w.schema, "table", w.table, "outcome", w.outcome.String())
	return w.outcome, nil
}

// Close flushes and closes the file. It is safe to call more than once.
func (w *Writer) Close() error {
	if !w.Opened() {
		return nil
	}
	err := w.flush()
	if cerr := w.file.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close spool file: %w", cerr))
	}
	w.file, w.buf, w.csv = nil, nil, nil
	return err
}

// Destroy closes the file and removes it when this writer synthesized it,
// it is not kept, and the next stage confirmed delivery. A file whose
// delivery was not confirmed stays on disk and is reported.
func (w *Writer) Destroy(ctx context.Context) error {
	err := w.Close()
	if !w.owned || w.keep {
		return err
	}
	if _, serr := os.Stat(w.path); serr != nil {
		return err
	}

	if w.next != nil && !w.outcome.Delivered() {
		w.logger.Error("spool file not delivered, retaining it",
			"schema", w.schema, "table", w.table, "outcome", w.outcome.String())
		if w.metrics != nil {
			w.metrics.SpoolRetained.Inc()
		}
		if w.reporter != nil {
			rerr := w.reporter.Send(ctx, dlq.FailureInfo{
				Path:    w.path,
				Schema:  w.schema,
				Table:   w.table,
				Outcome: w.outcome.String(),
				Reason:  "delivery not confirmed",
			})
			if rerr != nil {
				w.logger.Error("failed to report retained spool file", "error", rerr)
				err = errors.Join(err, rerr)
			}
		}
		return err
	}

	if rerr := os.Remove(w.path); rerr != nil {
		return errors.Join(err, fmt.Errorf("remove spool file: %w", rerr))
	}
	w.logger.Debug("spool file removed")
	return err
}

func (w *Writer) flush() error {
	if w.buf == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush spool file: %w", err)
	}
	return nil
}

func (w *Writer) count(r row.Row) {
	if w.metrics == nil {
		return
	}
	op := "update"
	if v, ok := r.Get(encoder.ColOperation); ok {
		switch v.Int {
		case encoder.OperationCode(event.Insert):
			op = "insert"
		case encoder.OperationCode(event.Delete):
			op = "delete"
		}
	}
	w.metrics.RowsTotal.WithLabelValues("spool", op).Inc()
}

func sameNames(columns []string, r row.Row) bool {
	if len(columns) != len(r) {
		return false
	}
	for i, c := range r {
		if c.Name != columns[i] {
			return false
		}
	}
	return true
}
