// Package pipeline routes batches of verified events to the direct SQL path
// or to per-table spool files.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/lsm/cdcsink/internal/event"
	"github.com/lsm/cdcsink/internal/naming"
	"github.com/lsm/cdcsink/internal/observability"
	"github.com/lsm/cdcsink/internal/sink"
	"github.com/lsm/cdcsink/internal/spool"
)

// ErrSharedSpoolPath is returned when a batch spans several destination
// tables but the spool is configured with one fixed path.
var ErrSharedSpoolPath = errors.New("fixed spool path cannot hold more than one table")

// ErrFixedSpoolPath is returned by NewSpooled when a fixed spool path is
// combined with a next stage. The fixed file is never cleared, so each push
// would resend rows that were already delivered.
var ErrFixedSpoolPath = errors.New("fixed spool path cannot be pushed to a next stage")

// Direct writes event groups straight into the SQL store.
type Direct interface {
	Insert(ctx context.Context, events []*event.Event) error
	Update(ctx context.Context, events []*event.Event) error
	Delete(ctx context.Context, events []*event.Event) error
}

// Config holds the spooled path settings. Spool is a template: each batch
// gets one writer per destination table built from it. Without Next the
// files are only written locally.
type Config struct {
	Destination  naming.Resolver
	Spool        spool.Config
	Next         sink.Stage
	SpoolOptions []spool.Option
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithMetrics records skipped events.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline applies batches of events in arrival order.
type Pipeline struct {
	direct  Direct
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewDirect creates a pipeline writing through w.
func NewDirect(w Direct, opts ...Option) *Pipeline {
	p := &Pipeline{direct: w, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewSpooled creates a pipeline writing spool files.
func NewSpooled(cfg Config, opts ...Option) (*Pipeline, error) {
	if cfg.Spool.Path != "" && cfg.Next != nil {
		return nil, fmt.Errorf("%w: %s", ErrFixedSpoolPath, cfg.Spool.Path)
	}
	if cfg.Next != nil {
		cfg.SpoolOptions = append(append([]spool.Option(nil), cfg.SpoolOptions...), spool.WithNext(cfg.Next))
	}
	p := &Pipeline{config: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type group struct {
	schema, table string
	op            event.Operation
	events        []*event.Event
}

// groups splits events into consecutive runs sharing operation and table.
func groups(events []*event.Event) []*group {
	var out []*group
	for _, evt := range events {
		if evt == nil {
			continue
		}
		if n := len(out); n > 0 {
			last := out[n-1]
			if last.op == evt.Op && last.schema == evt.Schema && last.table == evt.Table {
				last.events = append(last.events, evt)
				continue
			}
		}
		out = append(out, &group{schema: evt.Schema, table: evt.Table, op: evt.Op, events: []*event.Event{evt}})
	}
	return out
}

// Apply delivers one batch. A fatal SQL error stops processing and is returned.
func (p *Pipeline) Apply(ctx context.Context, events []*event.Event) error {
	p.countSkipped(events)
	if p.direct != nil {
		return p.applyDirect(ctx, events)
	}
	return p.applySpooled(ctx, events)
}

func (p *Pipeline) applyDirect(ctx context.Context, events []*event.Event) error {
	for _, g := range groups(events) {
		var err error
		switch g.op {
		case event.Insert:
			err = p.direct.Insert(ctx, g.events)
		case event.Update:
			err = p.direct.Update(ctx, g.events)
		case event.Delete:
			err = p.direct.Delete(ctx, g.events)
		}
		if err != nil {
			return fmt.Errorf("%s %s.%s: %w", g.op, g.schema, g.table, err)
		}
	}
	return nil
}

// applySpooled writes every event into the spool file of its destination
// table, then pushes and destroys each file. Files are handled in the order
// their tables first appear.
func (p *Pipeline) applySpooled(ctx context.Context, events []*event.Event) error {
	writers := make(map[naming.Destination]*spool.Writer)
	var order []naming.Destination
	var errs []error

	for _, g := range groups(events) {
		dst := p.config.Destination.Resolve(g.schema, g.table)
		w, ok := writers[dst]
		if !ok {
			cfg := p.config.Spool
			if cfg.Path != "" && len(order) > 0 {
				errs = append(errs, fmt.Errorf("%w: %s.%s", ErrSharedSpoolPath, dst.Schema, dst.Table))
				break
			}
			if len(cfg.SuffixParts) > 0 {
				cfg.SuffixParts = append(append([]string(nil), cfg.SuffixParts...), dst.Table)
			}
			cfg.Schema, cfg.Table = dst.Schema, dst.Table
			w = spool.New(cfg, p.config.SpoolOptions...)
			writers[dst] = w
			order = append(order, dst)
		}
		if err := w.Insert(ctx, g.events); err != nil {
			errs = append(errs, fmt.Errorf("spool %s.%s: %w", g.schema, g.table, err))
			break
		}
	}

	for _, dst := range order {
		w := writers[dst]
		if len(errs) == 0 {
			if _, err := w.Push(ctx); err != nil {
				errs = append(errs, fmt.Errorf("push %s: %w", w.Path(), err))
			}
		}
		if err := w.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("destroy %s: %w", w.Path(), err))
		}
	}
	return errors.Join(errs...)
}

// Recover pushes spool files left behind by earlier runs under the configured
// prefix. Each file is deleted only when the next stage confirms delivery.
// Without a prefix or a next stage there is nothing to recover.
func (p *Pipeline) Recover(ctx context.Context) error {
	if p.direct != nil || p.config.Next == nil {
		return nil
	}
	prefix := p.config.Spool.PathPrefix
	if prefix == "" {
		p.logger.Warn("spool recovery skipped: no spool prefix configured")
		return nil
	}
	paths, err := spool.Pending(prefix)
	if err != nil {
		return err
	}

	var errs []error
	for _, path := range paths {
		schema, table, err := spool.Source(path)
		if errors.Is(err, spool.ErrEmptySpool) || errors.Is(err, spool.ErrNotSpoolFile) {
			p.logger.Warn("skipping spool file", "path", path, "reason", err)
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		dst := p.config.Destination.Resolve(schema, table)
		w, err := spool.Resume(path, spool.Config{
			PathPrefix: prefix,
			Keep:       p.config.Spool.Keep,
			Schema:     dst.Schema,
			Table:      dst.Table,
		}, p.config.SpoolOptions...)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out, err := w.Push(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		p.logger.Info("recovered spool file", "path", path, "outcome", out.String())
		if err := w.Destroy(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run reads batches of up to batchSize events from r and applies them until
// the input ends, ctx is cancelled, or a batch fails. Events read before a
// malformed line are applied before the read error is returned.
func (p *Pipeline) Run(ctx context.Context, r *event.Reader, batchSize int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, readErr := r.ReadBatch(batchSize)
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if len(batch) > 0 {
			if err := p.Apply(ctx, batch); err != nil {
				return errors.Join(err, readErr)
			}
		}
		if readErr != nil {
			p.logger.Error("stopping at unreadable input", "applied", len(batch), "error", readErr)
			return fmt.Errorf("read events: %w", readErr)
		}
	}
}

func (p *Pipeline) countSkipped(events []*event.Event) {
	if p.metrics == nil {
		return
	}
	for _, evt := range events {
		if evt != nil && !evt.Verified {
			p.metrics.EventsSkipped.Inc()
		}
	}
}
