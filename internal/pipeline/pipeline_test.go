package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lsm/cdcsink/internal/event"
	"github.com/lsm/cdcsink/internal/naming"
	"github.com/lsm/cdcsink/internal/observability"
	"github.com/lsm/cdcsink/internal/sink"
	"github.com/lsm/cdcsink/internal/sink/clickhouse"
	"github.com/lsm/cdcsink/internal/spool"
)

type call struct {
	op    string
	table string
	n     int
}

type fakeDirect struct {
	calls  []call
	failOn string
	err    error
}

func (f *fakeDirect) record(op string, events []*event.Event) error {
	f.calls = append(f.calls, call{op: op, table: events[0].Table, n: len(events)})
	if op == f.failOn {
		return f.err
	}
	return nil
}

func (f *fakeDirect) Insert(_ context.Context, events []*event.Event) error {
	return f.record("insert", events)
}

func (f *fakeDirect) Update(_ context.Context, events []*event.Event) error {
	return f.record("update", events)
}

func (f *fakeDirect) Delete(_ context.Context, events []*event.Event) error {
	return f.record("delete", events)
}

type fakeStage struct {
	outcome     sink.Outcome
	descriptors []sink.Descriptor
}

func (f *fakeStage) Insert(_ context.Context, d sink.Descriptor) sink.Outcome {
	f.descriptors = append(f.descriptors, d)
	return f.outcome
}

func (f *fakeStage) Close() error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func evt(op event.Operation, table string, id int) *event.Event {
	e := &event.Event{Schema: "shop", Table: table, Op: op, Verified: true}
	fields := event.Fields{{Name: "id", Value: id}}
	if op == event.Update {
		e.Updates = []event.UpdateRow{{Before: fields, After: fields}}
	} else {
		e.Rows = []event.Fields{fields}
	}
	return e
}

func TestGroups_KeepArrivalOrder(t *testing.T) {
	events := []*event.Event{
		evt(event.Insert, "orders", 1),
		evt(event.Insert, "orders", 2),
		evt(event.Update, "orders", 1),
		nil,
		evt(event.Insert, "orders", 3),
		evt(event.Insert, "items", 1),
	}
	gs := groups(events)
	want := []struct {
		op    event.Operation
		table string
		n     int
	}{
		{event.Insert, "orders", 2},
		{event.Update, "orders", 1},
		{event.Insert, "orders", 1},
		{event.Insert, "items", 1},
	}
	if len(gs) != len(want) {
		t.Fatalf("got %d groups, want %d", len(gs), len(want))
	}
	for i, w := range want {
		if gs[i].op != w.op || gs[i].table != w.table || len(gs[i].events) != w.n {
			t.Errorf("group %d = %s %s %d", i, gs[i].op, gs[i].table, len(gs[i].events))
		}
	}
}

func TestApply_DirectDispatch(t *testing.T) {
	d := &fakeDirect{}
	p := NewDirect(d, WithLogger(quietLogger()))

	err := p.Apply(context.Background(), []*event.Event{
		evt(event.Insert, "orders", 1),
		evt(event.Delete, "orders", 1),
		evt(event.Update, "items", 2),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []call{{"insert", "orders", 1}, {"delete", "orders", 1}, {"update", "items", 1}}
	if fmt.Sprint(d.calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", d.calls, want)
	}
}

func TestApply_FatalStopsProcessing(t *testing.T) {
	d := &fakeDirect{failOn: "insert", err: fmt.Errorf("%w: insert into shop.orders: connection reset", clickhouse.ErrFatal)}
	p := NewDirect(d, WithLogger(quietLogger()))

	err := p.Apply(context.Background(), []*event.Event{
		evt(event.Insert, "orders", 1),
		evt(event.Delete, "orders", 1),
	})
	if !errors.Is(err, clickhouse.ErrFatal) {
		t.Fatalf("expected ErrFatal, got %v", err)
	}
	if len(d.calls) != 1 {
		t.Errorf("expected processing to stop after the failed insert, got %v", d.calls)
	}
}

func TestApply_CountsSkippedEvents(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	p := NewDirect(&fakeDirect{}, WithMetrics(m), WithLogger(quietLogger()))

	skipped := evt(event.Insert, "orders", 2)
	skipped.Verified = false
	if err := p.Apply(context.Background(), []*event.Event{evt(event.Insert, "orders", 1), skipped}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := testutil.ToFloat64(m.EventsSkipped); got != 1 {
		t.Errorf("events_skipped_total = %v", got)
	}
}

func spooled(t *testing.T, stage sink.Stage, resolver naming.Resolver) (*Pipeline, string) {
	t.Helper()
	prefix := filepath.Join(t.TempDir(), "csvpool_")
	p, err := NewSpooled(Config{
		Destination:  resolver,
		Spool:        spool.Config{PathPrefix: prefix},
		Next:         stage,
		SpoolOptions: []spool.Option{spool.WithLogger(quietLogger())},
	}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new spooled pipeline: %v", err)
	}
	return p, prefix
}

func TestApply_SpoolPerTable(t *testing.T) {
	stage := &fakeStage{outcome: sink.Delivered}
	p, prefix := spooled(t, stage, naming.Resolver{Schema: "analytics", Prefix: "cdc_"})

	err := p.Apply(context.Background(), []*event.Event{
		evt(event.Insert, "orders", 1),
		evt(event.Insert, "items", 1),
		evt(event.Update, "orders", 1),
		evt(event.Delete, "orders", 1),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(stage.descriptors) != 2 {
		t.Fatalf("expected one file per table, got %d", len(stage.descriptors))
	}
	if stage.descriptors[0].Table != "cdc_orders" || stage.descriptors[1].Table != "cdc_items" {
		t.Errorf("tables = %s, %s", stage.descriptors[0].Table, stage.descriptors[1].Table)
	}
	if stage.descriptors[0].Schema != "analytics" {
		t.Errorf("schema = %s", stage.descriptors[0].Schema)
	}

	left, _ := spool.Pending(prefix)
	if len(left) != 0 {
		t.Errorf("delivered files should be removed, found %v", left)
	}
}

func TestApply_SpoolRetainsUndelivered(t *testing.T) {
	stage := &fakeStage{outcome: sink.Exhausted}
	p, prefix := spooled(t, stage, naming.Resolver{})

	if err := p.Apply(context.Background(), []*event.Event{evt(event.Insert, "orders", 1)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	left, _ := spool.Pending(prefix)
	if len(left) != 1 {
		t.Fatalf("expected the undelivered file to stay, found %v", left)
	}

	b, err := os.ReadFile(left[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"orders","shop"`) {
		t.Errorf("unexpected spool content:\n%s", b)
	}
}

func TestRecover(t *testing.T) {
	stage := &fakeStage{outcome: sink.Exhausted}
	p, prefix := spooled(t, stage, naming.Resolver{})

	if err := p.Apply(context.Background(), []*event.Event{evt(event.Insert, "orders", 1)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stage.outcome = sink.Delivered
	if err := p.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(stage.descriptors) != 2 || stage.descriptors[1].Table != "orders" {
		t.Errorf("descriptors = %+v", stage.descriptors)
	}
	if left, _ := spool.Pending(prefix); len(left) != 0 {
		t.Errorf("recovered file should be removed, found %v", left)
	}
}

func TestRecover_DirectModeIsNoop(t *testing.T) {
	if err := NewDirect(&fakeDirect{}).Recover(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRun_ReadsBatches(t *testing.T) {
	input := strings.Join([]string{
		`{"schema":"shop","table":"orders","op":"insert","verified":true,"rows":[{"id":1}]}`,
		`{"schema":"shop","table":"orders","op":"insert","verified":true,"rows":[{"id":2}]}`,
		`{"schema":"shop","table":"orders","op":"delete","verified":true,"rows":[{"id":1}]}`,
	}, "\n")

	d := &fakeDirect{}
	p := NewDirect(d, WithLogger(quietLogger()))
	if err := p.Run(context.Background(), event.NewReader(strings.NewReader(input)), 2); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []call{{"insert", "orders", 2}, {"delete", "orders", 1}}
	if fmt.Sprint(d.calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", d.calls, want)
	}
}

func TestRun_BadInput(t *testing.T) {
	p := NewDirect(&fakeDirect{}, WithLogger(quietLogger()))
	err := p.Run(context.Background(), event.NewReader(strings.NewReader("{not json")), 10)
	if err == nil {
		t.Fatal("expected error for malformed input")
	}
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewDirect(&fakeDirect{}, WithLogger(quietLogger()))
	if err := p.Run(ctx, event.NewReader(strings.NewReader("")), 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewSpooled_RejectsFixedPathWithNextStage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixed.csv")
	_, err := NewSpooled(Config{
		Spool: spool.Config{Path: path},
		Next:  &fakeStage{outcome: sink.Delivered},
	})
	if !errors.Is(err, ErrFixedSpoolPath) {
		t.Fatalf("expected ErrFixedSpoolPath, got %v", err)
	}
}

func TestApply_FixedPathCollectsLocally(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixed.csv")
	p, err := NewSpooled(Config{
		Spool:        spool.Config{Path: path},
		SpoolOptions: []spool.Option{spool.WithLogger(quietLogger())},
	}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new spooled pipeline: %v", err)
	}

	for id := 1; id <= 3; id++ {
		if err := p.Apply(context.Background(), []*event.Event{evt(event.Insert, "orders", id)}); err != nil {
			t.Fatalf("apply %d: %v", id, err)
		}
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("fixed path must never be removed: %v", err)
	}
	if lines := strings.Count(string(b), "\n"); lines != 4 {
		t.Errorf("expected header and 3 rows, got %d lines:\n%s", lines, b)
	}

	err = p.Apply(context.Background(), []*event.Event{
		evt(event.Insert, "orders", 4),
		evt(event.Insert, "items", 1),
	})
	if !errors.Is(err, ErrSharedSpoolPath) {
		t.Fatalf("expected ErrSharedSpoolPath, got %v", err)
	}
}

func TestRecover_WithoutPrefixLeavesFilesAlone(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	for _, name := range []string{"customers_export.csv", "fixed.csv"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("id,name\n1,ana\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	stage := &fakeStage{outcome: sink.Delivered}
	p, err := NewSpooled(Config{Next: stage}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new spooled pipeline: %v", err)
	}
	if err := p.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(stage.descriptors) != 0 {
		t.Errorf("nothing should be uploaded, got %+v", stage.descriptors)
	}
	for _, name := range []string{"customers_export.csv", "fixed.csv"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s should be left alone: %v", name, err)
		}
	}
}

func TestRecover_SkipsForeignFilesUnderPrefix(t *testing.T) {
	stage := &fakeStage{outcome: sink.Delivered}
	p, prefix := spooled(t, stage, naming.Resolver{})

	foreign := prefix + "export.csv"
	if err := os.WriteFile(foreign, []byte("id,name\n1,ana\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := p.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(stage.descriptors) != 0 {
		t.Errorf("foreign csv should not be uploaded, got %+v", stage.descriptors)
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Errorf("foreign csv should stay: %v", err)
	}
}

func TestRun_AppliesEventsBeforeBadLine(t *testing.T) {
	input := strings.Join([]string{
		`{"schema":"shop","table":"orders","op":"insert","verified":true,"rows":[{"id":1}]}`,
		`{"schema":"shop","table":"orders","op":"insert","verified":true,"rows":[{"id":2}]}`,
		`{not json`,
		`{"schema":"shop","table":"orders","op":"insert","verified":true,"rows":[{"id":3}]}`,
	}, "\n")

	d := &fakeDirect{}
	p := NewDirect(d, WithLogger(quietLogger()))
	err := p.Run(context.Background(), event.NewReader(strings.NewReader(input)), 10)
	if err == nil || !strings.Contains(err.Error(), "line 3") {
		t.Fatalf("expected a read error naming line 3, got %v", err)
	}
	want := []call{{"insert", "orders", 2}}
	if fmt.Sprint(d.calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", d.calls, want)
	}
}

func TestApply_SuffixPartsGetTableName(t *testing.T) {
	stage := &fakeStage{outcome: sink.Exhausted}
	prefix := filepath.Join(t.TempDir(), "pool_")
	p, err := NewSpooled(Config{
		Spool:        spool.Config{PathPrefix: prefix, SuffixParts: []string{"run1"}},
		Next:         stage,
		SpoolOptions: []spool.Option{spool.WithLogger(quietLogger())},
	}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new spooled pipeline: %v", err)
	}

	if err := p.Apply(context.Background(), []*event.Event{
		evt(event.Insert, "orders", 1),
		evt(event.Insert, "items", 1),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stage.descriptors[0].Path != prefix+"run1_orders.csv" || stage.descriptors[1].Path != prefix+"run1_items.csv" {
		t.Errorf("paths = %s, %s", stage.descriptors[0].Path, stage.descriptors[1].Path)
	}
}
