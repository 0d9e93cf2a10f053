package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/lsm/cdcsink/internal/event"
	"github.com/lsm/cdcsink/internal/naming"
	"github.com/lsm/cdcsink/internal/observability"
	"github.com/lsm/cdcsink/internal/row"
)

type execCall struct {
	query string
	args  []any
}

type fakeExec struct {
	calls  []execCall
	failOn func(query string) error
}

func (f *fakeExec) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.calls = append(f.calls, execCall{query: query, args: args})
	if f.failOn != nil {
		if err := f.failOn(query); err != nil {
			return nil, err
		}
	}
	return driverResult(0), nil
}

type driverResult int64

func (r driverResult) LastInsertId() (int64, error) { return 0, nil }
func (r driverResult) RowsAffected() (int64, error) { return int64(r), nil }

func newTestWriter(t *testing.T, cfg Config, exec Executor) (*Writer, *observability.Metrics) {
	t.Helper()
	m := observability.NewMetrics(prometheus.NewRegistry())
	w, err := NewWriter(cfg, exec,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(m),
	)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	return w, m
}

func TestNewWriter_RequiresExecutor(t *testing.T) {
	if _, err := NewWriter(Config{}, nil); err == nil {
		t.Fatal("expected error without executor")
	}
}

func TestInsert_MultiRow(t *testing.T) {
	exec := &fakeExec{}
	w, m := newTestWriter(t, Config{}, exec)

	events := []*event.Event{
		{Schema: "shop", Table: "orders", Op: event.Insert, Verified: true, Rows: []event.Fields{
			{{Name: "id", Value: 1}, {Name: "price", Value: decimal.RequireFromString("10.50")}},
			{{Name: "id", Value: 2}, {Name: "price", Value: nil}},
		}},
		{Schema: "shop", Table: "orders", Op: event.Insert, Verified: false, Rows: []event.Fields{
			{{Name: "id", Value: 3}, {Name: "price", Value: 1}},
		}},
	}
	if err := w.Insert(context.Background(), events); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(exec.calls) != 1 {
		t.Fatalf("expected 1 statement, got %d", len(exec.calls))
	}
	want := "INSERT INTO `shop`.`orders` (`id`, `price`) VALUES (?, ?), (?, ?)"
	if exec.calls[0].query != want {
		t.Errorf("query = %q\nwant    %q", exec.calls[0].query, want)
	}
	args := exec.calls[0].args
	if len(args) != 4 || args[0] != int64(1) || args[1] != "10.5" || args[2] != int64(2) || args[3] != nil {
		t.Errorf("args = %#v", args)
	}
	if got := testutil.ToFloat64(m.RowsTotal.WithLabelValues("direct", "insert")); got != 2 {
		t.Errorf("rows_total = %v, want 2", got)
	}
}

func TestInsert_EmptyBatchWritesNothing(t *testing.T) {
	exec := &fakeExec{}
	w, _ := newTestWriter(t, Config{}, exec)

	events := []*event.Event{{Schema: "s", Table: "t", Verified: false, Rows: []event.Fields{{{Name: "id", Value: 1}}}}}
	if err := w.Insert(context.Background(), events); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := w.Insert(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exec.calls) != 0 {
		t.Errorf("expected no statements, got %d", len(exec.calls))
	}
}

func TestInsert_FailureIsFatal(t *testing.T) {
	exec := &fakeExec{failOn: func(string) error { return errors.New("connection reset") }}
	w, m := newTestWriter(t, Config{}, exec)

	events := []*event.Event{{Schema: "s", Table: "t", Verified: true, Rows: []event.Fields{{{Name: "id", Value: 1}}}}}
	err := w.Insert(context.Background(), events)
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("expected ErrFatal, got %v", err)
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("expected cause in error, got %v", err)
	}
	if got := testutil.ToFloat64(m.StatementErrors.WithLabelValues("insert")); got != 1 {
		t.Errorf("statement_errors = %v, want 1", got)
	}
}

func TestInsert_Destination(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"distributed", Config{Destination: naming.Resolver{Schema: "d", Table: "x", Distribute: true}}, "`s_all`.`t_all`"},
		{"schema override with prefix", Config{Destination: naming.Resolver{Schema: "d", Prefix: "mig_"}}, "`d`.`mig_t`"},
		{"no overrides", Config{}, "`s`.`t`"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExec{}
			w, _ := newTestWriter(t, tt.cfg, exec)
			events := []*event.Event{{Schema: "s", Table: "t", Verified: true, Rows: []event.Fields{{{Name: "id", Value: 1}}}}}
			if err := w.Insert(context.Background(), events); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.HasPrefix(exec.calls[0].query, "INSERT INTO "+tt.want+" ") {
				t.Errorf("query = %q, want target %s", exec.calls[0].query, tt.want)
			}
		})
	}
}

func TestDelete_PredicatesAlignWithColumns(t *testing.T) {
	exec := &fakeExec{}
	w, _ := newTestWriter(t, Config{}, exec)

	events := []*event.Event{{
		Schema: "test", Table: "animals", Op: event.Delete, Verified: true,
		Rows: []event.Fields{
			{{Name: "name", Value: "o'so"}, {Name: "id", Value: 7}, {Name: "gone", Value: nil}},
			{{Name: "name", Value: "gato"}, {Name: "id", Value: 8}, {Name: "gone", Value: true}},
		},
	}}
	if err := w.Delete(context.Background(), events); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{
		"ALTER TABLE `test`.`animals` DELETE WHERE `name` = 'o\\'so' AND `id` = 7 AND `gone` IS NULL",
		"ALTER TABLE `test`.`animals` DELETE WHERE `name` = 'gato' AND `id` = 8 AND `gone` = true",
	}
	if len(exec.calls) != len(want) {
		t.Fatalf("expected %d statements, got %d", len(want), len(exec.calls))
	}
	for i := range want {
		if exec.calls[i].query != want[i] {
			t.Errorf("statement %d = %q\nwant          %q", i, exec.calls[i].query, want[i])
		}
	}
}

func TestDelete_UsesPrimaryKey(t *testing.T) {
	exec := &fakeExec{}
	w, _ := newTestWriter(t, Config{}, exec)

	events := []*event.Event{{
		Schema: "s", Table: "t", Op: event.Delete, Verified: true, PrimaryKey: []string{"id"},
		Rows: []event.Fields{{{Name: "name", Value: "x"}, {Name: "id", Value: 7}}},
	}}
	if err := w.Delete(context.Background(), events); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "ALTER TABLE `s`.`t` DELETE WHERE `id` = 7"; exec.calls[0].query != want {
		t.Errorf("query = %q, want %q", exec.calls[0].query, want)
	}
}

func TestDelete_FailureIsFatal(t *testing.T) {
	exec := &fakeExec{failOn: func(string) error { return errors.New("boom") }}
	w, _ := newTestWriter(t, Config{}, exec)

	events := []*event.Event{{Schema: "s", Table: "t", Verified: true, Rows: []event.Fields{{{Name: "id", Value: 1}}, {{Name: "id", Value: 2}}}}}
	if err := w.Delete(context.Background(), events); !errors.Is(err, ErrFatal) {
		t.Fatalf("expected ErrFatal, got %v", err)
	}
	if len(exec.calls) != 1 {
		t.Errorf("expected delete to stop after first failure, got %d calls", len(exec.calls))
	}
}

func TestUpdate_Statement(t *testing.T) {
	exec := &fakeExec{}
	w, _ := newTestWriter(t, Config{}, exec)

	events := []*event.Event{{
		Schema: "test", Table: "animals", Op: event.Update, Verified: true, PrimaryKey: []string{"id"},
		Updates: []event.UpdateRow{{
			Before: event.Fields{{Name: "id", Value: 1}, {Name: "name", Value: "oso"}},
			After:  event.Fields{{Name: "id", Value: 1}, {Name: "name", Value: "pajaro"}, {Name: "pos", Value: 1}},
		}},
	}}
	if err := w.Update(context.Background(), events); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "ALTER TABLE `test`.`animals` UPDATE `name` = 'pajaro', `pos` = 1 WHERE `id` = 1 AND `name` = 'oso'"
	if len(exec.calls) != 1 || exec.calls[0].query != want {
		t.Fatalf("calls = %+v\nwant %q", exec.calls, want)
	}
	setClause := strings.SplitN(strings.SplitN(exec.calls[0].query, " UPDATE ", 2)[1], " WHERE ", 2)[0]
	if strings.Contains(setClause, "`id`") {
		t.Errorf("SET clause must not assign the primary key: %s", setClause)
	}
}

func TestUpdate_FailureIsRecoverable(t *testing.T) {
	exec := &fakeExec{failOn: func(q string) error {
		if strings.Contains(q, "'first'") {
			return errors.New("mutation rejected")
		}
		return nil
	}}
	w, m := newTestWriter(t, Config{}, exec)

	events := []*event.Event{{
		Schema: "s", Table: "t", Op: event.Update, Verified: true, PrimaryKey: []string{"id"},
		Updates: []event.UpdateRow{
			{Before: event.Fields{{Name: "id", Value: 1}}, After: event.Fields{{Name: "id", Value: 1}, {Name: "v", Value: "first"}}},
			{Before: event.Fields{{Name: "id", Value: 2}}, After: event.Fields{{Name: "id", Value: 2}, {Name: "v", Value: "second"}}},
		},
	}}
	if err := w.Update(context.Background(), events); err != nil {
		t.Fatalf("update failures must not propagate, got %v", err)
	}
	if len(exec.calls) != 2 {
		t.Errorf("expected both statements attempted, got %d", len(exec.calls))
	}
	if got := testutil.ToFloat64(m.StatementErrors.WithLabelValues("update")); got != 1 {
		t.Errorf("statement_errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RowsTotal.WithLabelValues("direct", "update")); got != 1 {
		t.Errorf("rows_total = %v, want 1", got)
	}
}

func TestUpdate_SkipsKeyOnlyChange(t *testing.T) {
	exec := &fakeExec{}
	w, _ := newTestWriter(t, Config{}, exec)

	events := []*event.Event{{
		Schema: "s", Table: "t", Op: event.Update, Verified: true, PrimaryKey: []string{"id"},
		Updates: []event.UpdateRow{{Before: event.Fields{{Name: "id", Value: 1}}, After: event.Fields{{Name: "id", Value: 2}}}},
	}}
	if err := w.Update(context.Background(), events); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exec.calls) != 0 {
		t.Errorf("expected no statement, got %+v", exec.calls)
	}
}

func TestLiteral(t *testing.T) {
	tests := []struct {
		in   row.Value
		want string
	}{
		{row.Null(), "NULL"},
		{row.Text("plain"), "'plain'"},
		{row.Text(`it's a \ test`), `'it\'s a \\ test'`},
		{row.Int(-3), "-3"},
		{row.Uint(18446744073709551615), "18446744073709551615"},
		{row.Float(1.25), "1.25"},
		{row.Bool(false), "false"},
		{row.Text("12.30"), "'12.30'"},
	}
	for _, tt := range tests {
		if got := Literal(tt.in); got != tt.want {
			t.Errorf("Literal(%+v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestQuote(t *testing.T) {
	if got := Quote("we`ird"); got != "`we``ird`" {
		t.Errorf("Quote = %s", got)
	}
}
