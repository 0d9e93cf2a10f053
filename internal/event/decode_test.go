package event

import (
	"encoding/json"
	"io"
	"strings"
	"testing"
)

func TestParse_PreservesColumnOrder(t *testing.T) {
	evt, err := Parse([]byte(`{"schema":"shop","table":"orders","op":"insert","verified":true,
		"rows":[{"zeta":1,"alpha":"a","mid":null}]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(evt.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(evt.Rows))
	}
	want := []string{"zeta", "alpha", "mid"}
	for i, f := range evt.Rows[0] {
		if f.Name != want[i] {
			t.Errorf("column %d: got %s, want %s", i, f.Name, want[i])
		}
	}
	if v, _ := evt.Rows[0].Get("mid"); v != nil {
		t.Errorf("expected nil for mid, got %v", v)
	}
}

func TestParse_KeepsDecimalText(t *testing.T) {
	evt, err := Parse([]byte(`{"schema":"s","table":"t","op":"insert","verified":true,"rows":[{"price":12.3400}]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, _ := evt.Rows[0].Get("price")
	n, ok := v.(json.Number)
	if !ok {
		t.Fatalf("expected json.Number, got %T", v)
	}
	if n.String() != "12.3400" {
		t.Errorf("got %s, want 12.3400", n)
	}
}

func TestParse_Update(t *testing.T) {
	evt, err := Parse([]byte(`{"schema":"test","table":"animals","op":"update","verified":true,
		"primary_key":["id"],
		"updates":[{"before":{"id":1,"name":"oso"},"after":{"id":1,"name":"pajaro","pos":1}}]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Op != Update {
		t.Fatalf("expected update, got %s", evt.Op)
	}
	if evt.RowCount() != 1 {
		t.Fatalf("expected 1 row, got %d", evt.RowCount())
	}
	if !evt.IsPrimaryKey("id") || evt.IsPrimaryKey("name") {
		t.Error("primary key detection mismatch")
	}
	if len(evt.Updates[0].After) != 3 {
		t.Errorf("expected 3 after columns, got %d", len(evt.Updates[0].After))
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"bad json", `{`},
		{"unknown op", `{"op":"merge"}`},
		{"row not object", `{"op":"insert","rows":[[1,2]]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.input)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestReader_ReadBatch(t *testing.T) {
	input := strings.Join([]string{
		`{"schema":"s","table":"t","op":"insert","verified":true,"rows":[{"id":1}]}`,
		``,
		`{"schema":"s","table":"t","op":"delete","verified":true,"rows":[{"id":1}]}`,
		`{"schema":"s","table":"t","op":"insert","verified":false,"rows":[{"id":2}]}`,
	}, "\n")

	r := NewReader(strings.NewReader(input))
	batch, err := r.ReadBatch(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 events, got %d", len(batch))
	}
	if batch[1].Op != Delete {
		t.Errorf("expected delete, got %s", batch[1].Op)
	}

	batch, err = r.ReadBatch(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch) != 1 || batch[0].Verified {
		t.Fatalf("expected one unverified event, got %+v", batch)
	}

	if _, err := r.ReadBatch(2); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestReader_ReportsLine(t *testing.T) {
	r := NewReader(strings.NewReader("\n{\"op\":\"bogus\"}\n"))
	_, err := r.Next()
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("expected line 2 in error, got %v", err)
	}
}
