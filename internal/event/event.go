// Package event defines the verified row mutation events handed to the sinks.
package event

import (
	"fmt"
	"strings"
)

// Operation is the kind of row mutation an event carries.
type Operation int

const (
	Insert Operation = iota
	Update
	Delete
)

func (o Operation) String() string {
	switch o {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// ParseOperation parses the textual operation names used in the JSON input.
func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "insert", "create", "write":
		return Insert, nil
	case "update":
		return Update, nil
	case "delete":
		return Delete, nil
	default:
		return 0, fmt.Errorf("unknown operation %q", s)
	}
}

// Field is one column of a source row.
type Field struct {
	Name  string
	Value any
}

// Fields is a source row in column order.
type Fields []Field

// Get returns the value of the named field.
func (f Fields) Get(name string) (any, bool) {
	for _, fd := range f {
		if fd.Name == name {
			return fd.Value, true
		}
	}
	return nil, false
}

// UpdateRow carries the before and after images of one updated source row.
type UpdateRow struct {
	Before Fields
	After  Fields
}

// Event is a row mutation that has been through upstream verification.
type Event struct {
	Schema     string
	Table      string
	Op         Operation
	Rows       []Fields    // insert and delete
	Updates    []UpdateRow // update
	PrimaryKey []string
	LogPos     uint64
	Timestamp  int64
	Verified   bool
}

// RowCount returns the number of row tuples the event expands to.
func (e *Event) RowCount() int {
	if e.Op == Update {
		return len(e.Updates)
	}
	return len(e.Rows)
}

// IsPrimaryKey reports whether column is part of the event's primary key.
func (e *Event) IsPrimaryKey(column string) bool {
	for _, pk := range e.PrimaryKey {
		if pk == column {
			return true
		}
	}
	return false
}

// Meta returns a short description used in log lines.
func (e *Event) Meta() string {
	return fmt.Sprintf("%s.%s %s rows=%d log_pos=%d", e.Schema, e.Table, e.Op, e.RowCount(), e.LogPos)
}
