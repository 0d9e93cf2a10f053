package event

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// UnmarshalJSON decodes a JSON object keeping the key order of the input.
// Numbers are kept as json.Number so decimals survive unchanged.
func (f *Fields) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*f = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("row must be a JSON object, got %v", tok)
	}

	fields := Fields{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected key token %v", keyTok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("decode column %s: %w", key, err)
		}
		fields = append(fields, Field{Name: key, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*f = fields
	return nil
}

type wireUpdate struct {
	Before Fields `json:"before"`
	After  Fields `json:"after"`
}

type wireEvent struct {
	Schema     string       `json:"schema"`
	Table      string       `json:"table"`
	Op         string       `json:"op"`
	Verified   bool         `json:"verified"`
	LogPos     uint64       `json:"log_pos"`
	Timestamp  int64        `json:"timestamp"`
	PrimaryKey []string     `json:"primary_key"`
	Rows       []Fields     `json:"rows"`
	Updates    []wireUpdate `json:"updates"`
}

// Reader reads verified events from a JSON-lines stream.
type Reader struct {
	scanner *bufio.Scanner
	line    int
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &Reader{scanner: sc}
}

// Next returns the next event, or io.EOF when the stream is exhausted.
func (r *Reader) Next() (*Event, error) {
	for r.scanner.Scan() {
		r.line++
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		evt, err := Parse(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", r.line, err)
		}
		return evt, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return nil, io.EOF
}

// ReadBatch returns up to max events. It returns io.EOF only when no event was read.
func (r *Reader) ReadBatch(max int) ([]*Event, error) {
	var batch []*Event
	for len(batch) < max {
		evt, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return batch, err
		}
		batch = append(batch, evt)
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

// Parse decodes a single JSON encoded event.
func Parse(data []byte) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	op, err := ParseOperation(w.Op)
	if err != nil {
		return nil, err
	}
	evt := &Event{
		Schema:     w.Schema,
		Table:      w.Table,
		Op:         op,
		Rows:       w.Rows,
		PrimaryKey: w.PrimaryKey,
		LogPos:     w.LogPos,
		Timestamp:  w.Timestamp,
		Verified:   w.Verified,
	}
	for _, u := range w.Updates {
		evt.Updates = append(evt.Updates, UpdateRow{Before: u.Before, After: u.After})
	}
	return evt, nil
}
