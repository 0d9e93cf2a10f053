package spool

import (
	"bufio"
	"strings"

	"github.com/lsm/cdcsink/internal/row"
)

// csvWriter writes records with every non-numeric field quoted. Null fields
// are left empty and unquoted.
type csvWriter struct {
	w *bufio.Writer
}

func (c *csvWriter) header(columns []string) error {
	for i, name := range columns {
		if i > 0 {
			if err := c.w.WriteByte(','); err != nil {
				return err
			}
		}
		if err := c.quoted(name); err != nil {
			return err
		}
	}
	return c.w.WriteByte('\n')
}

func (c *csvWriter) record(r row.Row) error {
	for i, col := range r {
		if i > 0 {
			if err := c.w.WriteByte(','); err != nil {
				return err
			}
		}
		if err := c.field(col.Value); err != nil {
			return err
		}
	}
	return c.w.WriteByte('\n')
}

func (c *csvWriter) field(v row.Value) error {
	switch {
	case v.IsNull():
		return nil
	case v.IsNumeric():
		_, err := c.w.WriteString(v.String())
		return err
	default:
		return c.quoted(v.String())
	}
}

func (c *csvWriter) quoted(s string) error {
	if err := c.w.WriteByte('"'); err != nil {
		return err
	}
	if _, err := c.w.WriteString(strings.ReplaceAll(s, `"`, `""`)); err != nil {
		return err
	}
	return c.w.WriteByte('"')
}
