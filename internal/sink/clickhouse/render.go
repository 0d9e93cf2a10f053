package clickhouse

import (
	"strings"

	"github.com/lsm/cdcsink/internal/row"
)

var textEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// Quote returns a backtick-quoted identifier.
func Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

// Literal renders v as a SQL literal: text quoted and escaped, numbers bare.
func Literal(v row.Value) string {
	switch v.Kind {
	case row.KindNull:
		return "NULL"
	case row.KindText:
		return "'" + textEscaper.Replace(v.Text) + "'"
	default:
		return v.String()
	}
}

// assignment renders `col` = value for a SET list.
func assignment(c row.Column) string {
	return Quote(c.Name) + " = " + Literal(c.Value)
}

// predicate renders an equality test, switching to IS NULL for null values.
func predicate(c row.Column) string {
	if c.Value.IsNull() {
		return Quote(c.Name) + " IS NULL"
	}
	return Quote(c.Name) + " = " + Literal(c.Value)
}

func table(schema, name string) string {
	return Quote(schema) + "." + Quote(name)
}
