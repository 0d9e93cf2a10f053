// Package naming resolves the destination schema and table for a source table.
package naming

// DistributedSuffix is appended to both names when fan-out to distributed tables is requested.
const DistributedSuffix = "_all"

// Destination is a resolved destination table.
type Destination struct {
	Schema      string
	Table       string
	Distributed bool
}

// Resolver holds the destination overrides shared by all writers.
type Resolver struct {
	Schema     string `yaml:"schema"`
	Table      string `yaml:"table"`
	Prefix     string `yaml:"prefix"`
	Distribute bool   `yaml:"distribute"`
}

// Resolve picks the destination for srcSchema.srcTable. When distribution is
// enabled the distributed variant of the source names wins over any override.
// Otherwise an explicit override beats the prefixed name, which beats the source name.
func (r Resolver) Resolve(srcSchema, srcTable string) Destination {
	if r.Distribute {
		return Destination{
			Schema:      DistributedSchema(srcSchema),
			Table:       DistributedTable(srcTable),
			Distributed: true,
		}
	}

	d := Destination{Schema: srcSchema, Table: srcTable}
	if r.Table != "" {
		d.Table = r.Table
	}
	if r.Schema != "" {
		d.Schema = r.Schema
		d.Table = PrefixedTable(r.Prefix, d.Table)
	}
	return d
}

// DistributedSchema returns the schema holding distributed tables.
func DistributedSchema(schema string) string { return schema + DistributedSuffix }

// DistributedTable returns the distributed variant of a table name.
func DistributedTable(table string) string { return table + DistributedSuffix }

// PrefixedTable returns the migrated name of table under a destination schema.
func PrefixedTable(prefix, table string) string { return prefix + table }
