package sqlbase

import (
	"strconv"
	"strings"
)

// Dialect captures what differs between the SQL backends.
type Dialect struct {
	Name string

	// NumberedPlaceholders rewrites ? placeholders to $1, $2, ...
	NumberedPlaceholders bool

	// MigrationsTable creates the schema_migrations bookkeeping table.
	MigrationsTable string

	// Migrations maps schema versions to the DDL that produces them.
	Migrations map[int]string
}

// Rebind rewrites a query written with ? placeholders into the dialect's
// placeholder style. Queries must not contain literal question marks.
func (d Dialect) Rebind(query string) string {
	if !d.NumberedPlaceholders {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
