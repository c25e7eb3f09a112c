package sqliter

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/table"
)

// Schematic renders a human-readable dump of the registered models,
// their columns and the relationship edges between them, pending
// forward references included.
func (r *Registry) Schematic() string {
	var sb strings.Builder

	for _, t := range r.Tables() {
		info := r.Resolve(t)
		fmt.Fprintf(&sb, "table: %s (model %s)\n", t, info.Type.Name())

		w := table.NewWriter()
		w.AppendHeader(table.Row{"Column", "Go Field", "Type", "Primary Key"})
		for _, col := range info.ColumnList {
			fi := info.Columns[col]
			w.AppendRow(table.Row{fi.Column, fi.Name, fi.FieldType.String(), fi.IsPrimary})
		}
		sb.WriteString(w.Render())
		sb.WriteByte('\n')

		for _, e := range r.EdgesFor(t) {
			sb.WriteString(describeEdge(e))
			if r.Resolve(e.Target) == nil {
				fmt.Fprintf(&sb, " [pending, waits for %q]", e.Target)
			}
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}

	return sb.String()
}

func describeEdge(e *Edge) string {
	switch e.Kind {
	case OneToOne:
		return fmt.Sprintf("%s 1-1 %s via %s (reverse %q)", e.Table, e.Target, e.FKColumn(), e.reverseName())
	case OneToMany:
		return fmt.Sprintf("%s N-1 %s via %s (reverse %q)", e.Table, e.Target, e.FKColumn(), e.reverseName())
	default:
		if e.Symmetric {
			return fmt.Sprintf("%s N-N %s through %s (symmetric)", e.Table, e.Target, e.JunctionTable())
		}
		return fmt.Sprintf("%s N-N %s through %s (reverse %q)", e.Table, e.Target, e.JunctionTable(), e.reverseName())
	}
}
