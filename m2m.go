package sqliter

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

// junctionFor resolves the junction table and the (owner-side,
// member-side) columns for a many-to-many edge, swapping sides when the
// accessor is the reverse one.
func junctionFor(e *Edge, reverse bool) (table, ownerCol, memberCol string) {
	table = e.JunctionTable()
	ownerCol, memberCol = e.junctionColumns()
	if reverse {
		ownerCol, memberCol = memberCol, ownerCol
	}
	return table, ownerCol, memberCol
}

// canonicalPair orders a symmetric pair so one junction row serves both
// directions. Numeric identifiers order numerically, anything else by
// text.
func canonicalPair(a, b any) (any, any) {
	na, errA := cast.ToInt64E(a)
	nb, errB := cast.ToInt64E(b)
	if errA == nil && errB == nil {
		if na <= nb {
			return a, b
		}
		return b, a
	}
	if cast.ToString(a) <= cast.ToString(b) {
		return a, b
	}
	return b, a
}

// m2mAdd links members to an owner. Existing links are skipped via
// INSERT OR IGNORE, so adds are idempotent.
func m2mAdd(ctx context.Context, s *Session, e *Edge, reverse bool, ownerPK any, pks []any) error {
	if len(pks) == 0 {
		return nil
	}
	j, oc, mc := junctionFor(e, reverse)

	var sb strings.Builder
	sb.WriteString("INSERT OR IGNORE INTO ")
	sb.WriteString(j)
	sb.WriteString(" (")
	sb.WriteString(oc)
	sb.WriteString(", ")
	sb.WriteString(mc)
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(pks)*2)
	for i, pk := range pks {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?)")
		a, b := ownerPK, pk
		if e.Symmetric {
			a, b = canonicalPair(a, b)
		}
		args = append(args, a, b)
	}

	_, err := s.exec(ctx, "INSERT", sb.String(), args, j)
	return err
}

// m2mRemove unlinks members from an owner. Pairs that were never
// linked are ignored. Symmetric edges match the pair in either column
// order.
func m2mRemove(ctx context.Context, s *Session, e *Edge, reverse bool, ownerPK any, pks []any) error {
	if len(pks) == 0 {
		return nil
	}
	j, oc, mc := junctionFor(e, reverse)
	ph := placeholders(len(pks))

	var stmt string
	var args []any
	if e.Symmetric {
		stmt = fmt.Sprintf("DELETE FROM %s WHERE (%s = ? AND %s IN (%s)) OR (%s = ? AND %s IN (%s))",
			j, oc, mc, ph, mc, oc, ph)
		args = append(args, ownerPK)
		args = append(args, pks...)
		args = append(args, ownerPK)
		args = append(args, pks...)
	} else {
		stmt = fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s IN (%s)", j, oc, mc, ph)
		args = append(args, ownerPK)
		args = append(args, pks...)
	}

	_, err := s.exec(ctx, "DELETE", stmt, args, j)
	return err
}

// m2mClear unlinks every member of an owner.
func m2mClear(ctx context.Context, s *Session, e *Edge, reverse bool, ownerPK any) error {
	j, oc, mc := junctionFor(e, reverse)

	var stmt string
	var args []any
	if e.Symmetric {
		stmt = fmt.Sprintf("DELETE FROM %s WHERE %s = ? OR %s = ?", j, oc, mc)
		args = []any{ownerPK, ownerPK}
	} else {
		stmt = fmt.Sprintf("DELETE FROM %s WHERE %s = ?", j, oc)
		args = []any{ownerPK}
	}

	_, err := s.exec(ctx, "DELETE", stmt, args, j)
	return err
}

// m2mSet replaces the membership in one transaction: clear, then add.
func m2mSet(ctx context.Context, s *Session, e *Edge, reverse bool, ownerPK any, pks []any) error {
	return s.Transaction(ctx, func(tx *Session) error {
		if err := m2mClear(ctx, tx, e, reverse, ownerPK); err != nil {
			return err
		}
		return m2mAdd(ctx, tx, e, reverse, ownerPK, pks)
	})
}

// JunctionDDL emits the CREATE TABLE (and supporting indexes) for a
// many-to-many edge's junction table: one column per side, a composite
// uniqueness constraint, and cascading foreign keys so row deletion
// cleans its links up.
func JunctionDDL(e *Edge, reg *Registry) (string, error) {
	if e.Kind != ManyToMany {
		return "", &ConfigError{
			Model: e.Table,
			Field: e.Field,
			Err:   fmt.Errorf("%w: junction DDL needs a many-to-many edge", ErrInvalidConfig),
		}
	}

	j, oc, mc := junctionFor(e, false)
	ownerPK, memberPK := "id", "id"
	if reg != nil {
		if mi := reg.Resolve(e.Table); mi != nil {
			ownerPK = mi.PrimaryKey
		}
		if mi := reg.Resolve(e.Target); mi != nil {
			memberPK = mi.PrimaryKey
		}
	}

	onDelete := e.OnDelete
	if onDelete == "" {
		onDelete = Cascade
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE IF NOT EXISTS %s (\n", j)
	fmt.Fprintf(&sb, "\t%s INTEGER NOT NULL REFERENCES %s(%s) ON DELETE %s,\n", oc, e.Table, ownerPK, onDelete)
	fmt.Fprintf(&sb, "\t%s INTEGER NOT NULL REFERENCES %s(%s) ON DELETE %s,\n", mc, e.Target, memberPK, onDelete)
	fmt.Fprintf(&sb, "\tUNIQUE (%s, %s)\n);\n", oc, mc)
	fmt.Fprintf(&sb, "CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s);\n", j, oc, j, oc)
	fmt.Fprintf(&sb, "CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s);\n", j, mc, j, mc)
	return sb.String(), nil
}
