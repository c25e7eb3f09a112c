package sqliter

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/iancoleman/strcase"
	"github.com/spf13/cast"
)

// prefetchNode is one resolved hop of a prefetch plan. Paths sharing a
// prefix share the node, so "books" and "books__tags" load the books
// level once.
type prefetchNode struct {
	seg     string
	edge    *Edge
	reverse bool       // accessor is on the edge's target side
	child   *ModelInfo // model of the related side
	subs    map[string]*prefetchNode
}

// accessorName is the struct field the loaded batch attaches to on the
// parent model.
func (n *prefetchNode) accessorName() string {
	if n.reverse {
		return strcase.ToCamel(n.edge.reverseName())
	}
	return n.edge.Field
}

// buildPrefetchPlan validates dunder paths against the registry and
// folds them into a tree of levels. Only reverse and many-to-many
// segments are legal; forward hops belong to SelectRelated. Returns the
// plan and every table a run will read, junctions included.
func buildPrefetchPlan(reg *Registry, root *ModelInfo, paths []string) (map[string]*prefetchNode, []string, error) {
	if len(paths) == 0 {
		return nil, nil, nil
	}
	if reg == nil {
		return nil, nil, ErrNoSession
	}

	plan := make(map[string]*prefetchNode)
	var deps []string

	for _, path := range paths {
		cur := plan
		curModel := root
		for _, seg := range strings.Split(path, "__") {
			if seg == "" {
				return nil, nil, &PathError{Path: path, Segment: seg, Err: ErrInvalidPath}
			}

			node, ok := cur[seg]
			if !ok {
				edge, reverse, err := resolvePrefetchSegment(reg, curModel, seg, path)
				if err != nil {
					return nil, nil, err
				}
				childTable := edge.Target
				if reverse {
					childTable = edge.Table
				}
				child := reg.Resolve(childTable)
				if child == nil {
					return nil, nil, &PathError{
						Path:    path,
						Segment: seg,
						Err: fmt.Errorf("%w: relation %q targets unregistered table %q",
							ErrInvalidPath, seg, childTable),
					}
				}
				node = &prefetchNode{
					seg:     seg,
					edge:    edge,
					reverse: reverse,
					child:   child,
					subs:    make(map[string]*prefetchNode),
				}
				if acc := curModel.Accessors[node.accessorName()]; acc == nil || !acc.IsSet {
					return nil, nil, &PathError{
						Path:    path,
						Segment: seg,
						Err: fmt.Errorf("%w: model %s has no RelSet accessor %q",
							ErrInvalidPath, curModel.Type.Name(), node.accessorName()),
					}
				}
				cur[seg] = node
				deps = append(deps, childTable)
				if edge.Kind == ManyToMany {
					deps = append(deps, edge.JunctionTable())
				}
			}
			cur = node.subs
			curModel = node.child
		}
	}

	return plan, uniqueSorted(deps), nil
}

func resolvePrefetchSegment(reg *Registry, model *ModelInfo, seg, path string) (*Edge, bool, error) {
	if e := reg.reverseEdgeFor(model.TableName, seg); e != nil {
		return e, true, nil
	}
	if e := reg.edgeFor(model.TableName, seg); e != nil {
		if e.Kind == ManyToMany {
			return e, false, nil
		}
		return nil, false, &PathError{
			Path:    path,
			Segment: seg,
			Err: fmt.Errorf("%w: %q is a forward relation, use SelectRelated",
				ErrInvalidPath, seg),
		}
	}
	return nil, false, &PathError{
		Path:    path,
		Segment: seg,
		Err:     fmt.Errorf("%w: no relation %q on table %q", ErrInvalidPath, seg, model.TableName),
	}
}

// runPrefetch loads every level of the plan breadth-first: one batch
// query per level (plus the junction read for many-to-many hops),
// attaching results onto the parents' RelSet accessors. Parents with no
// members get an empty view attached so later reads stay query-free.
func runPrefetch(ctx context.Context, s *Session, info *ModelInfo, parents []any, plan map[string]*prefetchNode) error {
	if len(parents) == 0 || len(plan) == 0 {
		return nil
	}

	segs := make([]string, 0, len(plan))
	for seg := range plan {
		segs = append(segs, seg)
	}
	sort.Strings(segs)

	for _, seg := range segs {
		node := plan[seg]
		children, err := prefetchLevel(ctx, s, info, parents, node)
		if err != nil {
			return err
		}
		if len(node.subs) > 0 {
			if err := runPrefetch(ctx, s, node.child, children, node.subs); err != nil {
				return err
			}
		}
	}
	return nil
}

func prefetchLevel(ctx context.Context, s *Session, info *ModelInfo, parents []any, node *prefetchNode) ([]any, error) {
	pks, byKey := parentKeys(info, parents)
	if len(pks) == 0 {
		return nil, nil
	}

	if node.edge.Kind == ManyToMany {
		return prefetchM2M(ctx, s, info, parents, byKey, pks, node)
	}
	return prefetchReverseFK(ctx, s, info, parents, byKey, pks, node)
}

// parentKeys collects the distinct primary keys of a parent batch and
// an index from key text to the parents carrying it.
func parentKeys(info *ModelInfo, parents []any) ([]any, map[string][]any) {
	var pks []any
	byKey := make(map[string][]any)
	for _, p := range parents {
		pk := normalizeID(info.pkValue(reflect.ValueOf(p)))
		if pk == nil {
			continue
		}
		key := cast.ToString(pk)
		if _, seen := byKey[key]; !seen {
			pks = append(pks, pk)
		}
		byKey[key] = append(byKey[key], p)
	}
	return pks, byKey
}

// prefetchReverseFK loads the owning rows of a foreign key in one
// IN query and groups them back onto their targets.
func prefetchReverseFK(ctx context.Context, s *Session, info *ModelInfo, parents []any, byKey map[string][]any, pks []any, node *prefetchNode) ([]any, error) {
	child := node.child
	fkCol := node.edge.FKColumn()
	if _, ok := child.Columns[fkCol]; !ok {
		return nil, WrapRelationError(node.seg, child.Type.Name(),
			fmt.Errorf("%w: table %q has no column %q", ErrInvalidConfig, child.TableName, fkCol))
	}

	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
		joinColumns(child), child.TableName, fkCol, placeholders(len(pks)))

	rows, err := s.query(ctx, stmt, pks)
	if err != nil {
		return nil, err
	}
	children, err := scanDynamic(s, child, rows, stmt, pks)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]any)
	fkIdx := child.Columns[fkCol].Index
	for _, c := range children {
		fk := normalizeID(reflect.ValueOf(c).Elem().FieldByIndex(fkIdx).Interface())
		if fk == nil {
			continue
		}
		key := cast.ToString(fk)
		groups[key] = append(groups[key], c)
	}

	attachGroups(info, parents, byKey, groups, node)
	return children, nil
}

// prefetchM2M loads a many-to-many level: one junction read for the
// pair rows, one IN query for the member rows.
func prefetchM2M(ctx context.Context, s *Session, info *ModelInfo, parents []any, byKey map[string][]any, pks []any, node *prefetchNode) ([]any, error) {
	j, oc, mc := junctionFor(node.edge, node.reverse)

	var stmt string
	var args []any
	if node.edge.Symmetric {
		ph := placeholders(len(pks))
		stmt = fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IN (%s) OR %s IN (%s)",
			oc, mc, j, oc, ph, mc, ph)
		args = append(args, pks...)
		args = append(args, pks...)
	} else {
		stmt = fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IN (%s)",
			oc, mc, j, oc, placeholders(len(pks)))
		args = pks
	}

	rows, err := s.query(ctx, stmt, args)
	if err != nil {
		return nil, err
	}
	type pair struct{ owner, member string }
	var pairs []pair
	memberSeen := make(map[string]bool)
	var memberIDs []any
	func() {
		defer rows.Close()
		for rows.Next() {
			var a, b any
			if scanErr := rows.Scan(&a, &b); scanErr != nil {
				err = WrapQueryError("SELECT", stmt, args, scanErr)
				return
			}
			ka, kb := cast.ToString(a), cast.ToString(b)
			if _, ok := byKey[ka]; ok {
				pairs = append(pairs, pair{owner: ka, member: kb})
				if !memberSeen[kb] {
					memberSeen[kb] = true
					memberIDs = append(memberIDs, b)
				}
			}
			// Symmetric rows serve both directions.
			if node.edge.Symmetric && ka != kb {
				if _, ok := byKey[kb]; ok {
					pairs = append(pairs, pair{owner: kb, member: ka})
					if !memberSeen[ka] {
						memberSeen[ka] = true
						memberIDs = append(memberIDs, a)
					}
				}
			}
		}
		if rowsErr := rows.Err(); rowsErr != nil && err == nil {
			err = WrapQueryError("SELECT", stmt, args, rowsErr)
		}
	}()
	if err != nil {
		return nil, err
	}

	child := node.child
	members := make(map[string]any)
	var children []any
	if len(memberIDs) > 0 {
		mstmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
			joinColumns(child), child.TableName, child.PrimaryKey, placeholders(len(memberIDs)))
		mrows, err := s.query(ctx, mstmt, memberIDs)
		if err != nil {
			return nil, err
		}
		children, err = scanDynamic(s, child, mrows, mstmt, memberIDs)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			pk := normalizeID(child.pkValue(reflect.ValueOf(c)))
			members[cast.ToString(pk)] = c
		}
	}

	groups := make(map[string][]any)
	for _, p := range pairs {
		if m, ok := members[p.member]; ok {
			groups[p.owner] = append(groups[p.owner], m)
		}
	}

	attachGroups(info, parents, byKey, groups, node)
	return children, nil
}

// attachGroups hands each parent its member batch, empty included.
func attachGroups(info *ModelInfo, parents []any, byKey map[string][]any, groups map[string][]any, node *prefetchNode) {
	acc := info.Accessors[node.accessorName()]
	if acc == nil || !acc.IsSet {
		return
	}
	for _, p := range parents {
		pk := normalizeID(info.pkValue(reflect.ValueOf(p)))
		if pk == nil {
			continue
		}
		items := groups[cast.ToString(pk)]
		f := reflect.ValueOf(p).Elem().FieldByIndex(acc.Index)
		if f.IsNil() {
			f.Set(reflect.New(acc.FieldType.Elem()))
		}
		if sb, ok := f.Interface().(setBinder); ok {
			sb.attachPrefetch(items)
		}
	}
}

// scanDynamic materializes rows into instances of an arbitrary model,
// binding their accessors to the session. The statement must select
// exactly the model's ColumnList, in order.
func scanDynamic(s *Session, info *ModelInfo, rows *sql.Rows, stmt string, args []any) ([]any, error) {
	defer rows.Close()

	cols := info.ColumnList
	var out []any
	for rows.Next() {
		slots := make([]any, len(cols))
		dests := make([]any, len(cols))
		for i := range slots {
			dests[i] = &slots[i]
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, WrapQueryError("SELECT", stmt, args, err)
		}

		data := make(map[string]any, len(cols))
		for i, c := range cols {
			data[c] = slots[i]
		}
		inst := reflect.New(info.Type)
		if err := fillStructValue(info, inst, data); err != nil {
			return nil, err
		}
		bindInstance(s, info, inst)
		out = append(out, inst.Interface())
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("SELECT", stmt, args, err)
	}
	return out, nil
}

// joinColumns renders a model's column list for a SELECT.
func joinColumns(info *ModelInfo) string {
	return strings.Join(info.ColumnList, ", ")
}
