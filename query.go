package sqliter

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
)

// filterCond is one Filter call, kept raw until compile.
type filterCond struct {
	key   string
	value any
}

// rawCond is an internal precompiled condition, used by RelSet for
// junction membership subqueries.
type rawCond struct {
	expr string
	args []any
}

// Query is an accumulating query builder over a registered model.
// Builder calls mutate and return the same Query; use Clone to fork.
// The compiled statement depends only on the accumulated state, never
// on the order builder methods were called in: filters, paths and
// update columns are sorted at compile time.
type Query[T any] struct {
	sess *Session
	info *ModelInfo
	err  error // first builder error, reported by the terminal call

	filters  []filterCond
	raws     []rawCond
	related  []string
	prefetch []string

	orderBy   string
	orderDesc bool

	limit  int
	offset int

	fields  []string
	exclude []string

	bypassCache bool
	ttl         time.Duration

	extraDeps []string
}

// Select starts a query over T's table on the given session.
func Select[T any](s *Session) *Query[T] {
	q := &Query[T]{
		sess:   s,
		info:   ParseModel[T](),
		limit:  -1,
		offset: -1,
	}
	if s == nil {
		q.err = ErrNoSession
	}
	return q
}

// Clone returns an independent copy of the builder state.
func (q *Query[T]) Clone() *Query[T] {
	c := *q
	c.filters = append([]filterCond(nil), q.filters...)
	c.raws = append([]rawCond(nil), q.raws...)
	c.related = append([]string(nil), q.related...)
	c.prefetch = append([]string(nil), q.prefetch...)
	c.fields = append([]string(nil), q.fields...)
	c.exclude = append([]string(nil), q.exclude...)
	c.extraDeps = append([]string(nil), q.extraDeps...)
	return &c
}

func (q *Query[T]) fail(err error) *Query[T] {
	if q.err == nil {
		q.err = err
	}
	return q
}

// Filter adds one condition. Keys are dunder paths: a column name, a
// column with an operator suffix ("price__gte"), or a traversal across
// forward relations ("author__publisher__name__like"). Supported
// operators: eq (default), ne, gt, gte, lt, lte, in, like, isnull.
func (q *Query[T]) Filter(key string, value any) *Query[T] {
	q.filters = append(q.filters, filterCond{key: key, value: value})
	return q
}

// whereRaw adds a precompiled condition. Internal, for accessors that
// already know their SQL shape.
func (q *Query[T]) whereRaw(expr string, args ...any) *Query[T] {
	q.raws = append(q.raws, rawCond{expr: expr, args: args})
	return q
}

// dependsOn records extra tables the result depends on for cache
// invalidation purposes.
func (q *Query[T]) dependsOn(tables ...string) *Query[T] {
	q.extraDeps = append(q.extraDeps, tables...)
	return q
}

// SelectRelated joins the given forward relation paths into the query
// so related instances come back resolved without extra queries. A path
// mentioned by several calls (or shared as a prefix) joins once.
func (q *Query[T]) SelectRelated(paths ...string) *Query[T] {
	q.related = append(q.related, paths...)
	return q
}

// PrefetchRelated batch-loads the given reverse or many-to-many
// relation paths after the main query: one extra query per path
// segment, plus one per many-to-many hop for its junction table.
func (q *Query[T]) PrefetchRelated(paths ...string) *Query[T] {
	q.prefetch = append(q.prefetch, paths...)
	return q
}

// Order sorts ascending by a root column.
func (q *Query[T]) Order(column string) *Query[T] {
	q.orderBy = column
	q.orderDesc = false
	return q
}

// OrderDesc sorts descending by a root column.
func (q *Query[T]) OrderDesc(column string) *Query[T] {
	q.orderBy = column
	q.orderDesc = true
	return q
}

// Limit caps the number of rows returned.
func (q *Query[T]) Limit(n int) *Query[T] {
	q.limit = n
	return q
}

// Offset skips rows before returning.
func (q *Query[T]) Offset(n int) *Query[T] {
	q.offset = n
	return q
}

// Fields restricts the selected root columns. The primary key and
// foreign key columns are always included; accessors need them.
func (q *Query[T]) Fields(columns ...string) *Query[T] {
	q.fields = append(q.fields, columns...)
	return q
}

// Only is an alias of Fields.
func (q *Query[T]) Only(columns ...string) *Query[T] {
	return q.Fields(columns...)
}

// Exclude drops root columns from the selection. The primary key and
// foreign key columns cannot be dropped.
func (q *Query[T]) Exclude(columns ...string) *Query[T] {
	q.exclude = append(q.exclude, columns...)
	return q
}

// BypassCache makes the terminal call skip the result cache in both
// directions: no lookup, no store.
func (q *Query[T]) BypassCache() *Query[T] {
	q.bypassCache = true
	return q
}

// CacheTTL overrides the session's default time-to-live for the entry
// this query stores.
func (q *Query[T]) CacheTTL(d time.Duration) *Query[T] {
	q.ttl = d
	return q
}

// filter operators, dunder suffix -> SQL shape
var filterOps = map[string]string{
	"eq":     "=",
	"ne":     "!=",
	"gt":     ">",
	"gte":    ">=",
	"lt":     "<",
	"lte":    "<=",
	"in":     "IN",
	"like":   "LIKE",
	"isnull": "",
}

// selCol is one column of the compiled SELECT list and where its
// scanned value lands.
type selCol struct {
	join *JoinInfo // nil for root columns
	fi   *FieldInfo
}

type compiled struct {
	stmt    string
	args    []any
	deps    []string
	layout  []selCol
	planner *joinPlanner
}

// rootColumns applies Fields/Exclude to the model's columns, forcing
// the primary key and every forward FK column to stay selected.
func (q *Query[T]) rootColumns() ([]*FieldInfo, error) {
	forced := map[string]bool{q.info.PrimaryKey: true}
	if q.sess != nil && q.sess.registry != nil {
		for _, e := range q.sess.registry.EdgesFor(q.info.TableName) {
			if e.IsForward() {
				forced[e.FKColumn()] = true
			}
		}
	}

	include := map[string]bool{}
	for _, c := range q.fields {
		if _, ok := q.info.Columns[c]; !ok {
			return nil, fmt.Errorf("%w: unknown column %q on table %q",
				ErrInvalidPath, c, q.info.TableName)
		}
		include[c] = true
	}
	excluded := map[string]bool{}
	for _, c := range q.exclude {
		if _, ok := q.info.Columns[c]; !ok {
			return nil, fmt.Errorf("%w: unknown column %q on table %q",
				ErrInvalidPath, c, q.info.TableName)
		}
		excluded[c] = true
	}

	out := make([]*FieldInfo, 0, len(q.info.ColumnList))
	for _, c := range q.info.ColumnList {
		if forced[c] {
			out = append(out, q.info.Columns[c])
			continue
		}
		if len(include) > 0 && !include[c] {
			continue
		}
		if excluded[c] {
			continue
		}
		out = append(out, q.info.Columns[c])
	}
	return out, nil
}

// compileWhere resolves sorted filters and raw conditions against the
// planner, returning the condition strings and their arguments.
func (q *Query[T]) compileWhere(p *joinPlanner) ([]string, []any, error) {
	filters := append([]filterCond(nil), q.filters...)
	sort.SliceStable(filters, func(i, j int) bool { return filters[i].key < filters[j].key })

	var conds []string
	var args []any

	for _, f := range filters {
		cond, condArgs, err := q.compileFilter(p, f)
		if err != nil {
			return nil, nil, err
		}
		conds = append(conds, cond)
		args = append(args, condArgs...)
	}

	raws := append([]rawCond(nil), q.raws...)
	sort.SliceStable(raws, func(i, j int) bool { return raws[i].expr < raws[j].expr })
	for _, r := range raws {
		conds = append(conds, r.expr)
		args = append(args, r.args...)
	}

	return conds, args, nil
}

func (q *Query[T]) compileFilter(p *joinPlanner, f filterCond) (string, []any, error) {
	segments := strings.Split(f.key, "__")

	op := "eq"
	if len(segments) > 1 {
		if _, ok := filterOps[segments[len(segments)-1]]; ok {
			op = segments[len(segments)-1]
			segments = segments[:len(segments)-1]
		}
	}
	if len(segments) == 0 || segments[0] == "" {
		return "", nil, &PathError{Path: f.key, Segment: f.key, Err: ErrInvalidPath}
	}

	column := segments[len(segments)-1]
	pathSegs := segments[:len(segments)-1]

	alias := q.info.TableName
	model := q.info
	if len(pathSegs) > 0 {
		leaf, err := p.walk(strings.Join(pathSegs, "__"), false)
		if err != nil {
			return "", nil, err
		}
		alias = leaf.Alias
		model = leaf.Model
	}

	col := column
	if fi, ok := model.Columns[column]; ok {
		col = fi.Column
	} else if q.sess != nil && q.sess.registry != nil &&
		q.sess.registry.edgeFor(model.TableName, column) != nil &&
		q.sess.registry.edgeFor(model.TableName, column).IsForward() {
		// Filtering on a relation name compares its FK column, so
		// Filter("author", id) works without spelling author_id.
		col = q.sess.registry.edgeFor(model.TableName, column).FKColumn()
	} else {
		return "", nil, &PathError{
			Path:    f.key,
			Segment: column,
			Err: fmt.Errorf("%w: no column %q on table %q",
				ErrInvalidPath, column, model.TableName),
		}
	}

	qualified := alias + "." + col

	switch op {
	case "isnull":
		want := true
		if b, ok := f.value.(bool); ok {
			want = b
		}
		if want {
			return qualified + " IS NULL", nil, nil
		}
		return qualified + " IS NOT NULL", nil, nil
	case "in":
		vals := expandSlice(f.value)
		if len(vals) == 0 {
			return "1 = 0", nil, nil
		}
		return fmt.Sprintf("%s IN (%s)", qualified, placeholders(len(vals))), vals, nil
	case "eq":
		if f.value == nil {
			return qualified + " IS NULL", nil, nil
		}
		return qualified + " = ?", []any{normalizeID(f.value)}, nil
	case "ne":
		if f.value == nil {
			return qualified + " IS NOT NULL", nil, nil
		}
		return qualified + " != ?", []any{normalizeID(f.value)}, nil
	default:
		return fmt.Sprintf("%s %s ?", qualified, filterOps[op]), []any{f.value}, nil
	}
}

// compileSelect builds the full statement. counting swaps the column
// list for COUNT(*) and drops ordering and pagination.
func (q *Query[T]) compileSelect(counting bool) (*compiled, error) {
	if q.err != nil {
		return nil, q.err
	}
	if q.sess == nil || q.sess.registry == nil {
		return nil, ErrNoSession
	}

	p := newJoinPlanner(q.sess.registry, q.info)

	for _, path := range uniqueSorted(q.related) {
		if _, err := p.walk(path, true); err != nil {
			return nil, err
		}
	}

	conds, args, err := q.compileWhere(p)
	if err != nil {
		return nil, err
	}

	c := &compiled{planner: p}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	if counting {
		sb.WriteString("COUNT(*)")
	} else {
		rootCols, err := q.rootColumns()
		if err != nil {
			return nil, err
		}
		for i, fi := range rootCols {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(q.info.TableName)
			sb.WriteByte('.')
			sb.WriteString(fi.Column)
			c.layout = append(c.layout, selCol{fi: fi})
		}
		for _, ji := range p.selectedJoins() {
			for _, col := range ji.Model.ColumnList {
				sb.WriteString(", ")
				sb.WriteString(ji.Alias)
				sb.WriteByte('.')
				sb.WriteString(col)
				c.layout = append(c.layout, selCol{join: ji, fi: ji.Model.Columns[col]})
			}
		}
	}

	sb.WriteString(" FROM ")
	sb.WriteString(q.info.TableName)
	for _, jc := range p.clauses() {
		sb.WriteByte(' ')
		sb.WriteString(jc)
	}

	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}

	if !counting {
		if q.orderBy != "" {
			fi, ok := q.info.Columns[q.orderBy]
			if !ok {
				return nil, fmt.Errorf("%w: unknown order column %q on table %q",
					ErrInvalidPath, q.orderBy, q.info.TableName)
			}
			sb.WriteString(" ORDER BY ")
			sb.WriteString(q.info.TableName)
			sb.WriteByte('.')
			sb.WriteString(fi.Column)
			if q.orderDesc {
				sb.WriteString(" DESC")
			} else {
				sb.WriteString(" ASC")
			}
		}
		if q.limit >= 0 {
			sb.WriteString(" LIMIT ")
			sb.WriteString(strconv.Itoa(q.limit))
		}
		if q.offset >= 0 {
			sb.WriteString(" OFFSET ")
			sb.WriteString(strconv.Itoa(q.offset))
		}
	}

	c.stmt = sb.String()
	c.args = args

	deps := []string{q.info.TableName}
	deps = append(deps, p.tables()...)
	deps = append(deps, q.extraDeps...)
	c.deps = uniqueSorted(deps)
	return c, nil
}

// All executes the query and returns every matching row, with forward
// accessors bound, joined paths resolved and prefetch paths attached.
func (q *Query[T]) All(ctx context.Context) ([]*T, error) {
	if q.err != nil {
		return nil, q.err
	}
	if q.sess == nil {
		return nil, ErrNoSession
	}

	prefetch := uniqueSorted(q.prefetch)
	plan, planDeps, err := buildPrefetchPlan(q.sess.registry, q.info, prefetch)
	if err != nil {
		return nil, err
	}

	c, err := q.compileSelect(false)
	if err != nil {
		return nil, err
	}

	sig := querySignature(q.info.TableName, c.stmt, c.args, q.fieldKey(), prefetch)
	if !q.bypassCache {
		if v, ok := q.sess.cacheGet(sig); ok {
			if cached, ok := v.([]*T); ok {
				out := make([]*T, len(cached))
				copy(out, cached)
				return out, nil
			}
		}
	}

	results, err := q.scanAll(ctx, c)
	if err != nil {
		return nil, err
	}

	if len(plan) > 0 {
		parents := make([]any, len(results))
		for i, r := range results {
			parents[i] = r
		}
		if err := runPrefetch(ctx, q.sess, q.info, parents, plan); err != nil {
			return nil, err
		}
	}

	if !q.bypassCache {
		deps := uniqueSorted(append(append([]string(nil), c.deps...), planDeps...))
		q.sess.cachePut(sig, results, deps, q.ttl)
	}
	return results, nil
}

// One returns the first matching row, ErrRecordNotFound when nothing
// matches.
func (q *Query[T]) One(ctx context.Context) (*T, error) {
	c := q.Clone()
	c.limit = 1
	rows, err := c.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrRecordNotFound
	}
	return rows[0], nil
}

// First returns the first row by primary key order, unless an explicit
// order was set.
func (q *Query[T]) First(ctx context.Context) (*T, error) {
	c := q.Clone()
	if c.orderBy == "" {
		c.orderBy = q.info.PrimaryKey
		c.orderDesc = false
	}
	return c.One(ctx)
}

// Last returns the last row by primary key order, or the inverse of
// the explicit order when one was set.
func (q *Query[T]) Last(ctx context.Context) (*T, error) {
	c := q.Clone()
	if c.orderBy == "" {
		c.orderBy = q.info.PrimaryKey
		c.orderDesc = true
	} else {
		c.orderDesc = !c.orderDesc
	}
	return c.One(ctx)
}

// Count returns the number of matching rows.
func (q *Query[T]) Count(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	if q.sess == nil {
		return 0, ErrNoSession
	}

	c, err := q.compileSelect(true)
	if err != nil {
		return 0, err
	}

	sig := querySignature(q.info.TableName, c.stmt, c.args, "", nil)
	if !q.bypassCache {
		if v, ok := q.sess.cacheGet(sig); ok {
			if n, ok := v.(int64); ok {
				return n, nil
			}
		}
	}

	row, err := q.sess.queryRow(ctx, c.stmt, c.args)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, WrapQueryError("SELECT", c.stmt, c.args, err)
	}

	if !q.bypassCache {
		q.sess.cachePut(sig, n, c.deps, q.ttl)
	}
	return n, nil
}

// Exists reports whether any row matches.
func (q *Query[T]) Exists(ctx context.Context) (bool, error) {
	n, err := q.Count(ctx)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes every matching row and returns how many went away.
// Matching zero rows is an error, ErrRecordNotFound. Conditions cannot
// traverse relations; delete against the root table only.
func (q *Query[T]) Delete(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	if q.sess == nil {
		return 0, ErrNoSession
	}

	p := newJoinPlanner(q.sess.registry, q.info)
	conds, args, err := q.compileWhere(p)
	if err != nil {
		return 0, err
	}
	if len(p.joins) > 0 {
		return 0, fmt.Errorf("%w: cannot traverse relations in DELETE", ErrInvalidPath)
	}

	var sb strings.Builder
	sb.WriteString("DELETE FROM ")
	sb.WriteString(q.info.TableName)
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}

	res, err := q.sess.exec(ctx, "DELETE", sb.String(), args, q.info.TableName)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, WrapQueryError("DELETE", sb.String(), args, err)
	}
	if n == 0 {
		return 0, ErrRecordNotFound
	}
	return n, nil
}

// Update sets the given columns on every matching row and returns how
// many changed. Matching zero rows is an error, ErrRecordNotFound.
// Conditions cannot traverse relations.
func (q *Query[T]) Update(ctx context.Context, values map[string]any) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	if q.sess == nil {
		return 0, ErrNoSession
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("%w: no columns to update", ErrInvalidModel)
	}

	cols := make([]string, 0, len(values))
	for c := range values {
		if _, ok := q.info.Columns[c]; !ok {
			return 0, fmt.Errorf("%w: unknown column %q on table %q",
				ErrInvalidPath, c, q.info.TableName)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)

	p := newJoinPlanner(q.sess.registry, q.info)
	conds, whereArgs, err := q.compileWhere(p)
	if err != nil {
		return 0, err
	}
	if len(p.joins) > 0 {
		return 0, fmt.Errorf("%w: cannot traverse relations in UPDATE", ErrInvalidPath)
	}

	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(q.info.TableName)
	sb.WriteString(" SET ")
	args := make([]any, 0, len(cols)+len(whereArgs))
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(col)
		sb.WriteString(" = ?")
		args = append(args, normalizeID(values[col]))
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}
	args = append(args, whereArgs...)

	res, err := q.sess.exec(ctx, "UPDATE", sb.String(), args, q.info.TableName)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, WrapQueryError("UPDATE", sb.String(), args, err)
	}
	if n == 0 {
		return 0, ErrRecordNotFound
	}
	return n, nil
}

// fieldKey folds the effective field selection into the cache
// signature.
func (q *Query[T]) fieldKey() string {
	if len(q.fields) == 0 && len(q.exclude) == 0 {
		return "*"
	}
	parts := append(uniqueSorted(q.fields), "-")
	parts = append(parts, uniqueSorted(q.exclude)...)
	return strings.Join(parts, ",")
}

// scanAll runs the compiled statement and materializes rows: root
// columns into fresh instances, joined columns into related instances
// attached onto their parents' references.
func (q *Query[T]) scanAll(ctx context.Context, c *compiled) ([]*T, error) {
	rows, err := q.sess.query(ctx, c.stmt, c.args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	selected := c.planner.selectedJoins()
	out := make([]*T, 0)

	for rows.Next() {
		slots := make([]any, len(c.layout))
		dests := make([]any, len(c.layout))
		for i := range slots {
			dests[i] = &slots[i]
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, WrapQueryError("SELECT", c.stmt, c.args, err)
		}

		entity := new(T)
		ev := reflect.ValueOf(entity)
		for i, sc := range c.layout {
			if sc.join != nil {
				continue
			}
			if err := fillValue(ev.Elem().FieldByIndex(sc.fi.Index), slots[i]); err != nil {
				return nil, fmt.Errorf("sqliter: column %s: %w", sc.fi.Column, err)
			}
		}
		bindInstance(q.sess, q.info, ev)

		// Materialize joined rows, parents first (plan order).
		instances := map[string]reflect.Value{"": ev}
		models := map[string]*ModelInfo{"": q.info}
		for _, ji := range selected {
			data := make(map[string]any)
			var pkVal any
			for i, sc := range c.layout {
				if sc.join != ji {
					continue
				}
				data[sc.fi.Column] = slots[i]
				if sc.fi.Column == ji.Model.PrimaryKey {
					pkVal = slots[i]
				}
			}
			if pkVal == nil {
				continue // LEFT JOIN missed
			}

			inst := reflect.New(ji.Model.Type)
			if err := fillStructValue(ji.Model, inst, data); err != nil {
				return nil, err
			}
			bindInstance(q.sess, ji.Model, inst)
			instances[ji.Path] = inst
			models[ji.Path] = ji.Model

			parentPath := ""
			if idx := strings.LastIndex(ji.Path, "__"); idx >= 0 {
				parentPath = ji.Path[:idx]
			}
			parent, ok := instances[parentPath]
			if !ok {
				continue
			}
			acc := models[parentPath].Accessors[ji.Edge.Field]
			if acc == nil || acc.IsSet {
				continue
			}
			pf := parent.Elem().FieldByIndex(acc.Index)
			if pf.IsNil() {
				pf.Set(reflect.New(acc.FieldType.Elem()))
			}
			if rb, ok := pf.Interface().(refBinder); ok {
				rb.bindResolved(inst.Interface(), pkVal)
			}
		}

		out = append(out, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("SELECT", c.stmt, c.args, err)
	}
	return out, nil
}

// bindInstance wires every relationship accessor of a freshly scanned
// instance to the session: forward Refs get their FK identifier,
// forward and reverse RelSets get their owning primary key.
func bindInstance(s *Session, info *ModelInfo, v reflect.Value) {
	if s == nil || s.registry == nil {
		return
	}
	elem := v.Elem()
	pk := normalizeID(info.pkValue(elem))

	for _, e := range s.registry.EdgesFor(info.TableName) {
		acc := info.Accessors[e.Field]
		if acc == nil {
			continue
		}
		f := elem.FieldByIndex(acc.Index)
		if f.IsNil() {
			f.Set(reflect.New(acc.FieldType.Elem()))
		}
		switch {
		case e.IsForward() && !acc.IsSet:
			var fkVal any
			var fkField reflect.Value
			if cfi, ok := info.Columns[e.FKColumn()]; ok {
				fkField = elem.FieldByIndex(cfi.Index)
				fkVal = fkField.Interface()
			}
			if rb, ok := f.Interface().(refBinder); ok {
				rb.bindRef(fkVal, e, fkField, s)
			}
		case e.Kind == ManyToMany && acc.IsSet:
			if sb, ok := f.Interface().(setBinder); ok {
				sb.bindSet(pk, e, false, s)
			}
		}
	}

	for _, e := range s.registry.IncomingEdges(info.TableName) {
		name := e.reverseName()
		if name == "" {
			continue
		}
		acc := info.Accessors[strcase.ToCamel(name)]
		if acc == nil || !acc.IsSet {
			continue
		}
		f := elem.FieldByIndex(acc.Index)
		if f.IsNil() {
			f.Set(reflect.New(acc.FieldType.Elem()))
		}
		if sb, ok := f.Interface().(setBinder); ok {
			sb.bindSet(pk, e, true, s)
		}
	}
}

// placeholders renders n comma separated "?" marks.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// expandSlice flattens a slice or array value into []any for IN lists.
func expandSlice(v any) []any {
	if v == nil {
		return nil
	}
	if vals, ok := v.([]any); ok {
		return vals
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// uniqueSorted copies, sorts and deduplicates a string slice.
func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	j := 0
	for _, s := range out {
		if j > 0 && s == out[j-1] {
			continue
		}
		out[j] = s
		j++
	}
	return out[:j]
}
