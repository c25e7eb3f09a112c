package sqliter

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gertd/go-pluralize"
	"github.com/iancoleman/strcase"
)

var plural = pluralize.NewClient()

// Cardinality is the shape of a relationship edge.
type Cardinality string

const (
	// OneToOne is a foreign key with a single reverse record.
	OneToOne Cardinality = "one_to_one"
	// OneToMany is a foreign key whose reverse accessor yields many records.
	OneToMany Cardinality = "one_to_many"
	// ManyToMany is a junction-table relationship.
	ManyToMany Cardinality = "many_to_many"
)

// RefAction is a referential action emitted into junction DDL and
// recorded on edges for schema layers to consume.
type RefAction string

const (
	NoAction RefAction = "NO ACTION"
	Restrict RefAction = "RESTRICT"
	Cascade  RefAction = "CASCADE"
	SetNull  RefAction = "SET NULL"
)

// Edge declares one relationship on the registering model. The model
// owning the edge is the one carrying the foreign key (or, for
// many-to-many, the forward accessor).
type Edge struct {
	// Field is the accessor struct field on the owning model, e.g.
	// "Author" for a *Ref[Author] field or "Tags" for a *RelSet[Tag].
	Field string

	// Target is the table name of the related model. It may name a
	// table that is not registered yet; the edge stays pending until
	// the target model registers.
	Target string

	Kind     Cardinality
	OnDelete RefAction
	OnUpdate RefAction

	// Nullable marks the foreign key as optional. Required for SetNull.
	Nullable bool

	// RelatedName overrides the reverse accessor name installed on the
	// target model. Defaults to the plural snake_case of the owning
	// model name. Ignored for symmetric edges, which install none.
	RelatedName string

	// Junction overrides the junction table name for many-to-many
	// edges. Defaults to the two table names sorted and joined by "_".
	Junction string

	// Symmetric marks a self-referential many-to-many edge as
	// undirected: one junction row serves both directions.
	Symmetric bool

	// Column overrides the foreign key column on the owning table.
	// Defaults to the snake_case accessor name suffixed "_id".
	Column string

	// Table is the owning table. Filled in at registration.
	Table string

	owner *ModelInfo
}

// FKColumn returns the foreign key column on the owning table.
func (e *Edge) FKColumn() string {
	if e.Column != "" {
		return e.Column
	}
	return strcase.ToSnake(e.Field) + "_id"
}

// IsForward reports whether the edge is a plain foreign key, i.e.
// traversable by joins.
func (e *Edge) IsForward() bool {
	return e.Kind == OneToOne || e.Kind == OneToMany
}

// SelfReferential reports whether the edge points back at its own table.
func (e *Edge) SelfReferential() bool {
	return e.Table == e.Target
}

// JunctionTable returns the junction table of a many-to-many edge.
func (e *Edge) JunctionTable() string {
	if e.Junction != "" {
		return e.Junction
	}
	names := []string{e.Table, e.Target}
	sort.Strings(names)
	return strings.Join(names, "_")
}

// junctionColumns returns the (owner-side, target-side) junction
// columns of a many-to-many edge. Self-referential edges get from_/to_
// prefixes since both sides singularize to the same name.
func (e *Edge) junctionColumns() (string, string) {
	if e.SelfReferential() {
		sing := plural.Singular(e.Table)
		return "from_" + sing + "_id", "to_" + sing + "_id"
	}
	return plural.Singular(e.Table) + "_id", plural.Singular(e.Target) + "_id"
}

// pathName is the dunder-path segment that addresses this edge from
// its owning model.
func (e *Edge) pathName() string {
	return strcase.ToSnake(e.Field)
}

// reverseName is the dunder-path segment (and accessor field, camel
// cased) that addresses this edge from its target model. Empty for
// symmetric edges.
func (e *Edge) reverseName() string {
	if e.Symmetric {
		return ""
	}
	return e.RelatedName
}

// Registry holds registered models and the relationship edges between
// them. Edges may be declared before their target registers; they are
// kept pending and activated, with full validation, once it does.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]*ModelInfo // by table name
	edges    map[string][]*Edge    // outgoing, by owning table
	incoming map[string][]*Edge    // resolved only, by target table
	pending  map[string][]*Edge    // unresolved, by target table
}

// NewRegistry returns an empty relationship registry.
func NewRegistry() *Registry {
	return &Registry{
		models:   make(map[string]*ModelInfo),
		edges:    make(map[string][]*Edge),
		incoming: make(map[string][]*Edge),
		pending:  make(map[string][]*Edge),
	}
}

// Register registers the model T and its outgoing edges. Edges whose
// target is already registered become active immediately; the rest stay
// pending until the target registers. Registering T also activates any
// pending edges that were waiting for T's table. On any configuration
// error the registry is left exactly as it was.
func Register[T any](r *Registry, edges ...*Edge) error {
	info := ParseModel[T]()
	return r.register(info, edges)
}

// MustRegister is Register but panics on configuration errors. Useful
// for package-level schema setup.
func MustRegister[T any](r *Registry, edges ...*Edge) {
	if err := Register[T](r, edges...); err != nil {
		panic(err)
	}
}

func (r *Registry) register(info *ModelInfo, declared []*Edge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	table := info.TableName
	if _, ok := r.models[table]; ok {
		return &ConfigError{
			Model: info.Type.Name(),
			Err:   fmt.Errorf("%w: table %q already registered", ErrInvalidConfig, table),
		}
	}

	// Stage everything before touching registry state.
	staged := make([]*Edge, 0, len(declared))
	for _, d := range declared {
		e := *d // callers keep their Edge literals
		e.Table = table
		e.owner = info
		if e.RelatedName == "" && !e.Symmetric {
			e.RelatedName = plural.Plural(strcase.ToSnake(info.Type.Name()))
		}
		if err := r.validateEdge(&e, info); err != nil {
			return err
		}
		staged = append(staged, &e)
	}

	// Edges of earlier models waiting for this table.
	flushed := r.pending[table]

	// Reverse accessor names must stay unique per target table across
	// everything that becomes active in this registration.
	proposed := make(map[string][]string) // target table -> new reverse names
	for _, e := range staged {
		if _, known := r.models[e.Target]; !known && e.Target != table {
			continue // stays pending, checked when the target registers
		}
		if n := e.reverseName(); n != "" {
			proposed[e.Target] = append(proposed[e.Target], n)
		}
	}
	for _, e := range flushed {
		if n := e.reverseName(); n != "" {
			proposed[table] = append(proposed[table], n)
		}
	}
	for target, names := range proposed {
		seen := make(map[string]bool)
		for _, in := range r.incoming[target] {
			if n := in.reverseName(); n != "" {
				seen[n] = true
			}
		}
		for _, n := range names {
			if seen[n] {
				return &ConfigError{
					Model: info.Type.Name(),
					Field: n,
					Err: fmt.Errorf("%w: reverse accessor %q already taken on table %q",
						ErrInvalidConfig, n, target),
				}
			}
			seen[n] = true
		}
	}

	// Commit.
	r.models[table] = info
	r.edges[table] = staged
	for _, e := range staged {
		if _, known := r.models[e.Target]; known {
			r.incoming[e.Target] = append(r.incoming[e.Target], e)
		} else {
			r.pending[e.Target] = append(r.pending[e.Target], e)
		}
	}
	if len(flushed) > 0 {
		r.incoming[table] = append(r.incoming[table], flushed...)
		delete(r.pending, table)
	}
	return nil
}

func (r *Registry) validateEdge(e *Edge, info *ModelInfo) error {
	fail := func(err error) error {
		return &ConfigError{Model: info.Type.Name(), Field: e.Field, Err: err}
	}

	if e.Field == "" {
		return fail(fmt.Errorf("%w: edge needs a Field", ErrInvalidConfig))
	}
	if e.Target == "" {
		return fail(fmt.Errorf("%w: edge needs a Target table", ErrInvalidConfig))
	}
	switch e.Kind {
	case OneToOne, OneToMany, ManyToMany:
	default:
		return fail(fmt.Errorf("%w: unknown cardinality %q", ErrInvalidConfig, e.Kind))
	}
	if e.OnDelete == SetNull && !e.Nullable {
		return fail(fmt.Errorf("%w: SET NULL requires a nullable edge", ErrInvalidConfig))
	}
	if e.Junction != "" && e.Kind != ManyToMany {
		return fail(fmt.Errorf("%w: Junction applies to many-to-many edges only", ErrInvalidConfig))
	}
	if e.Symmetric {
		if e.Kind != ManyToMany {
			return fail(fmt.Errorf("%w: Symmetric applies to many-to-many edges only", ErrInvalidConfig))
		}
		if !e.SelfReferential() {
			return fail(fmt.Errorf("%w: Symmetric requires a self-referential edge", ErrInvalidConfig))
		}
		if e.RelatedName != "" {
			return fail(fmt.Errorf("%w: symmetric edges install no reverse accessor", ErrInvalidConfig))
		}
	}
	if e.Column != "" && e.Kind == ManyToMany {
		return fail(fmt.Errorf("%w: Column applies to foreign key edges only", ErrInvalidConfig))
	}
	return nil
}

// Resolve returns the ModelInfo registered for a table, nil if none.
func (r *Registry) Resolve(table string) *ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.models[table]
}

// EdgesFor returns the outgoing edges of a table, pending or not.
func (r *Registry) EdgesFor(table string) []*Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Edge, len(r.edges[table]))
	copy(out, r.edges[table])
	return out
}

// IncomingEdges returns the active edges targeting a table.
func (r *Registry) IncomingEdges(table string) []*Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Edge, len(r.incoming[table]))
	copy(out, r.incoming[table])
	return out
}

// PendingEdges returns the edges still waiting for a target table.
func (r *Registry) PendingEdges(table string) []*Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Edge, len(r.pending[table]))
	copy(out, r.pending[table])
	return out
}

// Tables returns the registered table names, sorted.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tables := make([]string, 0, len(r.models))
	for t := range r.models {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

// deleteFanout returns the tables a DELETE on table also rewrites
// through referential actions: junction tables of its many-to-many
// edges, and the owning tables of CASCADE or SET NULL foreign keys
// pointing at it. Cascaded deletes fan out transitively; SET NULL only
// updates the referencing rows, so it stops there.
func (r *Registry) deleteFanout(table string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]bool{table: true}
	var out []string
	add := func(t string) bool {
		if seen[t] {
			return false
		}
		seen[t] = true
		out = append(out, t)
		return true
	}

	var visit func(t string)
	visit = func(t string) {
		for _, e := range r.edges[t] {
			if e.Kind == ManyToMany {
				add(e.JunctionTable())
			}
		}
		for _, e := range r.incoming[t] {
			switch {
			case e.Kind == ManyToMany:
				add(e.JunctionTable())
			case e.OnDelete == Cascade:
				if add(e.Table) {
					visit(e.Table)
				}
			case e.OnDelete == SetNull:
				add(e.Table)
			}
		}
	}
	visit(table)
	return out
}

// edgeFor finds the outgoing edge addressed by a path segment on a
// table, nil when no edge matches.
func (r *Registry) edgeFor(table, segment string) *Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.edges[table] {
		if e.pathName() == segment {
			return e
		}
	}
	return nil
}

// reverseEdgeFor finds the active incoming edge whose reverse accessor
// name matches a path segment on a table, nil when none matches.
func (r *Registry) reverseEdgeFor(table, segment string) *Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.incoming[table] {
		if e.reverseName() == segment {
			return e
		}
	}
	return nil
}
