package sqliter

import (
	"fmt"
	"strings"
)

type joinKind string

const (
	innerJoin joinKind = "JOIN"
	leftJoin  joinKind = "LEFT JOIN"
)

// JoinInfo is one resolved hop of a join plan: the joined table, its
// alias, and how it hangs off its parent. A dotted path resolves to the
// same JoinInfo no matter how many expressions mention it.
type JoinInfo struct {
	Alias       string // t1, t2, ... in discovery order
	Table       string
	Model       *ModelInfo
	Edge        *Edge
	ParentAlias string
	FKColumn    string // FK column on the parent side
	Kind        joinKind
	Path        string // full dunder path from the root
	Nullable    bool   // this hop, or any hop above it, is nullable

	selected bool // contributes columns to the SELECT list
}

// joinPlanner turns dunder paths into a deduplicated list of joins.
// Only forward foreign key edges traverse; reverse and many-to-many
// segments are rejected with a pointer at the batch API.
type joinPlanner struct {
	reg       *Registry
	root      *ModelInfo
	rootAlias string
	joins     []*JoinInfo
	byPath    map[string]*JoinInfo
	n         int
}

func newJoinPlanner(reg *Registry, root *ModelInfo) *joinPlanner {
	return &joinPlanner{
		reg:       reg,
		root:      root,
		rootAlias: root.TableName,
		byPath:    make(map[string]*JoinInfo),
	}
}

// walk resolves every hop of a dunder path, reusing joins planned by
// earlier paths and appending new ones. forSelect marks each hop as
// contributing columns to the result. Returns the leaf join.
func (p *joinPlanner) walk(path string, forSelect bool) (*JoinInfo, error) {
	segments := strings.Split(path, "__")

	var (
		leaf     *JoinInfo
		curTable = p.root.TableName
		curAlias = p.rootAlias
		nullable = false
		prefix   string
	)

	for _, seg := range segments {
		if seg == "" {
			return nil, &PathError{Path: path, Segment: seg, Err: ErrInvalidPath}
		}
		if prefix == "" {
			prefix = seg
		} else {
			prefix = prefix + "__" + seg
		}

		if ji, ok := p.byPath[prefix]; ok {
			if forSelect {
				ji.selected = true
			}
			leaf = ji
			curTable, curAlias, nullable = ji.Table, ji.Alias, ji.Nullable
			continue
		}

		edge := p.reg.edgeFor(curTable, seg)
		if edge == nil {
			if rev := p.reg.reverseEdgeFor(curTable, seg); rev != nil {
				return nil, &PathError{
					Path:    path,
					Segment: seg,
					Err: fmt.Errorf("%w: %q is a reverse relation, use PrefetchRelated",
						ErrInvalidPath, seg),
				}
			}
			return nil, &PathError{
				Path:    path,
				Segment: seg,
				Err: fmt.Errorf("%w: no relation %q on table %q",
					ErrInvalidPath, seg, curTable),
			}
		}
		if !edge.IsForward() {
			return nil, &PathError{
				Path:    path,
				Segment: seg,
				Err: fmt.Errorf("%w: %q is many-to-many, use PrefetchRelated",
					ErrInvalidPath, seg),
			}
		}

		target := p.reg.Resolve(edge.Target)
		if target == nil {
			return nil, &PathError{
				Path:    path,
				Segment: seg,
				Err: fmt.Errorf("%w: relation %q targets unregistered table %q",
					ErrInvalidPath, seg, edge.Target),
			}
		}

		nullable = nullable || edge.Nullable
		kind := innerJoin
		if nullable {
			kind = leftJoin
		}

		p.n++
		ji := &JoinInfo{
			Alias:       fmt.Sprintf("t%d", p.n),
			Table:       target.TableName,
			Model:       target,
			Edge:        edge,
			ParentAlias: curAlias,
			FKColumn:    edge.FKColumn(),
			Kind:        kind,
			Path:        prefix,
			Nullable:    nullable,
			selected:    forSelect,
		}
		p.joins = append(p.joins, ji)
		p.byPath[prefix] = ji

		leaf = ji
		curTable, curAlias = ji.Table, ji.Alias
	}

	return leaf, nil
}

// clauses renders the planned joins in discovery order.
func (p *joinPlanner) clauses() []string {
	out := make([]string, 0, len(p.joins))
	for _, ji := range p.joins {
		out = append(out, fmt.Sprintf("%s %s AS %s ON %s.%s = %s.%s",
			ji.Kind, ji.Table, ji.Alias,
			ji.Alias, ji.Model.PrimaryKey,
			ji.ParentAlias, ji.FKColumn))
	}
	return out
}

// tables returns the distinct tables the plan touches, root excluded.
func (p *joinPlanner) tables() []string {
	seen := make(map[string]bool)
	var out []string
	for _, ji := range p.joins {
		if !seen[ji.Table] {
			seen[ji.Table] = true
			out = append(out, ji.Table)
		}
	}
	return out
}

// selectedJoins returns the joins that contribute result columns, in
// plan order. Parents of a selected join are always selected too.
func (p *joinPlanner) selectedJoins() []*JoinInfo {
	var out []*JoinInfo
	for _, ji := range p.joins {
		if ji.selected {
			out = append(out, ji)
		}
	}
	return out
}
