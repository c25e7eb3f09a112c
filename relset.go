package sqliter

import (
	"context"
	"fmt"
	"reflect"
)

// RelSet is the accessor for the many side of a relationship: the
// reverse of a foreign key, or either side of a many-to-many edge.
// Models declare one per reverse accessor, named after the edge's
// related name in CamelCase:
//
//	type Author struct {
//		ID    int64
//		Books *sqliter.RelSet[Book]
//	}
//
// Reads run a scoped query against the bound session, except when a
// prefetch attached results to the set, in which case All, One, Count
// and Exists are served from the attached view without touching the
// store. Filter always queries.
//
// Add, Remove, Clear and Set manage junction rows and therefore apply
// to many-to-many edges only; on any other kind they return
// ErrInvalidRelation. A successful write drops the prefetched view.
type RelSet[T any] struct {
	sess       *Session
	edge       *Edge
	reverse    bool
	ownerPK    any
	items      []*T
	prefetched bool
}

// setBinder is how scan and bind code reaches into a RelSet without
// knowing T. *RelSet[T] implements it.
type setBinder interface {
	bindSet(ownerPK any, edge *Edge, reverse bool, s *Session)
	attachPrefetch(items []any)
}

var setBinderType = reflect.TypeOf((*setBinder)(nil)).Elem()

func (rs *RelSet[T]) bindSet(ownerPK any, edge *Edge, reverse bool, s *Session) {
	rs.ownerPK = normalizeID(ownerPK)
	rs.edge = edge
	rs.reverse = reverse
	rs.sess = s
	rs.items = nil
	rs.prefetched = false
}

func (rs *RelSet[T]) attachPrefetch(items []any) {
	out := make([]*T, 0, len(items))
	for _, it := range items {
		if v, ok := it.(*T); ok {
			out = append(out, v)
		}
	}
	rs.items = out
	rs.prefetched = true
}

// Query returns a builder scoped to the members of the set. Callers
// can chain further filters and ordering before executing.
func (rs *RelSet[T]) Query() *Query[T] {
	q := Select[T](rs.sess)
	if rs.sess == nil || rs.edge == nil {
		q.fail(ErrNoSession)
		return q
	}
	if rs.ownerPK == nil {
		q.fail(WrapRelationError(rs.relName(), "", ErrNullRelation))
		return q
	}

	if rs.edge.Kind != ManyToMany {
		// Reverse foreign key: members are the rows pointing at us.
		return q.Filter(rs.edge.FKColumn(), rs.ownerPK)
	}

	info := ParseModel[T]()
	j := rs.edge.JunctionTable()
	oc, tc := rs.edge.junctionColumns()
	if rs.reverse {
		oc, tc = tc, oc
	}
	if rs.edge.Symmetric {
		q.whereRaw(fmt.Sprintf(
			"(%s.%s IN (SELECT %s FROM %s WHERE %s = ?) OR %s.%s IN (SELECT %s FROM %s WHERE %s = ?))",
			info.TableName, info.PrimaryKey, tc, j, oc,
			info.TableName, info.PrimaryKey, oc, j, tc),
			rs.ownerPK, rs.ownerPK)
	} else {
		q.whereRaw(fmt.Sprintf("%s.%s IN (SELECT %s FROM %s WHERE %s = ?)",
			info.TableName, info.PrimaryKey, tc, j, oc), rs.ownerPK)
	}
	q.dependsOn(j)
	return q
}

// All returns the members of the set.
func (rs *RelSet[T]) All(ctx context.Context) ([]*T, error) {
	if rs.prefetched {
		out := make([]*T, len(rs.items))
		copy(out, rs.items)
		return out, nil
	}
	return rs.Query().All(ctx)
}

// One returns a single member, ErrRecordNotFound when the set is empty.
func (rs *RelSet[T]) One(ctx context.Context) (*T, error) {
	if rs.prefetched {
		if len(rs.items) == 0 {
			return nil, ErrRecordNotFound
		}
		return rs.items[0], nil
	}
	return rs.Query().First(ctx)
}

// Count returns the number of members.
func (rs *RelSet[T]) Count(ctx context.Context) (int64, error) {
	if rs.prefetched {
		return int64(len(rs.items)), nil
	}
	return rs.Query().Count(ctx)
}

// Exists reports whether the set has any member.
func (rs *RelSet[T]) Exists(ctx context.Context) (bool, error) {
	if rs.prefetched {
		return len(rs.items) > 0, nil
	}
	return rs.Query().Exists(ctx)
}

// Filter returns a builder scoped to the set with one condition
// applied. Filtered reads always query the store, prefetched or not.
func (rs *RelSet[T]) Filter(key string, value any) *Query[T] {
	return rs.Query().Filter(key, value)
}

// Add links instances through the junction table. Unsaved instances
// are inserted first. Existing links are left alone.
func (rs *RelSet[T]) Add(ctx context.Context, items ...*T) error {
	pks, err := rs.writePKs(ctx, items, true)
	if err != nil {
		return err
	}
	if err := m2mAdd(ctx, rs.sess, rs.edge, rs.reverse, rs.ownerPK, pks); err != nil {
		return err
	}
	rs.dropView()
	return nil
}

// Remove unlinks instances. Rows that were not linked are ignored.
func (rs *RelSet[T]) Remove(ctx context.Context, items ...*T) error {
	pks, err := rs.writePKs(ctx, items, false)
	if err != nil {
		return err
	}
	if err := m2mRemove(ctx, rs.sess, rs.edge, rs.reverse, rs.ownerPK, pks); err != nil {
		return err
	}
	rs.dropView()
	return nil
}

// Clear unlinks every member.
func (rs *RelSet[T]) Clear(ctx context.Context) error {
	if err := rs.checkWrite(); err != nil {
		return err
	}
	if err := m2mClear(ctx, rs.sess, rs.edge, rs.reverse, rs.ownerPK); err != nil {
		return err
	}
	rs.dropView()
	return nil
}

// Set replaces the membership with exactly the given instances, as one
// transaction.
func (rs *RelSet[T]) Set(ctx context.Context, items ...*T) error {
	pks, err := rs.writePKs(ctx, items, true)
	if err != nil {
		return err
	}
	if err := m2mSet(ctx, rs.sess, rs.edge, rs.reverse, rs.ownerPK, pks); err != nil {
		return err
	}
	rs.dropView()
	return nil
}

// writePKs validates a write and collects member primary keys,
// inserting unsaved instances first when insertMissing is set.
func (rs *RelSet[T]) writePKs(ctx context.Context, items []*T, insertMissing bool) ([]any, error) {
	if err := rs.checkWrite(); err != nil {
		return nil, err
	}
	info := ParseModel[T]()
	pks := make([]any, 0, len(items))
	for _, item := range items {
		if item == nil {
			return nil, ErrNilPointer
		}
		rv := reflect.ValueOf(item)
		if info.isZeroPK(rv) {
			if !insertMissing {
				continue
			}
			if err := Insert(ctx, rs.sess, item); err != nil {
				return nil, err
			}
		}
		pks = append(pks, normalizeID(info.pkValue(reflect.ValueOf(item))))
	}
	return pks, nil
}

func (rs *RelSet[T]) checkWrite() error {
	if rs.sess == nil || rs.edge == nil {
		return ErrNoSession
	}
	if rs.edge.Kind != ManyToMany {
		return WrapRelationError(rs.relName(), "",
			fmt.Errorf("%w: membership writes need a many-to-many edge", ErrInvalidRelation))
	}
	if rs.ownerPK == nil {
		return WrapRelationError(rs.relName(), "", ErrNullRelation)
	}
	return nil
}

func (rs *RelSet[T]) dropView() {
	rs.items = nil
	rs.prefetched = false
}

func (rs *RelSet[T]) relName() string {
	if rs.edge == nil {
		return "relset"
	}
	if rs.reverse {
		return rs.edge.reverseName()
	}
	return rs.edge.Field
}
