package sqliter

import (
	"context"
	"database/sql/driver"
	"fmt"
	"reflect"

	"github.com/spf13/cast"
)

// Ref is a lazy reference to the row a foreign key points at. Models
// declare one per forward edge:
//
//	type Book struct {
//		ID       int64
//		AuthorID *int64
//		Author   *sqliter.Ref[Author]
//	}
//
// Query results come back with the Author field bound to the session
// that produced them; Get resolves the target row on first call and
// caches it on the reference. Changing the identifier with Set drops
// the cached value.
//
// A Ref carries internal state and must not be used as a map key or
// compared with ==; use Equal.
type Ref[T any] struct {
	id     any
	loaded bool
	value  *T
	sess   *Session
	edge   *Edge
	fk     reflect.Value // owner's FK field, write-through target; may be invalid
}

// refBinder is how scan and bind code reaches into a Ref without
// knowing T. *Ref[T] implements it.
type refBinder interface {
	bindRef(id any, edge *Edge, fk reflect.Value, s *Session)
	bindResolved(v any, id any)
	refID() any
}

var refBinderType = reflect.TypeOf((*refBinder)(nil)).Elem()

// NewRef builds an unbound reference to an already loaded instance.
// Handy when constructing models by hand before an insert.
func NewRef[T any](v *T) *Ref[T] {
	r := &Ref[T]{}
	if v != nil {
		r.value = v
		r.loaded = true
		info := ParseModel[T]()
		rv := reflect.ValueOf(v)
		if !info.isZeroPK(rv) {
			r.id = normalizeID(info.pkValue(rv))
		}
	}
	return r
}

// NewRefID builds an unbound reference to a raw identifier.
func NewRefID[T any](id any) *Ref[T] {
	return &Ref[T]{id: normalizeID(id)}
}

func (r *Ref[T]) bindRef(id any, edge *Edge, fk reflect.Value, s *Session) {
	r.id = normalizeID(id)
	r.edge = edge
	r.fk = fk
	r.sess = s
	r.loaded = false
	r.value = nil
}

func (r *Ref[T]) bindResolved(v any, id any) {
	if v == nil {
		return
	}
	value, ok := v.(*T)
	if !ok {
		return
	}
	r.value = value
	r.loaded = true
	if id != nil {
		r.id = normalizeID(id)
	}
}

func (r *Ref[T]) refID() any {
	if r.id != nil {
		return r.id
	}
	if r.loaded && r.value != nil {
		info := ParseModel[T]()
		rv := reflect.ValueOf(r.value)
		if !info.isZeroPK(rv) {
			return normalizeID(info.pkValue(rv))
		}
	}
	return nil
}

// ID returns the raw identifier the reference points at, nil when null.
// Reading the identifier never queries the store.
func (r *Ref[T]) ID() any {
	return r.refID()
}

// IsNull reports whether the reference points at nothing.
func (r *Ref[T]) IsNull() bool {
	return r.refID() == nil
}

// Resolved returns the cached target instance without querying,
// reporting whether one is present.
func (r *Ref[T]) Resolved() (*T, bool) {
	return r.value, r.loaded
}

// Get resolves the reference, loading the target row on first call.
// Subsequent calls return the cached instance without touching the
// store. Dereferencing a null reference returns ErrNullRelation.
func (r *Ref[T]) Get(ctx context.Context) (*T, error) {
	if r == nil {
		return nil, ErrNilPointer
	}
	if r.loaded {
		return r.value, nil
	}
	if r.id == nil {
		return nil, WrapRelationError(r.relName(), r.modelName(), ErrNullRelation)
	}
	if r.sess == nil {
		return nil, ErrNoSession
	}

	info := ParseModel[T]()
	v, err := Select[T](r.sess).Filter(info.PrimaryKey, r.id).One(ctx)
	if err != nil {
		return nil, WrapRelationError(r.relName(), r.modelName(), err)
	}
	r.value = v
	r.loaded = true
	return v, nil
}

// Set repoints the reference. Accepts a loaded instance (its primary
// key is extracted), a raw identifier, or nil when the edge is
// nullable. The new identifier is written through to the owning
// struct's foreign key field, and any cached value is dropped.
func (r *Ref[T]) Set(v any) error {
	if v == nil {
		return r.setNull()
	}

	switch t := v.(type) {
	case *T:
		if t == nil {
			return r.setNull()
		}
		return r.setInstance(t)
	case T:
		return r.setInstance(&t)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.String:
	default:
		return WrapRelationError(r.relName(), r.modelName(),
			fmt.Errorf("%w: cannot assign %T as an identifier", ErrInvalidRelation, v))
	}

	r.id = normalizeID(v)
	r.value = nil
	r.loaded = false
	return r.writeFK(r.id)
}

func (r *Ref[T]) setNull() error {
	if r.edge != nil && !r.edge.Nullable {
		return WrapRelationError(r.relName(), r.modelName(),
			fmt.Errorf("%w: relation is not nullable", ErrInvalidRelation))
	}
	r.id = nil
	r.value = nil
	r.loaded = false
	return r.writeFK(nil)
}

func (r *Ref[T]) setInstance(t *T) error {
	info := ParseModel[T]()
	rv := reflect.ValueOf(t)
	if info.isZeroPK(rv) {
		return WrapRelationError(r.relName(), r.modelName(),
			fmt.Errorf("%w: instance has no primary key", ErrInvalidModel))
	}
	r.id = normalizeID(info.pkValue(rv))
	r.value = t
	r.loaded = true
	return r.writeFK(r.id)
}

// writeFK propagates the identifier to the owner's FK struct field so
// a later update persists the change.
func (r *Ref[T]) writeFK(id any) error {
	if !r.fk.IsValid() {
		return nil
	}
	return fillValue(r.fk, id)
}

// Equal compares what two references point at, resolving either side
// if needed. Two null references are equal. References with the same
// identifier are equal without loading.
func (r *Ref[T]) Equal(ctx context.Context, other *Ref[T]) (bool, error) {
	if r == nil || other == nil {
		return r == nil && other == nil, nil
	}
	ra, rb := r.refID(), other.refID()
	if ra == nil && rb == nil {
		return true, nil
	}
	if ra == nil || rb == nil {
		return false, nil
	}
	if compareIDs(ra, rb) {
		return true, nil
	}

	a, err := r.Get(ctx)
	if err != nil {
		return false, err
	}
	b, err := other.Get(ctx)
	if err != nil {
		return false, err
	}
	info := ParseModel[T]()
	return compareIDs(info.pkValue(reflect.ValueOf(a)), info.pkValue(reflect.ValueOf(b))), nil
}

func (r *Ref[T]) relName() string {
	if r.edge != nil {
		return r.edge.Field
	}
	return "ref"
}

func (r *Ref[T]) modelName() string {
	if r.edge != nil && r.edge.owner != nil {
		return r.edge.owner.Type.Name()
	}
	var t T
	return reflect.TypeOf(t).Name()
}

// normalizeID collapses pointer and Valuer wrappers around a foreign
// key value so identifiers compare consistently. Nil pointers and
// invalid Valuers normalize to nil, i.e. a null relation.
func normalizeID(v any) any {
	if v == nil {
		return nil
	}
	if valuer, ok := v.(driver.Valuer); ok {
		dv, err := valuer.Value()
		if err != nil || dv == nil {
			return nil
		}
		return dv
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		return normalizeID(rv.Elem().Interface())
	}
	return v
}

// compareIDs compares identifiers across the numeric widths and text
// forms drivers hand back.
func compareIDs(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return cast.ToString(a) == cast.ToString(b)
}
