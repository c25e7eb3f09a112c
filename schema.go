package sqliter

import (
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/spf13/cast"
)

// ModelInfo holds the reflection data for a model struct.
type ModelInfo struct {
	Type       reflect.Type
	TableName  string
	PrimaryKey string
	Fields     map[string]*FieldInfo    // StructFieldName -> FieldInfo
	Columns    map[string]*FieldInfo    // DBColumnName -> FieldInfo
	Accessors  map[string]*AccessorInfo // StructFieldName -> relationship accessor
	ColumnList []string                 // column names in struct declaration order
}

// FieldInfo holds data about a single persisted field in the model.
type FieldInfo struct {
	Name      string // Struct field name
	Column    string // DB column name
	IsPrimary bool
	FieldType reflect.Type
	Index     []int // Index path for nested fields (if we support embedding)
}

// AccessorInfo describes a relationship accessor field, i.e. a *Ref[T]
// or *RelSet[T] struct field. Accessor fields are never persisted.
type AccessorInfo struct {
	Name      string // Struct field name
	Index     []int
	IsSet     bool // true for *RelSet[T], false for *Ref[T]
	FieldType reflect.Type
}

var (
	modelCache = make(map[reflect.Type]*ModelInfo)
	cacheMu    sync.RWMutex

	timeType = reflect.TypeOf(time.Time{})
)

// ParseModel inspects the struct T and returns its metadata.
func ParseModel[T any]() *ModelInfo {
	var t T
	typ := reflect.TypeOf(t)
	return ParseModelType(typ)
}

// ParseModelType inspects the type and returns its metadata.
func ParseModelType(typ reflect.Type) *ModelInfo {
	// Handle pointer types
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		// Models must be structs; panic is safer for dev feedback.
		panic("sqliter: model type must be a struct")
	}

	cacheMu.RLock()
	if info, ok := modelCache[typ]; ok {
		cacheMu.RUnlock()
		return info
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()

	// Double check locking
	if info, ok := modelCache[typ]; ok {
		return info
	}

	info := &ModelInfo{
		Type:      typ,
		Fields:    make(map[string]*FieldInfo),
		Columns:   make(map[string]*FieldInfo),
		Accessors: make(map[string]*AccessorInfo),
	}

	// 1. Determine Table Name
	// We need a pointer to T to call methods if the receiver is a pointer.
	ptrVal := reflect.New(typ)
	if tableNameer, ok := ptrVal.Interface().(interface{ TableName() string }); ok {
		info.TableName = tableNameer.TableName()
	} else {
		info.TableName = plural.Plural(strcase.ToSnake(typ.Name()))
	}

	// 2. Determine Primary Key
	if primaryKeyer, ok := ptrVal.Interface().(interface{ PrimaryKey() string }); ok {
		info.PrimaryKey = primaryKeyer.PrimaryKey()
	} else {
		info.PrimaryKey = "id" // Default
	}

	// 3. Parse Fields
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)

		// Skip unexported fields
		if field.PkgPath != "" {
			continue
		}

		// Skip fields with sqliter:"-"
		tag := field.Tag.Get("sqliter")
		if tag == "-" {
			continue
		}

		// Relationship accessor fields are bound, not scanned.
		if field.Type.Implements(refBinderType) {
			info.Accessors[field.Name] = &AccessorInfo{
				Name:      field.Name,
				Index:     field.Index,
				IsSet:     false,
				FieldType: field.Type,
			}
			continue
		}
		if field.Type.Implements(setBinderType) {
			info.Accessors[field.Name] = &AccessorInfo{
				Name:      field.Name,
				Index:     field.Index,
				IsSet:     true,
				FieldType: field.Type,
			}
			continue
		}

		dbCol := strcase.ToSnake(field.Name)
		isPrimary := false

		// Parse tag
		if tag != "" {
			parts := strings.Split(tag, ";")
			for _, part := range parts {
				kv := strings.Split(part, ":")
				key := strings.TrimSpace(kv[0])
				val := ""
				if len(kv) > 1 {
					val = strings.TrimSpace(kv[1])
				}

				switch key {
				case "column":
					dbCol = val
				case "primary":
					isPrimary = true
				}
			}
		}

		// If field name is "ID" and no tag specified, it's primary
		if field.Name == "ID" && !isPrimary {
			isPrimary = true
		}

		// Override model primary key if found on field
		if isPrimary {
			info.PrimaryKey = dbCol
		}

		fInfo := &FieldInfo{
			Name:      field.Name,
			Column:    dbCol,
			IsPrimary: isPrimary,
			FieldType: field.Type,
			Index:     field.Index,
		}

		info.Fields[field.Name] = fInfo
		info.Columns[dbCol] = fInfo
		info.ColumnList = append(info.ColumnList, dbCol)
	}

	modelCache[typ] = info
	return info
}

// pkField returns the FieldInfo of the primary key column, nil if the
// struct declares no matching field.
func (mi *ModelInfo) pkField() *FieldInfo {
	return mi.Columns[mi.PrimaryKey]
}

// pkValue reads the primary key out of a struct value.
func (mi *ModelInfo) pkValue(v reflect.Value) any {
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	f := mi.pkField()
	if f == nil {
		return nil
	}
	return v.FieldByIndex(f.Index).Interface()
}

// isZeroPK reports whether the primary key of a struct value is unset.
func (mi *ModelInfo) isZeroPK(v reflect.Value) bool {
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	f := mi.pkField()
	if f == nil {
		return true
	}
	return v.FieldByIndex(f.Index).IsZero()
}

// fillValue assigns a scanned database value to a struct field,
// coercing across the type gap that database/sql leaves open (int64
// into int, []byte into string, text into time.Time, and so on).
func fillValue(dst reflect.Value, v any) error {
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}

	if dst.Kind() == reflect.Ptr {
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return fillValue(dst.Elem(), v)
	}

	if dst.CanAddr() {
		if scanner, ok := dst.Addr().Interface().(sql.Scanner); ok {
			return scanner.Scan(v)
		}
	}

	switch dst.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := cast.ToInt64E(v)
		if err != nil {
			return err
		}
		dst.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := cast.ToUint64E(v)
		if err != nil {
			return err
		}
		dst.SetUint(n)
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return err
		}
		dst.SetFloat(f)
		return nil
	case reflect.Bool:
		b, err := cast.ToBoolE(v)
		if err != nil {
			return err
		}
		dst.SetBool(b)
		return nil
	case reflect.String:
		if b, ok := v.([]byte); ok {
			dst.SetString(string(b))
			return nil
		}
		s, err := cast.ToStringE(v)
		if err != nil {
			return err
		}
		dst.SetString(s)
		return nil
	}

	if dst.Type() == timeType {
		t, err := cast.ToTimeE(v)
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(t))
		return nil
	}

	sv := reflect.ValueOf(v)
	if sv.Type().ConvertibleTo(dst.Type()) {
		dst.Set(sv.Convert(dst.Type()))
		return nil
	}

	return fmt.Errorf("sqliter: cannot assign %T to field of type %s", v, dst.Type())
}

// fillStructValue populates a struct (given as an addressable struct
// value) from a column -> value map.
func fillStructValue(info *ModelInfo, dst reflect.Value, data map[string]any) error {
	if dst.Kind() == reflect.Ptr {
		dst = dst.Elem()
	}
	for col, v := range data {
		f, ok := info.Columns[col]
		if !ok {
			continue
		}
		if err := fillValue(dst.FieldByIndex(f.Index), v); err != nil {
			return fmt.Errorf("sqliter: column %s: %w", col, err)
		}
	}
	return nil
}
