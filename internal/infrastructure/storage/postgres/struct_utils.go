package postgres

import (
	"reflect"
	"sync"
)

// column is one "db"-tagged field, addressed by its index path so fields of
// embedded structs are reached without recursion at call time.
type column struct {
	name  string
	index []int
}

// columnCache maps a struct reflect.Type to its []column.
var columnCache sync.Map

// columnsOf returns the tagged columns of t in field order, computed once per type.
// Non-struct types have none.
func columnsOf(t reflect.Type) []column {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}

	if cached, ok := columnCache.Load(t); ok {
		return cached.([]column)
	}
	cols := appendColumns(nil, t, nil)
	columnCache.Store(t, cols)
	return cols
}

func appendColumns(cols []column, t reflect.Type, prefix []int) []column {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		path := append(append([]int(nil), prefix...), i)

		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			cols = appendColumns(cols, field.Type, path)
			continue
		}

		tag := field.Tag.Get("db")
		if tag == "" || tag == "-" || !field.IsExported() {
			continue
		}
		cols = append(cols, column{name: tag, index: path})
	}
	return cols
}

// ExtractDBColumns returns the "db" tag names of T in field order, including
// those of embedded structs.
//
// Usage:
//
//	columns := ExtractDBColumns[account.Account]()
//	// Returns: ["id", "owner", "amount"]
func ExtractDBColumns[T any]() []string {
	cols := columnsOf(reflect.TypeFor[T]())
	if cols == nil {
		return nil
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
	}
	return names
}

// StructToMap converts a struct (or pointer to one) into column → value, for
// squirrel's SetMap. Fields without a "db" tag or tagged "-" are skipped.
func StructToMap(v any) map[string]any {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	cols := columnsOf(rv.Type())
	res := make(map[string]any, len(cols))
	for _, c := range cols {
		res[c.name] = rv.FieldByIndex(c.index).Interface()
	}
	return res
}
