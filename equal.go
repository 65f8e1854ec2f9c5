package storebox

import (
	"math"
	"reflect"
)

// Shallow reports whether two derived values are the same for the purpose of
// change detection.
//
// Values of different dynamic types are never equal. Maps, slices and arrays
// are compared element by element and structs field by field, each element
// with the following rule:
//
//   - booleans, numbers and strings compare by value (NaN equals NaN)
//   - maps, slices, pointers, channels and funcs compare by identity
//   - nested structs and arrays compare element-wise with this same rule
//
// Nested maps and slices that are distinct but hold equal contents are
// therefore different. Callers that want fewer notifications should select
// values that keep their identity (a single field, or a [Pick] of fields)
// rather than building new composites in a selector.
//
// Funcs compare by code pointer, so two closures over the same function
// literal are considered the same.
func Shallow(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if same(va, vb) {
		return true
	}
	if !va.IsValid() || !vb.IsValid() || va.Type() != vb.Type() {
		return false
	}

	switch va.Kind() {
	case reflect.Map:
		if va.IsNil() != vb.IsNil() || va.Len() != vb.Len() {
			return false
		}
		iter := va.MapRange()
		for iter.Next() {
			w := vb.MapIndex(iter.Key())
			if !w.IsValid() || !same(iter.Value(), w) {
				return false
			}
		}
		return true

	case reflect.Slice:
		if va.IsNil() != vb.IsNil() || va.Len() != vb.Len() {
			return false
		}
		for i := 0; i < va.Len(); i++ {
			if !same(va.Index(i), vb.Index(i)) {
				return false
			}
		}
		return true
	}

	// structs and arrays were already compared element-wise by same
	return false
}

// same applies the element rule described on [Shallow].
func same(a, b reflect.Value) bool {
	if !a.IsValid() || !b.IsValid() {
		return a.IsValid() == b.IsValid()
	}
	if a.Type() != b.Type() {
		return false
	}

	switch a.Kind() {
	case reflect.Interface:
		if a.IsNil() || b.IsNil() {
			return a.IsNil() && b.IsNil()
		}
		return same(a.Elem(), b.Elem())
	case reflect.Map, reflect.Pointer, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return a.Pointer() == b.Pointer()
	case reflect.Slice:
		return a.Pointer() == b.Pointer() && a.Len() == b.Len()
	case reflect.Bool:
		return a.Bool() == b.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return a.Int() == b.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return a.Uint() == b.Uint()
	case reflect.Float32, reflect.Float64:
		x, y := a.Float(), b.Float()
		return x == y || (math.IsNaN(x) && math.IsNaN(y))
	case reflect.Complex64, reflect.Complex128:
		return a.Complex() == b.Complex()
	case reflect.String:
		return a.String() == b.String()
	case reflect.Array:
		for i := 0; i < a.Len(); i++ {
			if !same(a.Index(i), b.Index(i)) {
				return false
			}
		}
		return true
	case reflect.Struct:
		for i := 0; i < a.NumField(); i++ {
			if !same(a.Field(i), b.Field(i)) {
				return false
			}
		}
		return true
	}
	return false
}
