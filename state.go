package storebox

import (
	"fmt"
	"reflect"
	"strings"
)

// State is the value owned by a [Store]: a mapping from field name to value.
//
// States are immutable by replacement. Every transition builds a new State
// and the one returned by [Store.GetState] must be treated as read-only;
// mutating it in place bypasses change detection.
type State map[string]any

// Get returns the value of a field and whether the field is present.
func (s State) Get(field string) (any, bool) {
	v, ok := s[field]
	return v, ok
}

// Clone returns a shallow copy of the state.
// Clone of a nil State is an empty, non-nil State.
func (s State) Clone() State {
	cp := make(State, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}

// Fields returns the field names of the state in no particular order.
func (s State) Fields() []string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	return names
}

// merge returns a new State holding current with patch applied on top.
// Neither argument is modified.
func merge(current, patch State) State {
	next := make(State, len(current)+len(patch))
	for k, v := range current {
		next[k] = v
	}
	for k, v := range patch {
		next[k] = v
	}
	return next
}

// toState converts an initial value into a State.
//
// Accepted inputs are State, maps with string keys, structs and non-nil
// pointers to structs. Struct fields are named by their json tag when one
// is present, otherwise by the Go field name; unexported fields and fields
// tagged "-" are skipped.
func toState(initial any) (State, error) {
	switch v := initial.(type) {
	case nil:
		return nil, fmt.Errorf("%w: got nil", ErrInvalidInitialState)
	case State:
		if v == nil {
			return nil, fmt.Errorf("%w: got nil State", ErrInvalidInitialState)
		}
		return v.Clone(), nil
	case map[string]any:
		if v == nil {
			return nil, fmt.Errorf("%w: got nil map", ErrInvalidInitialState)
		}
		return State(v).Clone(), nil
	}

	rv := reflect.ValueOf(initial)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, fmt.Errorf("%w: got nil %s", ErrInvalidInitialState, rv.Type())
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map keys must be strings, got %s", ErrInvalidInitialState, rv.Type().Key())
		}
		if rv.IsNil() {
			return nil, fmt.Errorf("%w: got nil %s", ErrInvalidInitialState, rv.Type())
		}
		st := make(State, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			st[iter.Key().String()] = iter.Value().Interface()
		}
		return st, nil

	case reflect.Struct:
		rt := rv.Type()
		st := make(State, rt.NumField())
		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Name
			if tag, ok := f.Tag.Lookup("json"); ok {
				tagName, _, _ := strings.Cut(tag, ",")
				if tagName == "-" {
					continue
				}
				if tagName != "" {
					name = tagName
				}
			}
			st[name] = rv.Field(i).Interface()
		}
		return st, nil
	}

	return nil, fmt.Errorf("%w: got %T", ErrInvalidInitialState, initial)
}

// Selector projects a derived value out of a [State].
//
// Selectors must be pure: they must not mutate the state and should be cheap,
// since they run once per subscriber per transition. A selector must not
// call [Store.Subscribe] or [Store.Unsubscribe].
type Selector func(State) any

// Listener receives the new derived value of a subscription.
type Listener func(any)

// Whole is a [Selector] that returns the entire state. Because every
// transition yields a new State, change detection falls back to comparing
// the top-level fields.
func Whole(s State) any {
	return s
}

// Field returns a [Selector] that extracts a single field.
// A missing field selects nil.
func Field(name string) Selector {
	return func(s State) any {
		return s[name]
	}
}

// Pick returns a [Selector] that extracts a subset of fields as a new [State].
//
// The returned State is a fresh map on every call, but [Shallow] compares
// maps field by field, so a Pick only reports a change when one of the
// picked fields changed. Missing fields are omitted.
func Pick(names ...string) Selector {
	fields := append([]string(nil), names...)
	return func(s State) any {
		out := make(State, len(fields))
		for _, name := range fields {
			if v, ok := s[name]; ok {
				out[name] = v
			}
		}
		return out
	}
}
