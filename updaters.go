package storebox

import (
	"fmt"
	"math"
	"reflect"
)

// Set returns an [Updater] that always patches the given fields.
// The patch is copied when Set is called.
//
// Example:
//
//	resetCart := storebox.Set(storebox.State{"items": 0})
func Set(patch State) Updater {
	fixed := patch.Clone()
	return func(State) (State, error) {
		return fixed, nil
	}
}

// Increment returns an [Updater] that adds delta to a numeric field.
//
// The field keeps its numeric type: an int stays an int, a float64 stays a
// float64. A missing or nil field counts as zero. Integer fields reject
// fractional deltas, unsigned fields reject results below zero, and
// non-numeric fields fail with an error.
//
// Example:
//
//	addItem := storebox.Increment("items", 1)
func Increment(field string, delta float64) Updater {
	return func(s State) (State, error) {
		v, err := addNumber(s[field], delta)
		if err != nil {
			return nil, fmt.Errorf("increment %q: %w", field, err)
		}
		return State{field: v}, nil
	}
}

// Clamp returns an [Updater] that keeps a numeric field within [min, max].
//
// Use math.Inf to leave one side open. A value already inside the range
// yields an empty patch. Combined with [Increment] through [Chain] this gives
// counters with a floor:
//
//	removeItem := storebox.Chain(
//	    storebox.Increment("items", -1),
//	    storebox.Clamp("items", 0, math.Inf(1)),
//	)
func Clamp(field string, min, max float64) Updater {
	return func(s State) (State, error) {
		if min > max {
			return nil, fmt.Errorf("clamp %q: min %v greater than max %v", field, min, max)
		}
		v, ok := s[field]
		if !ok || v == nil {
			return nil, nil
		}
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("clamp %q: %w", field, err)
		}
		switch {
		case f < min:
			f = min
		case f > max:
			f = max
		default:
			return nil, nil
		}
		clamped, err := numberLike(v, f)
		if err != nil {
			return nil, fmt.Errorf("clamp %q: %w", field, err)
		}
		return State{field: clamped}, nil
	}
}

// Toggle returns an [Updater] that flips a field between two values.
//
// If the field currently equals a (under [Shallow]) it becomes b, otherwise it
// becomes a.
//
// Example:
//
//	toggleTheme := storebox.Toggle("theme", "light", "dark")
//	toggleOpen := storebox.Toggle("open", false, true)
func Toggle(field string, a, b any) Updater {
	return func(s State) (State, error) {
		if Shallow(s[field], a) {
			return State{field: b}, nil
		}
		return State{field: a}, nil
	}
}

// Chain returns an [Updater] that runs several updaters in sequence.
//
// Each updater sees the state produced by the ones before it, and the
// resulting patches are merged into one, so the whole chain produces a
// single transition. The first error aborts the chain.
func Chain(updaters ...Updater) Updater {
	return func(s State) (State, error) {
		working := s
		patch := State{}
		for _, u := range updaters {
			if u == nil {
				continue
			}
			p, err := u(working)
			if err != nil {
				return nil, err
			}
			if len(p) == 0 {
				continue
			}
			working = merge(working, p)
			for k, v := range p {
				patch[k] = v
			}
		}
		return patch, nil
	}
}

// addNumber adds delta to v keeping v's numeric type.
//
// Integer values are summed in int64 or uint64, never through float64, so
// counters beyond 2^53 stay exact. Results that do not fit the type fail.
func addNumber(v any, delta float64) (any, error) {
	if v == nil {
		if delta != math.Trunc(delta) {
			return delta, nil
		}
		d, err := wholeDelta(delta)
		if err != nil {
			return nil, err
		}
		return int(d), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		d, err := wholeDelta(delta)
		if err != nil {
			return nil, err
		}
		n := rv.Int()
		sum := n + d
		if (d > 0 && sum < n) || (d < 0 && sum > n) {
			return nil, fmt.Errorf("%d%+d overflows %s", n, d, rv.Type())
		}
		return intLike(rv, sum)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		d, err := wholeDelta(delta)
		if err != nil {
			return nil, err
		}
		u := rv.Uint()
		if d < 0 {
			// two's complement negation is exact for math.MinInt64 too
			m := uint64(-d)
			if m > u {
				return nil, fmt.Errorf("%d%+d is negative for %s", u, d, rv.Type())
			}
			return uintLike(rv, u-m)
		}
		sum := u + uint64(d)
		if sum < u {
			return nil, fmt.Errorf("%d%+d overflows %s", u, d, rv.Type())
		}
		return uintLike(rv, sum)

	case reflect.Float32, reflect.Float64:
		return numberLike(v, rv.Float()+delta)
	}
	return nil, fmt.Errorf("value %v (%T) is not a number", v, v)
}

// wholeDelta converts a delta applied to an integer field to int64.
func wholeDelta(delta float64) (int64, error) {
	if delta != math.Trunc(delta) {
		return 0, fmt.Errorf("fractional delta %v for integer value", delta)
	}
	// float64(math.MaxInt64) rounds up to 2^63, which is out of range
	if delta >= math.Ldexp(1, 63) || delta < -math.Ldexp(1, 63) {
		return 0, fmt.Errorf("delta %v out of integer range", delta)
	}
	return int64(delta), nil
}

func intLike(rv reflect.Value, n int64) (any, error) {
	out := reflect.New(rv.Type()).Elem()
	if out.OverflowInt(n) {
		return nil, fmt.Errorf("%d overflows %s", n, rv.Type())
	}
	out.SetInt(n)
	return out.Interface(), nil
}

func uintLike(rv reflect.Value, n uint64) (any, error) {
	out := reflect.New(rv.Type()).Elem()
	if out.OverflowUint(n) {
		return nil, fmt.Errorf("%d overflows %s", n, rv.Type())
	}
	out.SetUint(n)
	return out.Interface(), nil
}

// toFloat converts any Go numeric value to float64.
func toFloat(v any) (float64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}
	return 0, fmt.Errorf("value %v (%T) is not a number", v, v)
}

// numberLike returns f converted to the dynamic type of like.
func numberLike(like any, f float64) (any, error) {
	rv := reflect.ValueOf(like)
	out := reflect.New(rv.Type()).Elem()

	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := int64(f)
		if out.OverflowInt(n) || float64(n) != math.Trunc(f) {
			return nil, fmt.Errorf("%v overflows %s", f, rv.Type())
		}
		out.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if f < 0 {
			return nil, fmt.Errorf("%v is negative for %s", f, rv.Type())
		}
		n := uint64(f)
		if out.OverflowUint(n) {
			return nil, fmt.Errorf("%v overflows %s", f, rv.Type())
		}
		out.SetUint(n)
	case reflect.Float32, reflect.Float64:
		out.SetFloat(f)
	default:
		return nil, fmt.Errorf("value %v (%T) is not a number", like, like)
	}
	return out.Interface(), nil
}
