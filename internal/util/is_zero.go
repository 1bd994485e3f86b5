package util

import "reflect"

func IsZero(i interface{}) bool {
	return IsZeroVal(reflect.ValueOf(i))
}

// IsZeroVal reports whether v holds zero value of its type.
// Unlike comparison via interface, it works for structs with slices and funcs.
func IsZeroVal(v reflect.Value) bool {
	return v.IsZero()
}
