// Package reflector derives stable payload type names from Go types.
package reflector

import (
	"reflect"
	"sync"
)

var (
	muCache sync.RWMutex
	cache   = make(map[reflect.Type]string)
)

// PayloadTypeOf returns the payload type name for x, dereferencing
// pointers so *T and T map to the same name.
func PayloadTypeOf(x any) string {
	return payloadTypeForType(reflect.TypeOf(x))
}

// PayloadTypeFor returns the payload type name for T.
func PayloadTypeFor[T any]() string {
	return payloadTypeForType(reflect.TypeOf((*T)(nil)).Elem())
}

func payloadTypeForType(t reflect.Type) string {
	muCache.RLock()
	name, ok := cache[t]
	muCache.RUnlock()
	if ok {
		return name
	}

	if t == nil {
		return ""
	}
	e := t
	if e.Kind() == reflect.Pointer {
		e = e.Elem()
	}
	name = e.PkgPath() + "." + e.Name()

	muCache.Lock()
	cache[t] = name
	muCache.Unlock()
	return name
}
