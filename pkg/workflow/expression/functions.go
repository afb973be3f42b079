package expression

import (
	"fmt"
	"reflect"
	"strings"
)

// Runtime helpers exposed to conditions. expr reserves "contains" for its
// string operator, so membership checks go by has/includes instead.

// containsFunc reports whether a collection holds a value: slices by deep
// equality, maps by key presence, strings by substring. Anything else is
// false rather than an error, so conditions stay total over messy payloads.
func containsFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("has requires exactly 2 arguments, got %d", len(args))
	}
	haystack, needle := args[0], args[1]

	// Callback payloads decode to these shapes almost exclusively.
	switch c := haystack.(type) {
	case nil:
		return false, nil
	case string:
		s, ok := needle.(string)
		return ok && s != "" && strings.Contains(c, s), nil
	case []interface{}:
		for _, elem := range c {
			if reflect.DeepEqual(elem, needle) {
				return true, nil
			}
		}
		return false, nil
	case map[string]interface{}:
		key, ok := needle.(string)
		if !ok {
			return false, nil
		}
		_, present := c[key]
		return present, nil
	}

	v := reflect.ValueOf(haystack)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if reflect.DeepEqual(v.Index(i).Interface(), needle) {
				return true, nil
			}
		}
	case reflect.Map:
		k := reflect.ValueOf(needle)
		if k.IsValid() && k.Type().AssignableTo(v.Type().Key()) {
			return v.MapIndex(k).IsValid(), nil
		}
	}
	return false, nil
}

// lenFunc returns the element count of a collection or the byte length of a
// string. nil counts as empty.
func lenFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("length requires exactly 1 argument, got %d", len(args))
	}
	if args[0] == nil {
		return 0, nil
	}

	v := reflect.ValueOf(args[0])
	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return v.Len(), nil
	}
	return nil, fmt.Errorf("length: unsupported type %T", args[0])
}
