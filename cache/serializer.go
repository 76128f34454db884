package cache

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/xypriss/xypriss/log"
)

// bytesSentinel marks a raw byte value inside the JSON stream so []byte
// round-trips without being mistaken for a string.
const bytesSentinel = "__xypriss_bytes__"

// circularSentinel replaces a cycle found during traversal. Documented
// lossy behaviour; callers that require fidelity must pre-flatten.
const circularSentinel = "[Circular]"

// maxStringLength is the limit above which strings pass through unchanged
// but are excluded from compression.
const maxStringLength = 1 << 20

// serialize encodes a value as JSON. Byte slices are wrapped in a sentinel
// object; cycles are detected and replaced with the literal "[Circular]".
func serialize(key string, value interface{}) ([]byte, error) {
	flat := flatten(value, map[uintptr]struct{}{})
	b, err := json.Marshal(flat)
	if err != nil {
		return nil, &SerializationError{Key: key, Err: err}
	}
	return b, nil
}

// deserialize is the inverse of serialize.
func deserialize(key string, data []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &SerializationError{Key: key, Err: err}
	}
	return unwrapBytes(v), nil
}

func unwrapBytes(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		if enc, ok := x[bytesSentinel].(string); ok && len(x) == 1 {
			if raw, err := base64.StdEncoding.DecodeString(enc); err == nil {
				return raw
			}
		}
		for k, val := range x {
			x[k] = unwrapBytes(val)
		}
		return x
	case []interface{}:
		for i, val := range x {
			x[i] = unwrapBytes(val)
		}
		return x
	}
	return v
}

// flatten converts value into a JSON-encodable tree, tracking visited
// pointers to break cycles.
func flatten(value interface{}, seen map[uintptr]struct{}) interface{} {
	if value == nil {
		return nil
	}
	if b, ok := value.([]byte); ok {
		return map[string]interface{}{bytesSentinel: base64.StdEncoding.EncodeToString(b)}
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		if rv.Kind() == reflect.Ptr {
			addr := rv.Pointer()
			if _, ok := seen[addr]; ok {
				log.Debugf("cache: circular reference replaced with %q", circularSentinel)
				return circularSentinel
			}
			seen[addr] = struct{}{}
			defer delete(seen, addr)
		}
		return flatten(rv.Elem().Interface(), seen)
	case reflect.Map:
		addr := rv.Pointer()
		if _, ok := seen[addr]; ok {
			log.Debugf("cache: circular reference replaced with %q", circularSentinel)
			return circularSentinel
		}
		seen[addr] = struct{}{}
		defer delete(seen, addr)
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprintf("%v", iter.Key().Interface())] = flatten(iter.Value().Interface(), seen)
		}
		return out
	case reflect.Slice:
		addr := rv.Pointer()
		if _, ok := seen[addr]; ok {
			log.Debugf("cache: circular reference replaced with %q", circularSentinel)
			return circularSentinel
		}
		seen[addr] = struct{}{}
		defer delete(seen, addr)
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = flatten(rv.Index(i).Interface(), seen)
		}
		return out
	case reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = flatten(rv.Index(i).Interface(), seen)
		}
		return out
	case reflect.Struct:
		out := make(map[string]interface{})
		rt := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			f := rt.Field(i)
			if f.PkgPath != "" {
				continue
			}
			name := f.Name
			if tag, ok := f.Tag.Lookup("json"); ok {
				if tag == "-" {
					continue
				}
				if idx := indexComma(tag); idx > 0 {
					name = tag[:idx]
				} else if tag != "" && idx != 0 {
					name = tag
				}
			}
			out[name] = flatten(rv.Field(i).Interface(), seen)
		}
		return out
	}
	return value
}

func indexComma(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			return i
		}
	}
	return -1
}
