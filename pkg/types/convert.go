package types

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"
)

// FromGo converts a native Go value into a Value. Maps are converted with
// sorted keys since Go map iteration order is random.
func FromGo(x interface{}) (Value, error) {
	return fromGo(x, "$")
}

func fromGo(x interface{}, path string) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case *Object:
		return ObjectValue(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint:
		return fromUint(uint64(t)), nil
	case uint64:
		return fromUint(t), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Binary(t), nil
	case time.Time:
		return Time(t), nil
	case json.Number:
		v, err := numberValue(t)
		if err != nil {
			return Value{}, &UnsupportedValueError{Path: path, Reason: err.Error()}
		}
		return v, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		o := NewObject()
		for _, k := range keys {
			v, err := fromGo(t[k], path+"."+k)
			if err != nil {
				return Value{}, err
			}
			o.Set(k, v)
		}
		return ObjectValue(o), nil
	case []interface{}:
		elems := make([]Value, len(t))
		for i, e := range t {
			v, err := fromGo(e, path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return Value{}, err
			}
			elems[i] = v
		}
		return Array(elems...), nil
	}
	return fromReflect(reflect.ValueOf(x), path)
}

func fromUint(u uint64) Value {
	if u > 1<<63-1 {
		v, _ := Decimal(strconv.FormatUint(u, 10))
		return v
	}
	return Int(int64(u))
}

func fromReflect(rv reflect.Value, path string) (Value, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Null(), nil
		}
		return fromGo(rv.Elem().Interface(), path)
	case reflect.Slice, reflect.Array:
		elems := make([]Value, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			v, err := fromGo(rv.Index(i).Interface(), path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return Value{}, err
			}
			elems[i] = v
		}
		return Array(elems...), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, &UnsupportedValueError{Path: path, Reason: "map key type " + rv.Type().Key().String()}
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		o := NewObject()
		for _, k := range keys {
			v, err := fromGo(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface(), path+"."+k)
			if err != nil {
				return Value{}, err
			}
			o.Set(k, v)
		}
		return ObjectValue(o), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fromUint(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return Float(rv.Float()), nil
	}
	return Value{}, &UnsupportedValueError{Path: path, Reason: fmt.Sprintf("Go type %s", rv.Type())}
}
