// Package types provides the core value model for schemaflow documents and rows.
package types

import (
	"math/big"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindDecimal
	KindBinary
	KindTime
	KindObject
	KindArray
)

var kindNames = [...]string{
	KindNull:    "null",
	KindBool:    "bool",
	KindInt:     "int",
	KindFloat:   "float",
	KindString:  "string",
	KindDecimal: "decimal",
	KindBinary:  "binary",
	KindTime:    "time",
	KindObject:  "object",
	KindArray:   "array",
}

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// IsScalar reports whether the kind is neither an object nor an array.
func (k Kind) IsScalar() bool {
	return k != KindObject && k != KindArray
}

// Value is a closed tagged variant holding one document value.
// The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string // string text, or canonical decimal text
	bin  []byte
	t    time.Time
	obj  *Object
	arr  []Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns a 64-bit integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a float value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Binary returns a binary value. The slice is not copied.
func Binary(b []byte) Value { return Value{kind: KindBinary, bin: b} }

// Time returns a timestamp value normalized to UTC.
func Time(t time.Time) Value { return Value{kind: KindTime, t: t.UTC()} }

// Array returns an array value holding elems.
func Array(elems ...Value) Value {
	if elems == nil {
		elems = []Value{}
	}
	return Value{kind: KindArray, arr: elems}
}

// ObjectValue wraps an Object. A nil object becomes an empty one.
func ObjectValue(o *Object) Value {
	if o == nil {
		o = NewObject()
	}
	return Value{kind: KindObject, obj: o}
}

// Decimal parses text as an exact decimal number.
func Decimal(text string) (Value, error) {
	r, ok := new(big.Rat).SetString(text)
	if !ok {
		return Value{}, &UnsupportedValueError{Reason: "invalid decimal " + strconv.Quote(text)}
	}
	return Value{kind: KindDecimal, s: canonicalDecimal(r, text)}, nil
}

// MustDecimal is like Decimal but panics on malformed input.
func MustDecimal(text string) Value {
	v, err := Decimal(text)
	if err != nil {
		panic(err)
	}
	return v
}

func canonicalDecimal(r *big.Rat, text string) string {
	if r.IsInt() {
		return r.Num().String()
	}
	prec := 18
	if i := strings.IndexByte(text, '.'); i >= 0 && !strings.ContainsAny(text, "eE") {
		prec = len(text) - i - 1
	}
	return strings.TrimRight(r.FloatString(prec), "0")
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean payload.
func (v Value) AsBool() bool { return v.b }

// AsInt returns the integer payload.
func (v Value) AsInt() int64 { return v.i }

// AsFloat returns the float payload.
func (v Value) AsFloat() float64 { return v.f }

// AsString returns the string payload. For decimals it returns the canonical text.
func (v Value) AsString() string { return v.s }

// AsBinary returns the binary payload.
func (v Value) AsBinary() []byte { return v.bin }

// AsTime returns the timestamp payload.
func (v Value) AsTime() time.Time { return v.t }

// AsObject returns the object payload, or nil when v is not an object.
func (v Value) AsObject() *Object { return v.obj }

// AsArray returns the array elements, or nil when v is not an array.
func (v Value) AsArray() []Value { return v.arr }

// DecimalIsInteger reports whether a decimal value has no fractional part.
func (v Value) DecimalIsInteger() bool {
	if v.kind != KindDecimal {
		return false
	}
	r, ok := new(big.Rat).SetString(v.s)
	return ok && r.IsInt()
}

// Object is a string-keyed mapping that preserves key insertion order.
type Object struct {
	keys []string
	vals map[string]Value
}

// NewObject returns an empty object.
func NewObject() *Object {
	return &Object{vals: make(map[string]Value)}
}

// Set assigns key. Re-assigning an existing key keeps its original position.
func (o *Object) Set(key string, v Value) *Object {
	if _, ok := o.vals[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.vals[key] = v
	return o
}

// Get returns the value stored under key.
func (o *Object) Get(key string) (Value, bool) {
	v, ok := o.vals[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (o *Object) Keys() []string { return o.keys }

// Len returns the number of keys.
func (o *Object) Len() int { return len(o.keys) }

// Field is a key/value pair of an object.
type Field struct {
	Key   string
	Value Value
}

// Fields returns the fields in insertion order.
func (o *Object) Fields() []Field {
	fields := make([]Field, len(o.keys))
	for i, k := range o.keys {
		fields[i] = Field{Key: k, Value: o.vals[k]}
	}
	return fields
}

// ObjectOf builds an object value from alternating key/value pairs.
// It is mostly useful in tests.
func ObjectOf(kv ...interface{}) Value {
	o := NewObject()
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		v, err := FromGo(kv[i+1])
		if err != nil {
			panic(err)
		}
		o.Set(key, v)
	}
	return ObjectValue(o)
}
