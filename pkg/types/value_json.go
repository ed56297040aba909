package types

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"
)

// FromJSON decodes a single JSON value. Object key order is preserved.
func FromJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := DecodeValue(dec)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, fmt.Errorf("types: trailing data after JSON value")
	}
	return v, nil
}

type decodeFrame struct {
	obj     *Object
	arr     []Value
	key     string
	haveKey bool
}

// DecodeValue reads the next JSON value from dec. The decoder should have
// UseNumber enabled so integers keep full precision. Nesting is handled with an
// explicit stack, so arbitrarily deep input does not grow the goroutine stack.
func DecodeValue(dec *json.Decoder) (Value, error) {
	var stack []*decodeFrame

	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF && len(stack) > 0 {
				return Value{}, io.ErrUnexpectedEOF
			}
			return Value{}, err
		}

		var (
			v    Value
			done bool
		)

		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{':
				stack = append(stack, &decodeFrame{obj: NewObject()})
				continue
			case '[':
				stack = append(stack, &decodeFrame{arr: []Value{}})
				continue
			case '}', ']':
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if top.obj != nil {
					v = ObjectValue(top.obj)
				} else {
					v = Array(top.arr...)
				}
				done = true
			}
		case string:
			if n := len(stack); n > 0 && stack[n-1].obj != nil && !stack[n-1].haveKey {
				stack[n-1].key = t
				stack[n-1].haveKey = true
				continue
			}
			v, done = String(t), true
		case json.Number:
			v, err = numberValue(t)
			if err != nil {
				return Value{}, err
			}
			done = true
		case float64:
			v, done = Float(t), true
		case bool:
			v, done = Bool(t), true
		case nil:
			v, done = Null(), true
		default:
			return Value{}, &UnsupportedValueError{Reason: fmt.Sprintf("unexpected JSON token %T", tok)}
		}

		if !done {
			continue
		}
		if len(stack) == 0 {
			return v, nil
		}
		top := stack[len(stack)-1]
		if top.obj != nil {
			top.obj.Set(top.key, v)
			top.haveKey = false
		} else {
			top.arr = append(top.arr, v)
		}
	}
}

func numberValue(n json.Number) (Value, error) {
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return Int(i), nil
	}
	if isIntegerLiteral(string(n)) {
		// integer that does not fit in 64 bits
		return Decimal(string(n))
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return Value{}, &UnsupportedValueError{Reason: "invalid number " + string(n)}
	}
	return Float(f), nil
}

func isIntegerLiteral(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '-' {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// MarshalJSON encodes v as JSON, keeping object key order.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes JSON into v.
func (v *Value) UnmarshalJSON(data []byte) error {
	decoded, err := FromJSON(data)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

type encodeFrame struct {
	fields []Field
	elems  []Value
	isObj  bool
	next   int
}

func (v Value) encode(buf *bytes.Buffer) error {
	var stack []*encodeFrame

	open := func(val Value) error {
		switch val.kind {
		case KindObject:
			buf.WriteByte('{')
			stack = append(stack, &encodeFrame{fields: val.obj.Fields(), isObj: true})
		case KindArray:
			buf.WriteByte('[')
			stack = append(stack, &encodeFrame{elems: val.arr})
		default:
			return writeScalarJSON(buf, val)
		}
		return nil
	}

	if err := open(v); err != nil {
		return err
	}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		n := len(top.elems)
		if top.isObj {
			n = len(top.fields)
		}
		if top.next >= n {
			if top.isObj {
				buf.WriteByte('}')
			} else {
				buf.WriteByte(']')
			}
			stack = stack[:len(stack)-1]
			continue
		}
		if top.next > 0 {
			buf.WriteByte(',')
		}
		var child Value
		if top.isObj {
			f := top.fields[top.next]
			key, _ := json.Marshal(f.Key)
			buf.Write(key)
			buf.WriteByte(':')
			child = f.Value
		} else {
			child = top.elems[top.next]
		}
		top.next++
		if err := open(child); err != nil {
			return err
		}
	}
	return nil
}

func writeScalarJSON(buf *bytes.Buffer, v Value) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindInt:
		buf.WriteString(strconv.FormatInt(v.i, 10))
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return &UnsupportedValueError{Reason: "non-finite float"}
		}
		buf.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
	case KindDecimal:
		buf.WriteString(v.s)
	case KindString:
		b, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindBinary:
		buf.WriteByte('"')
		buf.WriteString(base64.StdEncoding.EncodeToString(v.bin))
		buf.WriteByte('"')
	case KindTime:
		buf.WriteByte('"')
		buf.WriteString(v.t.Format(time.RFC3339Nano))
		buf.WriteByte('"')
	}
	return nil
}

// ToGo converts v into plain Go values: map[string]interface{} for objects,
// []interface{} for arrays, json.Number for decimals.
func (v Value) ToGo() interface{} {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindDecimal:
		return json.Number(v.s)
	case KindBinary:
		return v.bin
	case KindTime:
		return v.t
	case KindObject:
		m := make(map[string]interface{}, v.obj.Len())
		for _, f := range v.obj.Fields() {
			m[f.Key] = f.Value.ToGo()
		}
		return m
	case KindArray:
		out := make([]interface{}, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.ToGo()
		}
		return out
	}
	return nil
}
