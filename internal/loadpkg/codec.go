package loadpkg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/schemaflow/schemaflow/pkg/types"
)

// Format is the row block encoding of segment files.
type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

// ParseFormat parses a row format name.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatMsgpack:
		return FormatMsgpack, nil
	}
	return "", fmt.Errorf("loadpkg: unknown row format %q (must be json or msgpack)", s)
}

// Codec encodes blocks of rows.
type Codec interface {
	Format() Format
	Encode(rows []types.Row) ([]byte, error)
	Decode(data []byte) ([]types.Row, error)
}

// CodecFor returns the codec of f.
func CodecFor(f Format) (Codec, error) {
	switch f {
	case "", FormatJSON:
		return jsonCodec{}, nil
	case FormatMsgpack:
		return msgpackCodec{}, nil
	}
	return nil, fmt.Errorf("loadpkg: unknown row format %q", f)
}

type jsonCodec struct{}

func (jsonCodec) Format() Format { return FormatJSON }

func (jsonCodec) Encode(rows []types.Row) ([]byte, error) {
	return json.Marshal(rows)
}

// Decode returns integers as int64 and other numbers as float64. A number
// that float64 cannot carry exactly stays a json.Number. Timestamps and
// binary values come back in their JSON string form.
func (jsonCodec) Decode(data []byte) ([]types.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rows []types.Row
	if err := dec.Decode(&rows); err != nil {
		return nil, err
	}
	for _, r := range rows {
		for k, v := range r {
			r[k] = fromJSONNumbers(v)
		}
	}
	return rows, nil
}

func fromJSONNumbers(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil && exactFloat(f, x) {
			return f
		}
		return x
	case map[string]interface{}:
		for k, e := range x {
			x[k] = fromJSONNumbers(e)
		}
		return x
	case []interface{}:
		for i, e := range x {
			x[i] = fromJSONNumbers(e)
		}
		return x
	}
	return v
}

// exactFloat reports whether f encodes back to the literal n.
func exactFloat(f float64, n json.Number) bool {
	b, err := json.Marshal(f)
	return err == nil && string(b) == string(n)
}

type msgpackCodec struct{}

func (msgpackCodec) Format() Format { return FormatMsgpack }

func (msgpackCodec) Encode(rows []types.Row) ([]byte, error) {
	return msgpack.Marshal(rows)
}

func (msgpackCodec) Decode(data []byte) ([]types.Row, error) {
	var rows []types.Row
	if err := msgpack.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
