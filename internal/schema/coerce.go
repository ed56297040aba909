package schema

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/schemaflow/schemaflow/pkg/types"
)

// ErrCannotCoerce is returned when a value has no lossless representation in
// the requested data type.
var ErrCannotCoerce = errors.New("cannot coerce value")

func cannotCoerce(v types.Value, to DataType) error {
	return fmt.Errorf("%w: %s to %s", ErrCannotCoerce, v.Kind(), to)
}

var timeOfDayLayouts = []string{"15:04:05.999999999", "15:04:05", "15:04"}

// Coerce converts a non-null value into the row representation of data type
// to. Nulls must be handled by the caller.
func Coerce(v types.Value, to DataType) (interface{}, error) {
	switch to {
	case TypeText:
		return coerceText(v)
	case TypeBigint:
		return coerceBigint(v)
	case TypeDouble:
		return coerceDouble(v)
	case TypeBool:
		switch v.Kind() {
		case types.KindBool:
			return v.AsBool(), nil
		case types.KindString:
			switch strings.ToLower(strings.TrimSpace(v.AsString())) {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
		}
	case TypeTimestamp:
		return coerceTimestamp(v)
	case TypeDate:
		switch v.Kind() {
		case types.KindTime:
			t := v.AsTime()
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		case types.KindString:
			if t, ok := ParseISODate(strings.TrimSpace(v.AsString())); ok {
				return t, nil
			}
		}
	case TypeTime:
		if v.Kind() == types.KindString {
			s := strings.TrimSpace(v.AsString())
			for _, layout := range timeOfDayLayouts {
				if t, err := time.Parse(layout, s); err == nil {
					return t.Format("15:04:05.999999999"), nil
				}
			}
		}
	case TypeDecimal:
		return coerceDecimal(v)
	case TypeWei:
		switch v.Kind() {
		case types.KindInt:
			return json.Number(strconv.FormatInt(v.AsInt(), 10)), nil
		case types.KindDecimal:
			if v.DecimalIsInteger() {
				return json.Number(v.AsString()), nil
			}
		case types.KindString:
			s := strings.TrimSpace(v.AsString())
			if n, ok := new(big.Int).SetString(s, 10); ok {
				return json.Number(n.String()), nil
			}
		}
	case TypeBinary:
		switch v.Kind() {
		case types.KindBinary:
			return v.AsBinary(), nil
		case types.KindString:
			if b, err := base64.StdEncoding.DecodeString(v.AsString()); err == nil {
				return b, nil
			}
			if b, err := base64.RawStdEncoding.DecodeString(v.AsString()); err == nil {
				return b, nil
			}
		}
	case TypeComplex:
		return v.ToGo(), nil
	default:
		return nil, fmt.Errorf("schema: unknown data type %q", to)
	}
	return nil, cannotCoerce(v, to)
}

func coerceText(v types.Value) (interface{}, error) {
	switch v.Kind() {
	case types.KindString:
		return v.AsString(), nil
	case types.KindBool:
		return strconv.FormatBool(v.AsBool()), nil
	case types.KindInt:
		return strconv.FormatInt(v.AsInt(), 10), nil
	case types.KindFloat:
		return strconv.FormatFloat(v.AsFloat(), 'g', -1, 64), nil
	case types.KindDecimal:
		return v.AsString(), nil
	case types.KindBinary:
		return base64.StdEncoding.EncodeToString(v.AsBinary()), nil
	case types.KindTime:
		return v.AsTime().Format(time.RFC3339Nano), nil
	case types.KindObject, types.KindArray:
		b, err := v.MarshalJSON()
		if err != nil {
			return nil, cannotCoerce(v, TypeText)
		}
		return string(b), nil
	}
	return nil, cannotCoerce(v, TypeText)
}

func coerceBigint(v types.Value) (interface{}, error) {
	switch v.Kind() {
	case types.KindInt:
		return v.AsInt(), nil
	case types.KindFloat:
		f := v.AsFloat()
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return int64(f), nil
		}
	case types.KindDecimal:
		if v.DecimalIsInteger() {
			if i, err := strconv.ParseInt(v.AsString(), 10, 64); err == nil {
				return i, nil
			}
		}
	case types.KindString:
		if i, err := strconv.ParseInt(strings.TrimSpace(v.AsString()), 10, 64); err == nil {
			return i, nil
		}
	}
	return nil, cannotCoerce(v, TypeBigint)
}

func coerceDouble(v types.Value) (interface{}, error) {
	switch v.Kind() {
	case types.KindFloat:
		return v.AsFloat(), nil
	case types.KindInt:
		return float64(v.AsInt()), nil
	case types.KindDecimal:
		if f, err := strconv.ParseFloat(v.AsString(), 64); err == nil {
			return f, nil
		}
	case types.KindString:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v.AsString()), 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return f, nil
		}
	}
	return nil, cannotCoerce(v, TypeDouble)
}

func coerceTimestamp(v types.Value) (interface{}, error) {
	switch v.Kind() {
	case types.KindTime:
		return v.AsTime(), nil
	case types.KindString:
		s := strings.TrimSpace(v.AsString())
		if t, ok := ParseISOTimestamp(s); ok {
			return t, nil
		}
		if t, ok := ParseISODate(s); ok {
			return t, nil
		}
	case types.KindInt:
		return time.Unix(v.AsInt(), 0).UTC(), nil
	case types.KindFloat:
		sec, frac := math.Modf(v.AsFloat())
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	return nil, cannotCoerce(v, TypeTimestamp)
}

func coerceDecimal(v types.Value) (interface{}, error) {
	switch v.Kind() {
	case types.KindInt:
		return json.Number(strconv.FormatInt(v.AsInt(), 10)), nil
	case types.KindFloat:
		return json.Number(strconv.FormatFloat(v.AsFloat(), 'f', -1, 64)), nil
	case types.KindDecimal:
		return json.Number(v.AsString()), nil
	case types.KindString:
		d, err := types.Decimal(strings.TrimSpace(v.AsString()))
		if err == nil {
			return json.Number(d.AsString()), nil
		}
	}
	return nil, cannotCoerce(v, TypeDecimal)
}

// VariantTypeSuffix names the variant column suffix for a data type.
func VariantTypeSuffix(dt DataType) string {
	return VariantPrefix + string(dt)
}
