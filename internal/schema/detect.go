package schema

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/schemaflow/schemaflow/pkg/types"
)

// Detector inspects the first non-null value of a new column and may pick a
// more specific data type than the value kind implies. Detectors are pure.
type Detector func(v types.Value) (DataType, bool)

// Built-in detector names.
const (
	DetectISOTimestamp = "iso_timestamp"
	DetectISODate      = "iso_date"
	DetectTimestamp    = "timestamp"
	DetectLargeInteger = "large_integer"
)

var (
	detectorsMu sync.RWMutex
	detectors   = map[string]Detector{
		DetectISOTimestamp: isoTimestampDetector,
		DetectISODate:      isoDateDetector,
		DetectTimestamp:    epochTimestampDetector,
		DetectLargeInteger: largeIntegerDetector,
	}
)

// RegisterDetector adds or replaces a named detector.
func RegisterDetector(name string, d Detector) {
	detectorsMu.Lock()
	defer detectorsMu.Unlock()
	detectors[name] = d
}

// LookupDetector returns the detector registered under name.
func LookupDetector(name string) (Detector, bool) {
	detectorsMu.RLock()
	defer detectorsMu.RUnlock()
	d, ok := detectors[name]
	return d, ok
}

// DetectorNames returns the registered detector names, sorted.
func DetectorNames() []string {
	detectorsMu.RLock()
	defer detectorsMu.RUnlock()
	names := make([]string, 0, len(detectors))
	for n := range detectors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// BaseDataType maps a value kind to its default data type.
func BaseDataType(k types.Kind) DataType {
	switch k {
	case types.KindBool:
		return TypeBool
	case types.KindInt:
		return TypeBigint
	case types.KindFloat:
		return TypeDouble
	case types.KindDecimal:
		return TypeDecimal
	case types.KindBinary:
		return TypeBinary
	case types.KindTime:
		return TypeTimestamp
	case types.KindObject, types.KindArray:
		return TypeComplex
	}
	return TypeText
}

// InferDataType runs the enabled detectors in order and falls back to the
// base type of the value kind. The first matching detector wins.
func InferDataType(v types.Value, detections []string) (DataType, error) {
	for _, name := range detections {
		d, ok := LookupDetector(name)
		if !ok {
			return "", fmt.Errorf("schema: unknown detector %q", name)
		}
		if dt, ok := d(v); ok {
			return dt, nil
		}
	}
	return BaseDataType(v.Kind()), nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

const dateLayout = "2006-01-02"

// ParseISOTimestamp parses an ISO-8601 date-time. Date-only strings are not
// accepted.
func ParseISOTimestamp(s string) (time.Time, bool) {
	if len(s) < len("2006-01-02T15:04:05") || (s[10] != 'T' && s[10] != ' ') {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseISODate parses a YYYY-MM-DD date.
func ParseISODate(s string) (time.Time, bool) {
	if len(s) != len(dateLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func isoTimestampDetector(v types.Value) (DataType, bool) {
	if v.Kind() != types.KindString {
		return "", false
	}
	if _, ok := ParseISOTimestamp(strings.TrimSpace(v.AsString())); ok {
		return TypeTimestamp, true
	}
	return "", false
}

func isoDateDetector(v types.Value) (DataType, bool) {
	if v.Kind() != types.KindString {
		return "", false
	}
	if _, ok := ParseISODate(v.AsString()); ok {
		return TypeDate, true
	}
	return "", false
}

// epoch seconds accepted by the timestamp detector: [1990-01-01, 2100-01-01)
const (
	minEpochSeconds = 631152000
	maxEpochSeconds = 4102444800
)

func epochTimestampDetector(v types.Value) (DataType, bool) {
	var sec float64
	switch v.Kind() {
	case types.KindInt:
		sec = float64(v.AsInt())
	case types.KindFloat:
		sec = v.AsFloat()
	default:
		return "", false
	}
	if sec >= minEpochSeconds && sec < maxEpochSeconds {
		return TypeTimestamp, true
	}
	return "", false
}

func largeIntegerDetector(v types.Value) (DataType, bool) {
	if v.Kind() == types.KindDecimal && v.DecimalIsInteger() {
		return TypeWei, true
	}
	return "", false
}
