package types

import "errors"

// Load id errors
var (
	// ErrInvalidLoadID is returned when a load id string is not "<seconds>.<micros>"
	ErrInvalidLoadID = errors.New("invalid load id")
)

// UnsupportedValueError is returned when a Go or JSON value has no
// representation in the document value model.
type UnsupportedValueError struct {
	Path   string
	Reason string
}

func (e *UnsupportedValueError) Error() string {
	if e.Path != "" {
		return "unsupported value at " + e.Path + ": " + e.Reason
	}
	return "unsupported value: " + e.Reason
}
