package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/schemaflow/schemaflow/internal/errors"
)

// Format selects the persisted schema encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat parses a format name. "yml" is accepted for yaml.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("schema: unsupported format %q (must be json or yaml)", s)
}

// FormatForPath picks the format from a file extension, defaulting to JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// Extension returns the file extension for f without the dot.
func (f Format) Extension() string {
	if f == FormatYAML {
		return "yaml"
	}
	return "json"
}

// ToJSON encodes s as indented JSON.
func ToJSON(s *Schema) ([]byte, error) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, apperrors.NewHashError("failed to encode schema "+s.Name, err)
	}
	return b, nil
}

// FromJSON decodes a schema written by ToJSON.
func FromJSON(data []byte) (*Schema, error) {
	var s Schema
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&s); err != nil {
		return nil, apperrors.NewInvalidSchema("failed to decode schema JSON", err)
	}
	fixup(&s)
	return &s, nil
}

// ToYAML encodes s as YAML.
func ToYAML(s *Schema) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return nil, apperrors.NewHashError("failed to encode schema "+s.Name, err)
	}
	if err := enc.Close(); err != nil {
		return nil, apperrors.NewHashError("failed to encode schema "+s.Name, err)
	}
	return buf.Bytes(), nil
}

// FromYAML decodes a schema written by ToYAML.
func FromYAML(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, apperrors.NewInvalidSchema("failed to decode schema YAML", err)
	}
	fixup(&s)
	return &s, nil
}

// Marshal encodes s in format f.
func Marshal(s *Schema, f Format) ([]byte, error) {
	if f == FormatYAML {
		return ToYAML(s)
	}
	return ToJSON(s)
}

// Unmarshal decodes a schema in format f.
func Unmarshal(data []byte, f Format) (*Schema, error) {
	if f == FormatYAML {
		return FromYAML(data)
	}
	return FromJSON(data)
}

// fixup fills names from map keys, so hand-written documents may omit the
// name fields, and normalizes nil collections.
func fixup(s *Schema) {
	if s.PreviousHashes == nil {
		s.PreviousHashes = []string{}
	}
	for _, name := range s.Tables.Keys() {
		t, _ := s.Tables.Get(name)
		if t == nil {
			t = &Table{}
			s.Tables.Set(name, t)
		}
		t.Name = name
		for _, cn := range t.Columns.Keys() {
			c, _ := t.Columns.Get(cn)
			if c == nil {
				c = &Column{Nullable: true}
				t.Columns.Set(cn, c)
			}
			c.Name = cn
		}
	}
}
