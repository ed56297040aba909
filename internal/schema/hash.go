package schema

import (
	"crypto/sha3"
	"encoding/base64"
	"encoding/json"
	"sort"

	apperrors "github.com/schemaflow/schemaflow/internal/errors"
)

// canonicalSchema is the hashed projection of a schema: everything observable
// except the version bookkeeping, with tables and columns sorted by name.
type canonicalSchema struct {
	Name          string           `json:"name"`
	EngineVersion int              `json:"engine_version"`
	Settings      Settings         `json:"settings"`
	Normalizers   Normalizers      `json:"normalizers"`
	Tables        []canonicalTable `json:"tables"`
}

type canonicalTable struct {
	Name             string           `json:"name"`
	Description      string           `json:"description,omitempty"`
	Parent           string           `json:"parent,omitempty"`
	WriteDisposition WriteDisposition `json:"write_disposition,omitempty"`
	SchemaContract   *Contract        `json:"schema_contract,omitempty"`
	SourcePath       string           `json:"source_path,omitempty"`
	Columns          []*Column        `json:"columns"`
}

func canonicalize(s *Schema) canonicalSchema {
	settings := s.Settings.Clone()
	for h := range settings.DefaultHints {
		sort.Strings(settings.DefaultHints[h])
	}

	c := canonicalSchema{
		Name:          s.Name,
		EngineVersion: s.EngineVersion,
		Settings:      settings,
		Normalizers:   s.Normalizers,
		Tables:        make([]canonicalTable, 0, s.Tables.Len()),
	}
	for _, name := range s.Tables.SortedKeys() {
		t, _ := s.Tables.Get(name)
		ct := canonicalTable{
			Name:             t.Name,
			Description:      t.Description,
			Parent:           t.Parent,
			WriteDisposition: t.WriteDisposition,
			SchemaContract:   t.SchemaContract,
			SourcePath:       t.SourcePath,
			Columns:          make([]*Column, 0, t.Columns.Len()),
		}
		for _, cn := range t.Columns.SortedKeys() {
			col, _ := t.Columns.Get(cn)
			ct.Columns = append(ct.Columns, col)
		}
		c.Tables = append(c.Tables, ct)
	}
	return c
}

// VersionHash computes the content hash of s: SHA3-256 over the canonical
// JSON serialization, base64 encoded. Construction order does not affect it.
func VersionHash(s *Schema) (string, error) {
	content, err := json.Marshal(canonicalize(s))
	if err != nil {
		return "", apperrors.NewHashError("failed to serialize schema "+s.Name, err)
	}
	sum := sha3.Sum256(content)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// BumpVersion recomputes the content hash. When it differs from the stored
// hash the old hash is appended to PreviousHashes and Version is incremented
// by one. It reports whether the version changed.
func (s *Schema) BumpVersion() (bool, error) {
	h, err := VersionHash(s)
	if err != nil {
		return false, err
	}
	if h == s.VersionHash {
		return false, nil
	}
	if s.VersionHash != "" {
		s.PreviousHashes = append(s.PreviousHashes, s.VersionHash)
	}
	s.VersionHash = h
	s.Version++
	return true, nil
}

// Finalize returns a copy of s with an up to date hash and version. s is
// not modified.
func Finalize(s *Schema) (*Schema, error) {
	out := s.Clone()
	if _, err := out.BumpVersion(); err != nil {
		return nil, err
	}
	return out, nil
}

// IsModified reports whether the content of s differs from its stored hash.
func (s *Schema) IsModified() (bool, error) {
	h, err := VersionHash(s)
	if err != nil {
		return false, err
	}
	return h != s.VersionHash, nil
}

// IsKnownHash reports whether h is the current hash or one seen earlier.
func (s *Schema) IsKnownHash(h string) bool {
	if h == s.VersionHash {
		return true
	}
	for _, prev := range s.PreviousHashes {
		if prev == h {
			return true
		}
	}
	return false
}
