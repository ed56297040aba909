// Package reader streams documents out of JSON and JSON-lines input.
package reader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	apperrors "github.com/schemaflow/schemaflow/internal/errors"
	"github.com/schemaflow/schemaflow/pkg/types"
)

// Format selects how input is split into documents.
type Format string

const (
	// FormatAuto lets ReadFile pick the format from the file extension.
	// Plain readers treat it as FormatJSON.
	FormatAuto Format = "auto"
	// FormatJSON reads a stream of concatenated values. Root arrays are
	// unpacked into their elements.
	FormatJSON Format = "json"
	// FormatJSONL reads one document per line. A malformed line is reported
	// and reading continues with the next line.
	FormatJSONL Format = "jsonl"
)

// MaxLineSize bounds a single JSON-lines record.
const MaxLineSize = 64 << 20

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return FormatAuto, nil
	case "json":
		return FormatJSON, nil
	case "jsonl", "ndjson":
		return FormatJSONL, nil
	}
	return "", fmt.Errorf("reader: unknown format %q (must be auto, json, or jsonl)", s)
}

// FormatForPath picks the format from a file extension.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return FormatJSONL
	case ".json":
		return FormatJSON
	}
	return FormatAuto
}

// Document is one decoded input record. Err is set when the record could not
// be decoded; Value is then null.
type Document struct {
	// Index is the zero-based position of the record in the input.
	Index int
	// Line is the 1-based input line for JSON-lines input, else 0.
	Line  int
	Value types.Value
	Err   error
}

// Read decodes r and calls fn for every document in input order. Decoding
// stops at the first error returned by fn. Syntax errors inside JSON input
// are fatal; inside JSON-lines input they are passed to fn as a Document
// carrying a MALFORMED_DOCUMENT error.
func Read(ctx context.Context, r io.Reader, format Format, fn func(Document) error) error {
	switch format {
	case "", FormatAuto, FormatJSON:
		return readJSON(ctx, r, fn)
	case FormatJSONL:
		return readLines(ctx, r, fn)
	}
	return fmt.Errorf("reader: unknown format %q", format)
}

// ReadAll collects every document of r. Per-document errors are returned in
// the documents, not as the error.
func ReadAll(ctx context.Context, r io.Reader, format Format) ([]Document, error) {
	var docs []Document
	err := Read(ctx, r, format, func(d Document) error {
		docs = append(docs, d)
		return nil
	})
	return docs, err
}

// ReadFile reads the documents of the file at path. With FormatAuto the
// format follows the extension.
func ReadFile(ctx context.Context, path string, format Format, fn func(Document) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reader: failed to open %s: %w", path, err)
	}
	defer f.Close()
	if format == "" || format == FormatAuto {
		format = FormatForPath(path)
	}
	return Read(ctx, f, format, fn)
}

func readJSON(ctx context.Context, r io.Reader, fn func(Document) error) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	index := 0
	emit := func(v types.Value) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		d := Document{Index: index, Value: v}
		index++
		return fn(d)
	}

	for {
		v, err := decodeNext(dec)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return apperrors.NewMalformedDocument(fmt.Sprintf("invalid JSON near document %d", index), err)
		}
		if v.Kind() != types.KindArray {
			if err := emit(v); err != nil {
				return err
			}
			continue
		}
		for _, elem := range v.AsArray() {
			if err := emit(elem); err != nil {
				return err
			}
		}
	}
}

// decodeNext returns the next top-level value. A root array is returned
// whole; its elements are the documents.
func decodeNext(dec *json.Decoder) (types.Value, error) {
	if !dec.More() {
		if _, err := dec.Token(); err != nil {
			return types.Value{}, err
		}
		return types.Value{}, fmt.Errorf("unexpected closing delimiter")
	}
	return types.DecodeValue(dec)
}

func readLines(ctx context.Context, r io.Reader, fn func(Document) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), MaxLineSize)

	line, index := 0, 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		data := bytes.TrimSpace(sc.Bytes())
		if len(data) == 0 {
			continue
		}
		d := Document{Index: index, Line: line}
		index++
		v, err := types.FromJSON(data)
		if err != nil {
			d.Err = apperrors.NewMalformedDocument(fmt.Sprintf("line %d: invalid JSON", line), err)
			log.Debug().Err(err).Int("line", line).Msg("reader: skipping malformed line")
		} else {
			d.Value = v
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return apperrors.NewMalformedDocument(fmt.Sprintf("line %d exceeds %d bytes", line+1, MaxLineSize), err)
		}
		return fmt.Errorf("reader: failed to read input: %w", err)
	}
	return nil
}
