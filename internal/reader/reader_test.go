package reader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/schemaflow/schemaflow/internal/errors"
	"github.com/schemaflow/schemaflow/pkg/types"
)

func TestReadJSONArray(t *testing.T) {
	docs, err := ReadAll(context.Background(), strings.NewReader(`[{"a": 1}, {"b": [1, 2]}, 3]`), FormatJSON)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	for i, d := range docs {
		assert.Equal(t, i, d.Index)
		assert.NoError(t, d.Err)
	}
	assert.Equal(t, types.KindObject, docs[0].Value.Kind())
	assert.Equal(t, []string{"b"}, docs[1].Value.AsObject().Keys())
	assert.Equal(t, types.KindInt, docs[2].Value.Kind())
}

func TestReadJSONConcatenated(t *testing.T) {
	input := "{\"a\": 1}\n{\n  \"a\": 2\n}\n[{\"a\": 3}]"
	docs, err := ReadAll(context.Background(), strings.NewReader(input), FormatAuto)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	for i, d := range docs {
		a, ok := d.Value.AsObject().Get("a")
		require.True(t, ok)
		assert.Equal(t, int64(i+1), a.AsInt())
	}
}

func TestReadJSONSyntaxErrorIsFatal(t *testing.T) {
	_, err := ReadAll(context.Background(), strings.NewReader(`[{"a": 1}, {"a": }]`), FormatJSON)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrMalformedDocument)
}

func TestReadJSONEmpty(t *testing.T) {
	docs, err := ReadAll(context.Background(), strings.NewReader("  \n"), FormatJSON)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestReadJSONLines(t *testing.T) {
	input := "{\"id\": 1}\n\n{\"id\": \n{\"id\": 3}\n"
	docs, err := ReadAll(context.Background(), strings.NewReader(input), FormatJSONL)
	require.NoError(t, err)
	require.Len(t, docs, 3)

	assert.NoError(t, docs[0].Err)
	assert.Equal(t, 1, docs[0].Line)

	assert.Equal(t, 1, docs[1].Index)
	assert.Equal(t, 3, docs[1].Line)
	assert.ErrorIs(t, docs[1].Err, apperrors.ErrMalformedDocument)
	assert.True(t, docs[1].Value.IsNull())

	assert.NoError(t, docs[2].Err)
	assert.Equal(t, 4, docs[2].Line)
	assert.Equal(t, 2, docs[2].Index)
}

func TestReadStopsOnCallbackError(t *testing.T) {
	stop := errors.New("stop")
	seen := 0
	err := Read(context.Background(), strings.NewReader("{}\n{}\n{}\n"), FormatJSONL, func(Document) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, seen)
}

func TestReadCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ReadAll(ctx, strings.NewReader(`[{}]`), FormatJSON)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadFileUsesExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"a\": 1}\nnot json\n"), 0644))

	var docs []Document
	err := ReadFile(context.Background(), path, FormatAuto, func(d Document) error {
		docs = append(docs, d)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Error(t, docs[1].Err)

	err = ReadFile(context.Background(), filepath.Join(dir, "missing.json"), FormatAuto, func(Document) error { return nil })
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatAuto, "JSON": FormatJSON, "ndjson": FormatJSONL, "jsonl": FormatJSONL} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("csv")
	assert.Error(t, err)

	assert.Equal(t, FormatJSONL, FormatForPath("a/b.NDJSON"))
	assert.Equal(t, FormatJSON, FormatForPath("x.json"))
	assert.Equal(t, FormatAuto, FormatForPath("x.txt"))
}
