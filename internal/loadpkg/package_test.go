package loadpkg

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schemaflow/schemaflow/internal/schema"
	"github.com/schemaflow/schemaflow/pkg/types"
)

const loadID = "1700000000.000001"

func sampleRows(n int) []types.Row {
	rows := make([]types.Row, n)
	for i := range rows {
		rows[i] = types.Row{
			"_dlt_id": fmt.Sprintf("id-%d", i),
			"n":       int64(i),
			"ok":      i%2 == 0,
			"score":   float64(i) + 0.5,
			"meta":    map[string]interface{}{"k": "v", "depth": int64(2)},
		}
	}
	return rows
}

func TestPackageRoundTrip(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatMsgpack} {
		t.Run(string(format), func(t *testing.T) {
			store, err := NewStore(t.TempDir(), Options{Format: format, BlockRows: 7})
			require.NoError(t, err)

			w, err := store.Create(loadID)
			require.NoError(t, err)
			events := sampleRows(25)
			tags := sampleRows(3)
			require.NoError(t, w.WriteTables(context.Background(), map[string][]types.Row{
				"events":       events,
				"events__tags": tags,
			}))

			s := schema.New("shop", nil)
			_, err = s.BumpVersion()
			require.NoError(t, err)
			require.NoError(t, w.SaveSchema(s))
			u := schema.NewUpdate()
			u.AddTable(schema.NewTable("events", ""))
			require.NoError(t, w.SaveUpdates(u))

			p, err := w.Commit()
			require.NoError(t, err)
			assert.Equal(t, []string{"events", "events__tags"}, p.Tables())

			got, err := p.ReadTable("events")
			require.NoError(t, err)
			assert.Equal(t, events, got)
			got, err = p.ReadTable("events__tags")
			require.NoError(t, err)
			assert.Equal(t, tags, got)

			stored, err := p.Schema()
			require.NoError(t, err)
			assert.Equal(t, s.VersionHash, stored.VersionHash)

			updates, err := p.Updates()
			require.NoError(t, err)
			assert.True(t, updates.Tables.Has("events"))

			ids, err := store.List()
			require.NoError(t, err)
			assert.Equal(t, []string{loadID}, ids)
		})
	}
}

func TestPackageKeepsNumericColumnTypes(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatMsgpack} {
		t.Run(string(format), func(t *testing.T) {
			store, err := NewStore(t.TempDir(), Options{Format: format})
			require.NoError(t, err)
			w, err := store.Create(loadID)
			require.NoError(t, err)

			rows := []types.Row{
				{"amount": float64(2), "price": json.Number("123456789012345678901234567890"), "n": int64(7)},
				{"amount": 0.25, "price": json.Number("0.1000000000000000055511151231257827"), "n": int64(8)},
				{"amount": -3.5, "price": json.Number("12"), "n": int64(9)},
			}
			require.NoError(t, w.WriteRows("orders", rows))

			s := schema.New("shop", nil)
			orders := schema.NewTable("orders", "")
			orders.AddColumn(&schema.Column{Name: "amount", DataType: schema.TypeDouble, Nullable: true})
			orders.AddColumn(&schema.Column{Name: "price", DataType: schema.TypeDecimal, Nullable: true})
			orders.AddColumn(&schema.Column{Name: "n", DataType: schema.TypeBigint, Nullable: true})
			s.AddTable(orders)
			_, err = s.BumpVersion()
			require.NoError(t, err)
			require.NoError(t, w.SaveSchema(s))
			require.NoError(t, w.SaveUpdates(schema.NewUpdate()))

			p, err := w.Commit()
			require.NoError(t, err)
			got, err := p.ReadTable("orders")
			require.NoError(t, err)
			assert.Equal(t, rows, got)
		})
	}
}

func TestJSONCodecKeepsInexactNumbers(t *testing.T) {
	rows, err := jsonCodec{}.Decode([]byte(`[{"a":1,"b":0.5,"c":123456789012345678901234567890,"d":0.1000000000000000055511151231257827}]`))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0]["a"])
	assert.Equal(t, 0.5, rows[0]["b"])
	assert.Equal(t, json.Number("123456789012345678901234567890"), rows[0]["c"])
	assert.Equal(t, json.Number("0.1000000000000000055511151231257827"), rows[0]["d"])
}

func TestPackageFileNamesAndRotation(t *testing.T) {
	store, err := NewStore(t.TempDir(), Options{Format: FormatJSON, MaxFileSize: 1, BlockRows: 2})
	require.NoError(t, err)
	w, err := store.Create(loadID)
	require.NoError(t, err)
	require.NoError(t, w.WriteRows("events", sampleRows(5)))

	p, err := w.Commit()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"events.000000.json.seg",
		"events.000001.json.seg",
		"events.000002.json.seg",
	}, p.Files("events"))

	rows, err := p.ReadTable("events")
	require.NoError(t, err)
	assert.Len(t, rows, 5)
	assert.Equal(t, int64(4), rows[4]["n"])
}

func TestPackageDetectsCorruption(t *testing.T) {
	store, err := NewStore(t.TempDir(), Options{})
	require.NoError(t, err)
	w, err := store.Create(loadID)
	require.NoError(t, err)
	require.NoError(t, w.WriteRows("events", sampleRows(3)))
	p, err := w.Commit()
	require.NoError(t, err)

	path := filepath.Join(p.Dir, jobsDir, p.Files("events")[0])
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	t.Run("crc mismatch", func(t *testing.T) {
		corrupt := append([]byte(nil), data...)
		corrupt[len(corrupt)-1] ^= 0xFF
		require.NoError(t, os.WriteFile(path, corrupt, 0644))
		_, err := p.ReadTable("events")
		assert.ErrorIs(t, err, ErrCorruptSegment)
	})

	t.Run("oversized frame length", func(t *testing.T) {
		corrupt := append([]byte(nil), data...)
		binary.LittleEndian.PutUint32(corrupt[0:4], 0xFFFFFFF0)
		require.NoError(t, os.WriteFile(path, corrupt, 0644))
		_, err := p.ReadTable("events")
		assert.ErrorIs(t, err, ErrCorruptSegment)
		assert.Contains(t, err.Error(), "exceeds file size")
	})

	t.Run("truncated", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0644))
		_, err := p.ReadTable("events")
		assert.ErrorIs(t, err, ErrCorruptSegment)
	})
}

func TestPackageExists(t *testing.T) {
	store, err := NewStore(t.TempDir(), Options{})
	require.NoError(t, err)

	w, err := store.Create(loadID)
	require.NoError(t, err)
	_, err = w.Commit()
	require.NoError(t, err)

	_, err = store.Create(loadID)
	assert.ErrorIs(t, err, ErrPackageExists)

	_, err = w.Commit()
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestPackageAbort(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root, Options{})
	require.NoError(t, err)

	w, err := store.Create(loadID)
	require.NoError(t, err)
	require.NoError(t, w.WriteRows("events", sampleRows(2)))
	require.NoError(t, w.Abort())

	_, err = os.Stat(filepath.Join(root, tempDir, loadID))
	assert.True(t, os.IsNotExist(err))
	_, err = store.Open(loadID)
	assert.ErrorIs(t, err, ErrPackageNotFound)
	assert.ErrorIs(t, w.WriteRows("events", sampleRows(1)), ErrWriterClosed)
}

func TestCleanupTemp(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root, Options{})
	require.NoError(t, err)

	for _, id := range []string{"1.000001", "1.000002"} {
		_, err := store.Create(id)
		require.NoError(t, err)
	}
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, tempDir, "1.000001"), old, old))

	removed, err := store.CleanupTemp(time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.000001"}, removed)

	removed, err = store.CleanupTemp(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.000002"}, removed)
}

func TestInvalidNames(t *testing.T) {
	store, err := NewStore(t.TempDir(), Options{})
	require.NoError(t, err)
	_, err = store.Create("../x")
	assert.Error(t, err)

	w, err := store.Create(loadID)
	require.NoError(t, err)
	assert.Error(t, w.WriteRows("a.b", sampleRows(1)))

	_, err = NewStore(t.TempDir(), Options{Format: "parquet"})
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	store, err := NewStore(t.TempDir(), Options{})
	require.NoError(t, err)
	w, err := store.Create(loadID)
	require.NoError(t, err)
	_, err = w.Commit()
	require.NoError(t, err)

	require.NoError(t, store.Delete(loadID))
	assert.ErrorIs(t, store.Delete(loadID), ErrPackageNotFound)
}
