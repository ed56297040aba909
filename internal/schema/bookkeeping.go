package schema

import (
	"encoding/json"
	"time"

	"github.com/schemaflow/schemaflow/pkg/types"
)

// Load status codes written to the loads table.
const (
	LoadStatusCompleted int64 = 0
)

// VersionTable returns the definition of the version history table.
func VersionTable() *Table {
	t := &Table{
		Name:             VersionTableName,
		Description:      "Created by schemaflow. Tracks schema updates",
		WriteDisposition: WriteSkip,
	}
	for _, c := range []*Column{
		{Name: "version", DataType: TypeBigint},
		{Name: "engine_version", DataType: TypeBigint},
		{Name: "inserted_at", DataType: TypeTimestamp},
		{Name: "schema_name", DataType: TypeText},
		{Name: "version_hash", DataType: TypeText},
		{Name: "schema", DataType: TypeText},
	} {
		t.AddColumn(c)
	}
	return t
}

// LoadsTable returns the definition of the load completion table.
func LoadsTable() *Table {
	t := &Table{
		Name:             LoadsTableName,
		Description:      "Created by schemaflow. Tracks completed loads",
		WriteDisposition: WriteSkip,
	}
	for _, c := range []*Column{
		{Name: "load_id", DataType: TypeText},
		{Name: "schema_name", DataType: TypeText, Nullable: true},
		{Name: "status", DataType: TypeBigint},
		{Name: "inserted_at", DataType: TypeTimestamp},
		{Name: "schema_version_hash", DataType: TypeText, Nullable: true},
	} {
		t.AddColumn(c)
	}
	return t
}

func addBookkeepingTables(s *Schema) {
	if !s.Tables.Has(VersionTableName) {
		s.AddTable(VersionTable())
	}
	if !s.Tables.Has(LoadsTableName) {
		s.AddTable(LoadsTable())
	}
}

// VersionRow builds the version history row for s. The serialized schema is
// stored in the row.
func VersionRow(s *Schema, now time.Time) (types.Row, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return types.Row{
		"version":        s.Version,
		"engine_version": int64(s.EngineVersion),
		"inserted_at":    now.UTC(),
		"schema_name":    s.Name,
		"version_hash":   s.VersionHash,
		"schema":         string(body),
	}, nil
}

// LoadRow builds the load completion row for one load batch.
func LoadRow(loadID, schemaName string, status int64, versionHash string, now time.Time) types.Row {
	row := types.Row{
		"load_id":     loadID,
		"status":      status,
		"inserted_at": now.UTC(),
	}
	if schemaName != "" {
		row["schema_name"] = schemaName
	}
	if versionHash != "" {
		row["schema_version_hash"] = versionHash
	}
	return row
}
