package schema

import "fmt"

// DataType is the closed set of column data types.
type DataType string

const (
	TypeText      DataType = "text"
	TypeDouble    DataType = "double"
	TypeBool      DataType = "bool"
	TypeTimestamp DataType = "timestamp"
	TypeBigint    DataType = "bigint"
	TypeBinary    DataType = "binary"
	TypeComplex   DataType = "complex"
	TypeDecimal   DataType = "decimal"
	TypeWei       DataType = "wei"
	TypeDate      DataType = "date"
	TypeTime      DataType = "time"
)

// DataTypes lists every data type in a fixed order.
var DataTypes = []DataType{
	TypeText, TypeDouble, TypeBool, TypeTimestamp, TypeBigint, TypeBinary,
	TypeComplex, TypeDecimal, TypeWei, TypeDate, TypeTime,
}

// Valid reports whether t is a known data type.
func (t DataType) Valid() bool {
	for _, known := range DataTypes {
		if t == known {
			return true
		}
	}
	return false
}

// WriteDisposition governs how new rows interact with existing table contents.
type WriteDisposition string

const (
	WriteAppend  WriteDisposition = "append"
	WriteReplace WriteDisposition = "replace"
	WriteMerge   WriteDisposition = "merge"
	WriteSkip    WriteDisposition = "skip"
)

// DefaultWriteDisposition applies to root tables created without one.
const DefaultWriteDisposition = WriteAppend

// Valid reports whether d is a known write disposition.
func (d WriteDisposition) Valid() bool {
	switch d {
	case WriteAppend, WriteReplace, WriteMerge, WriteSkip:
		return true
	}
	return false
}

// ParseWriteDisposition parses a write disposition name.
func ParseWriteDisposition(s string) (WriteDisposition, error) {
	d := WriteDisposition(s)
	if !d.Valid() {
		return "", fmt.Errorf("schema: invalid write disposition %q (must be append, replace, merge, or skip)", s)
	}
	return d, nil
}

// Reserved column and table names. These literals are part of the persisted
// format; destinations depend on them.
const (
	ColumnID       = "_dlt_id"
	ColumnParentID = "_dlt_parent_id"
	ColumnRootID   = "_dlt_root_id"
	ColumnListIdx  = "_dlt_list_idx"
	ColumnLoadID   = "_dlt_load_id"

	// ColumnValue holds scalar array elements in child tables.
	ColumnValue = "value"

	// ListTableSuffix names the table holding elements of nested arrays.
	ListTableSuffix = "list"

	// VariantPrefix prefixes the type suffix of variant columns.
	VariantPrefix = "v_"

	VersionTableName = "_dlt_version"
	LoadsTableName   = "_dlt_loads"
)

// LinkageColumns are required on every table with a parent.
var LinkageColumns = []string{ColumnID, ColumnParentID, ColumnListIdx}

// IsReservedColumn reports whether name is one of the synthetic linkage columns.
func IsReservedColumn(name string) bool {
	switch name {
	case ColumnID, ColumnParentID, ColumnRootID, ColumnListIdx, ColumnLoadID:
		return true
	}
	return false
}

// IsBookkeepingTable reports whether name is a version or loads table.
func IsBookkeepingTable(name string) bool {
	return name == VersionTableName || name == LoadsTableName
}
