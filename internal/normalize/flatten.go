package normalize

import (
	"crypto/sha3"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/schemaflow/schemaflow/internal/errors"
	"github.com/schemaflow/schemaflow/internal/naming"
	"github.com/schemaflow/schemaflow/internal/schema"
	"github.com/schemaflow/schemaflow/pkg/types"
)

// rowIDBytes is the digest length of synthesized row ids.
const rowIDBytes = 10

// Discard records a value or row dropped by a schema contract.
type Discard struct {
	Table  string              `json:"table"`
	Column string              `json:"column,omitempty"`
	Entity string              `json:"entity"`
	Mode   schema.ContractMode `json:"mode"`
	Reason string              `json:"reason"`
}

// Result is the output of flattening one document.
type Result struct {
	// Rows holds the emitted rows per table.
	Rows map[string][]types.Row
	// TableOrder lists the tables of Rows in order of first appearance.
	TableOrder []string
	// Update holds the tables and columns this document created.
	Update   *schema.Update
	Discards []Discard
}

// RowCount returns the number of rows across all tables.
func (r *Result) RowCount() int {
	n := 0
	for _, rows := range r.Rows {
		n += len(rows)
	}
	return n
}

// Flattener turns documents into rows against a read-only schema snapshot.
// Mutations are accumulated in an update that later documents of the same
// flattener observe. A Flattener is not safe for concurrent use; parallel
// workers each own one and share the snapshot.
type Flattener struct {
	schema   *schema.Schema
	cfg      Config
	conv     naming.Convention
	resolver *naming.Resolver
	update   *schema.Update
	nesting  int
}

// NewFlattener returns a flattener reading s. s must not be modified while
// the flattener is in use.
func NewFlattener(s *schema.Schema, cfg Config) (*Flattener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conv, err := s.Naming(cfg.MaxIdentifierLength)
	if err != nil {
		return nil, apperrors.NewInvalidSchema("unsupported naming convention", err)
	}
	return &Flattener{
		schema:   s,
		cfg:      cfg,
		conv:     conv,
		resolver: naming.NewResolver(conv),
		update:   schema.NewUpdate(),
		nesting:  cfg.maxNesting(s),
	}, nil
}

// Update returns the mutations accumulated by every successful document.
func (f *Flattener) Update() *schema.Update {
	return f.update
}

// Normalize flattens doc into rows of rootTable and its child tables. seq is
// the position of the document within the load and feeds content row ids.
// When an error is returned the accumulated update is left unchanged.
func (f *Flattener) Normalize(doc types.Value, rootTable, loadID string, seq int) (*Result, error) {
	if rootTable == "" {
		return nil, fmt.Errorf("normalize: root table name is required")
	}
	if doc.Kind() != types.KindObject {
		return nil, apperrors.NewMalformedDocument(
			fmt.Sprintf("document %d: root must be an object, got %s", seq, doc.Kind()), nil)
	}

	d := &document{
		f:         f,
		local:     schema.NewUpdate(),
		root:      f.conv.NormalizeIdentifier(rootTable),
		loadID:    loadID,
		created:   map[string]bool{},
		contracts: map[string]schema.Contract{},
	}
	d.propagate = f.propagateRootKey(d.root)

	if err := d.run(doc, seq); err != nil {
		return nil, err
	}
	res := d.result()
	if err := f.update.Merge(d.local); err != nil {
		return nil, err
	}

	log.Debug().
		Str("table", d.root).
		Str("load_id", loadID).
		Int("seq", seq).
		Int("rows", res.RowCount()).
		Int("new_columns", d.local.ColumnCount()).
		Msg("normalize: document flattened")
	return res, nil
}

func (f *Flattener) propagateRootKey(root string) bool {
	if f.cfg.RootKeyPropagation || f.schema.Normalizers.JSON.Config.RootKeyPropagation {
		return true
	}
	if _, ok := f.schema.Table(root); ok {
		return f.schema.WriteDisposition(root) == schema.WriteMerge
	}
	if t, ok := f.update.Table(root); ok && t.WriteDisposition != "" {
		return t.WriteDisposition == schema.WriteMerge
	}
	return f.cfg.WriteDisposition == schema.WriteMerge
}

func (f *Flattener) rootRowID(doc types.Value, loadID string, seq int) (string, error) {
	if f.cfg.RowIDMode != RowIDContent {
		id := uuid.New()
		return base64.RawURLEncoding.EncodeToString(id[:]), nil
	}
	body, err := doc.MarshalJSON()
	if err != nil {
		return "", apperrors.NewMalformedDocument(fmt.Sprintf("document %d cannot be serialized", seq), err)
	}
	buf := make([]byte, 0, len(loadID)+len(body)+24)
	buf = append(buf, loadID...)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, int64(seq), 10)
	buf = append(buf, '|')
	buf = append(buf, body...)
	return digest(buf), nil
}

func childRowID(parentID, table string, idx int) string {
	return digest([]byte(parentID + "_" + table + "_" + strconv.Itoa(idx)))
}

func digest(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(sha3.SumSHAKE128(data, rowIDBytes))
}

// rowEntry is one emitted row. Dropping a row drops its descendants.
type rowEntry struct {
	table   string
	id      string
	row     types.Row
	parent  *rowEntry
	dropped bool
}

func (e *rowEntry) isDropped() bool {
	for ; e != nil; e = e.parent {
		if e.dropped {
			return true
		}
	}
	return false
}

// frame is one unit of pending work. Object frames walk the fields of an
// object that is flattened into entry's row; array frames walk the elements
// of an array that become rows of table.
type frame struct {
	entry *rowEntry
	level int
	next  int

	// object frames
	prefix []string
	raw    []string
	fields []types.Field

	// array frames
	array bool
	table string
	elems []types.Value
}

func (fr *frame) done() bool {
	if fr.array {
		return fr.next >= len(fr.elems)
	}
	return fr.next >= len(fr.fields)
}

// document holds the state of one Normalize call. Mutations go to local and
// are only merged into the flattener on success.
type document struct {
	f         *Flattener
	local     *schema.Update
	root      string
	rootID    string
	loadID    string
	propagate bool
	anyDrop   bool
	created   map[string]bool
	contracts map[string]schema.Contract
	entries   []*rowEntry
	discards  []Discard
}

func (d *document) run(doc types.Value, seq int) error {
	if d.tableExists(d.root) {
		if err := d.ensureLinkage(d.root, false); err != nil {
			return err
		}
	} else {
		ok, err := d.allowTable(d.root)
		if err != nil || !ok {
			return err
		}
		if err := d.createTable(d.root, "", ""); err != nil {
			return err
		}
	}

	id, err := d.f.rootRowID(doc, d.loadID, seq)
	if err != nil {
		return err
	}
	d.rootID = id
	root := d.emit(d.root, id, nil)
	root.row[schema.ColumnID] = id
	root.row[schema.ColumnLoadID] = d.loadID

	stack := []*frame{{entry: root, fields: doc.AsObject().Fields()}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.done() || (d.anyDrop && top.entry.isDropped()) {
			stack = stack[:len(stack)-1]
			continue
		}
		var next *frame
		if top.array {
			next, err = d.stepArray(top)
		} else {
			next, err = d.stepObject(top)
		}
		if err != nil {
			return err
		}
		if next != nil {
			stack = append(stack, next)
		}
	}
	return nil
}

func (d *document) stepObject(fr *frame) (*frame, error) {
	field := fr.fields[fr.next]
	fr.next++

	v := field.Value
	prefix := extend(fr.prefix, d.f.conv.NormalizeIdentifier(field.Key))
	raw := extend(fr.raw, field.Key)

	switch v.Kind() {
	case types.KindObject:
		if v.AsObject().Len() == 0 {
			return nil, nil
		}
		if fr.level+1 > d.f.nesting {
			return nil, d.setField(fr.entry, prefix, raw, v)
		}
		return &frame{
			entry:  fr.entry,
			level:  fr.level + 1,
			prefix: prefix,
			raw:    raw,
			fields: v.AsObject().Fields(),
		}, nil
	case types.KindArray:
		if len(v.AsArray()) == 0 {
			return nil, nil
		}
		if fr.level+1 > d.f.nesting {
			return nil, d.setField(fr.entry, prefix, raw, v)
		}
		table := fr.entry.table
		return d.openChild(fr.entry,
			d.f.conv.MakePath(append([]string{table}, prefix...)...),
			naming.EncodeSourcePath(append([]string{table}, raw...)...),
			v.AsArray(), fr.level+1)
	}
	return nil, d.setField(fr.entry, prefix, raw, v)
}

func (d *document) stepArray(fr *frame) (*frame, error) {
	idx := fr.next
	fr.next++

	id := childRowID(fr.entry.id, fr.table, idx)
	entry := d.emit(fr.table, id, fr.entry)
	entry.row[schema.ColumnID] = id
	entry.row[schema.ColumnParentID] = fr.entry.id
	entry.row[schema.ColumnListIdx] = int64(idx)
	if d.propagate {
		entry.row[schema.ColumnRootID] = d.rootID
	}

	v := fr.elems[idx]
	switch v.Kind() {
	case types.KindNull:
		return nil, nil
	case types.KindObject:
		if v.AsObject().Len() == 0 {
			return nil, nil
		}
		return &frame{entry: entry, level: fr.level, fields: v.AsObject().Fields()}, nil
	case types.KindArray:
		if len(v.AsArray()) == 0 {
			return nil, nil
		}
		if fr.level+1 > d.f.nesting {
			return nil, d.setValue(entry, schema.ColumnValue, "", v)
		}
		return d.openChild(entry,
			d.f.conv.MakePath(fr.table, schema.ListTableSuffix), "",
			v.AsArray(), fr.level+1)
	}
	return nil, d.setValue(entry, schema.ColumnValue, "", v)
}

// openChild resolves and, if needed, creates the child table for an array
// held by parent. It returns nil when a contract discards the array.
func (d *document) openChild(parent *rowEntry, base, source string, elems []types.Value, level int) (*frame, error) {
	name := base
	if source != "" {
		var err error
		name, err = d.f.resolver.Resolve(base, source, d.tableOwner(parent.table))
		if err != nil {
			return nil, err
		}
	}

	if d.tableExists(name) {
		if err := d.ensureLinkage(name, true); err != nil {
			return nil, err
		}
	} else {
		ok, err := d.allowTable(name)
		if err != nil || !ok {
			return nil, err
		}
		if err := d.createTable(name, parent.table, source); err != nil {
			return nil, err
		}
	}
	return &frame{entry: parent, level: level, array: true, table: name, elems: elems}, nil
}

func (d *document) setField(e *rowEntry, prefix, raw []string, v types.Value) error {
	return d.setValue(e, d.f.conv.MakePath(prefix...), naming.EncodeSourcePath(raw...), v)
}

// setValue assigns v to the column resolved from base. An empty source marks
// a synthetic column whose name is used as is.
func (d *document) setValue(e *rowEntry, base, source string, v types.Value) error {
	table := e.table
	name := base
	if source != "" {
		var err error
		name, err = d.f.resolver.Resolve(base, source, d.columnOwner(table))
		if err != nil {
			return err
		}
	}

	col, exists := d.column(table, name)
	if v.IsNull() {
		if exists && !col.Nullable {
			return apperrors.NewNotNullViolation(table, name)
		}
		return nil
	}
	if !exists {
		return d.addColumn(e, name, source, v)
	}

	out, err := schema.Coerce(v, col.DataType)
	if err == nil {
		e.row[name] = out
		return nil
	}
	if !errors.Is(err, schema.ErrCannotCoerce) {
		return err
	}
	return d.setVariant(e, col, v)
}

func (d *document) addColumn(e *rowEntry, name, source string, v types.Value) error {
	table := e.table
	if !d.created[table] {
		switch mode := d.contract(table).Columns; mode {
		case schema.ContractFreeze:
			return apperrors.NewContractViolation("columns", table, name)
		case schema.ContractDiscardRow:
			d.discard(table, name, "columns", mode, "new column discards row")
			d.drop(e)
			return nil
		case schema.ContractDiscardValue:
			d.discard(table, name, "columns", mode, "new column discards value")
			return nil
		}
	}

	dt, err := d.inferType(name, v)
	if err != nil {
		return err
	}
	out, err := schema.Coerce(v, dt)
	if err != nil {
		return apperrors.NewInternalError(fmt.Sprintf("inferred type %s rejects value of column %s.%s", dt, table, name), err)
	}
	c, err := schema.NewColumn(name, dt, &d.f.schema.Settings)
	if err != nil {
		return apperrors.NewInvalidSchema("failed to apply default hints", err)
	}
	c.SourcePath = source
	d.local.AddColumn(table, c)
	e.row[name] = out
	return nil
}

// setVariant handles a value that cannot keep the fixed type of col.
func (d *document) setVariant(e *rowEntry, col *schema.Column, v types.Value) error {
	table := e.table
	dt, err := schema.InferDataType(v, d.f.schema.Settings.Detections)
	if err != nil {
		return apperrors.NewInvalidSchema("type detection failed", err)
	}

	switch mode := d.contract(table).DataType; mode {
	case schema.ContractFreeze:
		return apperrors.NewSchemaConflict(table, col.Name, string(col.DataType), string(dt))
	case schema.ContractDiscardRow:
		d.discard(table, col.Name, "data_type", mode, fmt.Sprintf("%s value in %s column discards row", dt, col.DataType))
		d.drop(e)
		return nil
	case schema.ContractDiscardValue:
		d.discard(table, col.Name, "data_type", mode, fmt.Sprintf("%s value in %s column discarded", dt, col.DataType))
		return nil
	}

	name, err := d.f.resolver.Resolve(d.f.conv.MakePath(col.Name, schema.VariantTypeSuffix(dt)), col.SourcePath, d.variantOwner(table, col))
	if err != nil {
		return err
	}
	vc, exists := d.column(table, name)
	if !exists {
		vc, err = schema.NewColumn(name, dt, &d.f.schema.Settings)
		if err != nil {
			return apperrors.NewInvalidSchema("failed to apply default hints", err)
		}
		vc.Variant = true
		vc.SourcePath = col.SourcePath
		d.local.AddColumn(table, vc)
		log.Debug().
			Str("table", table).
			Str("column", col.Name).
			Str("variant", name).
			Msg("normalize: variant column created")
	}
	out, err := schema.Coerce(v, vc.DataType)
	if err != nil {
		return apperrors.NewSchemaConflict(table, name, string(vc.DataType), string(dt))
	}
	e.row[name] = out
	return nil
}

func (d *document) inferType(name string, v types.Value) (schema.DataType, error) {
	settings := &d.f.schema.Settings
	inferred, err := schema.InferDataType(v, settings.Detections)
	if err != nil {
		return "", apperrors.NewInvalidSchema("type detection failed", err)
	}
	preferred, ok, err := schema.PreferredType(name, settings)
	if err != nil {
		return "", apperrors.NewInvalidSchema("invalid preferred type pattern", err)
	}
	if ok && preferred != inferred {
		if _, err := schema.Coerce(v, preferred); err == nil {
			return preferred, nil
		}
	}
	return inferred, nil
}

func (d *document) allowTable(name string) (bool, error) {
	switch mode := d.contract(name).Tables; mode {
	case schema.ContractFreeze:
		return false, apperrors.NewContractViolation("tables", name, "")
	case schema.ContractDiscardRow, schema.ContractDiscardValue:
		d.discard(name, "", "tables", mode, "new table discarded")
		return false, nil
	}
	return true, nil
}

func (d *document) createTable(name, parent, source string) error {
	t := schema.NewTable(name, parent)
	t.SourcePath = source
	if parent == "" {
		t.WriteDisposition = d.f.cfg.WriteDisposition
		if t.WriteDisposition == "" {
			t.WriteDisposition = schema.DefaultWriteDisposition
		}
	}
	for _, cn := range d.linkageColumns(parent != "") {
		c, err := schema.NewLinkageColumn(cn, &d.f.schema.Settings)
		if err != nil {
			return apperrors.NewInvalidSchema("failed to apply default hints", err)
		}
		t.AddColumn(c)
	}
	d.local.AddTable(t)
	d.created[name] = true
	log.Debug().Str("table", name).Str("parent", parent).Msg("normalize: table created")
	return nil
}

// ensureLinkage adds linkage columns missing from an existing table, e.g.
// _dlt_root_id after root key propagation was enabled.
func (d *document) ensureLinkage(table string, child bool) error {
	for _, cn := range d.linkageColumns(child) {
		if _, ok := d.column(table, cn); ok {
			continue
		}
		c, err := schema.NewLinkageColumn(cn, &d.f.schema.Settings)
		if err != nil {
			return apperrors.NewInvalidSchema("failed to apply default hints", err)
		}
		d.local.AddColumn(table, c)
	}
	return nil
}

func (d *document) linkageColumns(child bool) []string {
	if !child {
		return []string{schema.ColumnID, schema.ColumnLoadID}
	}
	if d.propagate {
		return []string{schema.ColumnID, schema.ColumnParentID, schema.ColumnListIdx, schema.ColumnRootID}
	}
	return []string{schema.ColumnID, schema.ColumnParentID, schema.ColumnListIdx}
}

func (d *document) contract(table string) schema.Contract {
	if c, ok := d.contracts[table]; ok {
		return c
	}
	name := table
	if _, ok := d.f.schema.Table(table); !ok {
		name = d.root
	}
	c := d.f.schema.ResolveContract(name, d.f.cfg.Contract)
	d.contracts[table] = c
	return c
}

func (d *document) discard(table, column, entity string, mode schema.ContractMode, reason string) {
	d.discards = append(d.discards, Discard{Table: table, Column: column, Entity: entity, Mode: mode, Reason: reason})
	log.Warn().
		Str("table", table).
		Str("column", column).
		Str("entity", entity).
		Str("mode", string(mode)).
		Str("load_id", d.loadID).
		Msg("normalize: " + reason)
}

func (d *document) drop(e *rowEntry) {
	e.dropped = true
	d.anyDrop = true
}

func (d *document) emit(table, id string, parent *rowEntry) *rowEntry {
	e := &rowEntry{table: table, id: id, row: types.Row{}, parent: parent}
	d.entries = append(d.entries, e)
	return e
}

func (d *document) result() *Result {
	res := &Result{Rows: map[string][]types.Row{}, Update: d.local, Discards: d.discards}
	for _, e := range d.entries {
		// parents precede children, so the parent flag is already final
		if e.parent != nil && e.parent.dropped {
			e.dropped = true
		}
		if e.dropped {
			continue
		}
		if _, ok := res.Rows[e.table]; !ok {
			res.TableOrder = append(res.TableOrder, e.table)
		}
		res.Rows[e.table] = append(res.Rows[e.table], e.row)
	}
	return res
}

func (d *document) tableExists(name string) bool {
	if d.f.schema.Tables.Has(name) {
		return true
	}
	if _, ok := d.f.update.Table(name); ok {
		return true
	}
	_, ok := d.local.Table(name)
	return ok
}

// tableOwner claims table names for child tables of parent. A table with a
// different parent is never claimable.
func (d *document) tableOwner(parent string) naming.OwnerFunc {
	return func(name string) (string, bool) {
		var t *schema.Table
		if st, ok := d.f.schema.Table(name); ok {
			t = st
		} else if ut, ok := d.f.update.Table(name); ok {
			t = ut
		} else if lt, ok := d.local.Table(name); ok {
			t = lt
		} else {
			return "", false
		}
		if t.Parent != parent {
			return "\x00" + t.Parent, true
		}
		return t.SourcePath, true
	}
}

func (d *document) columnOwner(table string) naming.OwnerFunc {
	return func(name string) (string, bool) {
		c, ok := d.column(table, name)
		if !ok {
			return "", false
		}
		return c.SourcePath, true
	}
}

// variantOwner lets a variant name be claimed only by a variant column
// shadowing the same source field as col.
func (d *document) variantOwner(table string, col *schema.Column) naming.OwnerFunc {
	return func(name string) (string, bool) {
		c, ok := d.column(table, name)
		if !ok {
			return "", false
		}
		if c.Variant && c.SourcePath == col.SourcePath {
			return col.SourcePath, true
		}
		return "\x00" + c.SourcePath, true
	}
}

func (d *document) column(table, name string) (*schema.Column, bool) {
	if t, ok := d.f.schema.Table(table); ok {
		if c, ok := t.Column(name); ok {
			return c, true
		}
	}
	if c, ok := d.f.update.Column(table, name); ok {
		return c, true
	}
	return d.local.Column(table, name)
}

func extend(path []string, seg string) []string {
	out := make([]string, len(path)+1)
	copy(out, path)
	out[len(path)] = seg
	return out
}
