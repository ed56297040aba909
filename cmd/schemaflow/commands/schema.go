package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/schemaflow/schemaflow/internal/catalog"
	"github.com/schemaflow/schemaflow/internal/schema"
	"github.com/schemaflow/schemaflow/internal/storage"
)

func newSchemaCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect and maintain stored schemas",
	}
	cmd.AddCommand(
		newSchemaListCmd(o),
		newSchemaShowCmd(o),
		newSchemaDiffCmd(o),
		newSchemaMigrateCmd(o),
		newSchemaValidateCmd(o),
		newSchemaDDLCmd(o),
	)
	return cmd
}

func newSchemaListCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored schemas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			names, err := a.Pipeline().Schemas().List(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}

func newSchemaShowCmd(o *rootOptions) *cobra.Command {
	var (
		format  string
		version int64
	)

	cmd := &cobra.Command{
		Use:   "show NAME",
		Short: "Print a stored schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := schema.ParseFormat(format)
			if err != nil {
				return err
			}
			a, err := o.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			store := a.Pipeline().Schemas()
			var sc *schema.Schema
			if version > 0 {
				sc, err = store.LoadVersion(cmd.Context(), args[0], version)
			} else {
				sc, err = store.Load(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			data, err := schema.Marshal(sc, f)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().StringVar(&format, "format", "yaml", "Output format: json, yaml")
	cmd.Flags().Int64Var(&version, "version", 0, "Show an exported version instead of the current schema")
	return cmd
}

func newSchemaDiffCmd(o *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "diff FROM TO",
		Short: "Show table and column differences between two schemas",
		Long: "FROM and TO are schema files, NAME for a stored schema or NAME@VERSION\n" +
			"for an exported version.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var store *storage.SchemaStore
			if !isFile(args[0]) || !isFile(args[1]) {
				a, err := o.openApp(cmd.Context())
				if err != nil {
					return err
				}
				defer a.Close()
				store = a.Pipeline().Schemas()
			}

			from, err := resolveSchema(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			to, err := resolveSchema(cmd.Context(), store, args[1])
			if err != nil {
				return err
			}

			d := schema.Diff(from, to)
			if asJSON {
				return printJSON(cmd.OutOrStdout(), d)
			}
			rows := diffRows(d)
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No schema differences found.")
				return nil
			}
			printDiffTable(cmd.OutOrStdout(), rows)
			log.Debug().Int("differences", len(rows)).Msg("schema: diff complete")
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the diff as JSON")
	return cmd
}

func newSchemaMigrateCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate NAME",
		Short: "Upgrade a stored schema to the running engine version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Pipeline().Migrate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
}

func newSchemaValidateCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate NAME|FILE",
		Short: "Check a schema for structural errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var store *storage.SchemaStore
			if !isFile(args[0]) {
				a, err := o.openApp(cmd.Context())
				if err != nil {
					return err
				}
				defer a.Close()
				store = a.Pipeline().Schemas()
			}
			sc, err := resolveSchema(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}

			if err := schema.CheckEngineVersion(sc); err != nil {
				return err
			}
			if errs := sc.Check(); len(errs) > 0 {
				for _, e := range errs {
					fmt.Fprintln(cmd.OutOrStdout(), e.Error())
				}
				return fmt.Errorf("schema %s: %d validation errors", sc.Name, len(errs))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema %s version %d is valid\n", sc.Name, sc.Version)
			return nil
		},
	}
}

func newSchemaDDLCmd(o *rootOptions) *cobra.Command {
	var dialect string

	cmd := &cobra.Command{
		Use:   "ddl NAME|FILE",
		Short: "Render CREATE TABLE statements for a schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := catalog.MapperFor(dialect)
			if err != nil {
				return err
			}
			var store *storage.SchemaStore
			if !isFile(args[0]) {
				a, err := o.openApp(cmd.Context())
				if err != nil {
					return err
				}
				defer a.Close()
				store = a.Pipeline().Schemas()
			}
			sc, err := resolveSchema(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			stmts, err := catalog.RenderSchema(m, sc)
			if err != nil {
				return err
			}
			for _, s := range stmts {
				fmt.Fprintf(cmd.OutOrStdout(), "%s;\n", s)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dialect, "dialect", catalog.DriverPostgres, "SQL dialect: postgres, sqlite")
	return cmd
}

func isFile(ref string) bool {
	st, err := os.Stat(ref)
	return err == nil && !st.IsDir()
}

// resolveSchema loads ref as a schema file, NAME@VERSION or NAME.
func resolveSchema(ctx context.Context, store *storage.SchemaStore, ref string) (*schema.Schema, error) {
	if isFile(ref) {
		data, err := os.ReadFile(ref)
		if err != nil {
			return nil, err
		}
		return schema.Unmarshal(data, schema.FormatForPath(ref))
	}
	if store == nil {
		return nil, fmt.Errorf("schema %q not found", ref)
	}
	if name, v, ok := strings.Cut(ref, "@"); ok {
		version, err := strconv.ParseInt(v, 10, 64)
		if err != nil || version < 1 {
			return nil, fmt.Errorf("invalid schema version in %q", ref)
		}
		return store.LoadVersion(ctx, name, version)
	}
	return store.Load(ctx, ref)
}

// diffRow holds one line of diff output.
type diffRow struct {
	change string
	table  string
	column string
	from   string
	to     string
}

func diffRows(d *schema.SchemaDiff) []diffRow {
	const none = "-"
	var rows []diffRow
	for _, t := range d.AddedTables {
		rows = append(rows, diffRow{"+table", t.Name, none, none, fmt.Sprintf("%d columns", t.Columns.Len())})
	}
	for _, t := range d.RemovedTables {
		rows = append(rows, diffRow{"-table", t.Name, none, fmt.Sprintf("%d columns", t.Columns.Len()), none})
	}
	for _, tc := range d.AddedColumns {
		for _, c := range tc.Columns {
			rows = append(rows, diffRow{"+column", tc.Table, c.Name, none, describeColumn(c)})
		}
	}
	for _, tc := range d.RemovedColumns {
		for _, c := range tc.Columns {
			rows = append(rows, diffRow{"-column", tc.Table, c.Name, describeColumn(c), none})
		}
	}
	for _, ch := range d.ChangedColumns {
		rows = append(rows, diffRow{"~column", ch.Table, ch.To.Name, describeColumn(ch.From), describeColumn(ch.To)})
	}
	return rows
}

func describeColumn(c *schema.Column) string {
	s := string(c.DataType)
	if !c.Nullable {
		s += " not null"
	}
	if c.Variant {
		s += " variant"
	}
	return s
}

// printDiffTable renders the diff as a fixed-column table.
func printDiffTable(w io.Writer, rows []diffRow) {
	headers := diffRow{"CHANGE", "TABLE", "COLUMN", "FROM", "TO"}
	widths := [4]int{len(headers.change), len(headers.table), len(headers.column), len(headers.from)}
	for _, r := range rows {
		for i, v := range [4]string{r.change, r.table, r.column, r.from} {
			if len(v) > widths[i] {
				widths[i] = len(v)
			}
		}
	}
	for i := range widths {
		widths[i] += 2
	}

	fmtRow := func(r diffRow) {
		fmt.Fprintf(w, "%-*s%-*s%-*s%-*s%s\n",
			widths[0], r.change, widths[1], r.table, widths[2], r.column, widths[3], r.from, r.to)
	}
	fmtRow(headers)
	fmtRow(diffRow{
		strings.Repeat("-", widths[0]-2),
		strings.Repeat("-", widths[1]-2),
		strings.Repeat("-", widths[2]-2),
		strings.Repeat("-", widths[3]-2),
		strings.Repeat("-", len(headers.to)),
	})
	for _, r := range rows {
		fmtRow(r)
	}
}
