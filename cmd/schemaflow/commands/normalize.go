package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/schemaflow/schemaflow/internal/pipeline"
	"github.com/schemaflow/schemaflow/internal/reader"
	"github.com/schemaflow/schemaflow/pkg/types"
)

// normalizeResult is printed after a normalize run.
type normalizeResult struct {
	*pipeline.Report
	Skipped   int  `json:"skipped_inputs"`
	Completed bool `json:"completed,omitempty"`
}

func newNormalizeCmd(o *rootOptions) *cobra.Command {
	var (
		schemaName string
		table      string
		loadID     string
		format     string
		complete   bool
	)

	cmd := &cobra.Command{
		Use:   "normalize --schema NAME --table TABLE [FILES...]",
		Short: "Normalize JSON documents into a load package",
		Long: "Reads JSON or JSON-lines documents from the given files, or from stdin\n" +
			"when no file or \"-\" is given, and writes one load package.",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := reader.ParseFormat(format)
			if err != nil {
				return err
			}
			docs, skipped, err := readDocuments(cmd, args, f)
			if err != nil {
				return err
			}

			a, err := o.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Pipeline().Normalize(cmd.Context(), pipeline.Request{
				SchemaName: schemaName,
				Table:      table,
				LoadID:     loadID,
				Documents:  docs,
			})
			if err != nil {
				return err
			}
			res := normalizeResult{Report: rep, Skipped: skipped}
			if complete {
				if _, err := a.Pipeline().CompleteLoad(cmd.Context(), rep.LoadID, rep.SchemaName); err != nil {
					return err
				}
				res.Completed = true
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&schemaName, "schema", "", "Schema name")
	cmd.Flags().StringVar(&table, "table", "", "Root table name")
	cmd.Flags().StringVar(&loadID, "load-id", "", "Load id (generated when empty)")
	cmd.Flags().StringVar(&format, "format", "auto", "Input format: auto, json, jsonl")
	cmd.Flags().BoolVar(&complete, "complete", false, "Record the load as completed in the catalog")
	cmd.Flags().Int("workers", 0, "Number of parallel normalize workers")
	cmd.Flags().Bool("auto-migrate", false, "Migrate schemas written by an older engine")
	_ = cmd.MarkFlagRequired("schema")
	_ = cmd.MarkFlagRequired("table")
	if err := o.bind(cmd, map[string]string{
		"normalize.workers":      "workers",
		"normalize.auto_migrate": "auto-migrate",
	}); err != nil {
		panic(err)
	}
	return cmd
}

// readDocuments decodes every input. Malformed JSON-lines records are logged
// and skipped; the number skipped is returned.
func readDocuments(cmd *cobra.Command, paths []string, format reader.Format) ([]types.Value, int, error) {
	if len(paths) == 0 {
		paths = []string{"-"}
	}

	var docs []types.Value
	skipped := 0
	for _, p := range paths {
		collect := func(d reader.Document) error {
			if d.Err != nil {
				log.Warn().Err(d.Err).Str("input", p).Int("line", d.Line).Msg("normalize: skipping malformed document")
				skipped++
				return nil
			}
			docs = append(docs, d.Value)
			return nil
		}

		var err error
		if p == "-" {
			err = reader.Read(cmd.Context(), cmd.InOrStdin(), format, collect)
		} else {
			err = reader.ReadFile(cmd.Context(), p, format, collect)
		}
		if err != nil {
			return nil, 0, fmt.Errorf("reading %s: %w", p, err)
		}
	}
	log.Debug().Int("documents", len(docs)).Int("skipped", skipped).Msg("normalize: inputs read")
	return docs, skipped, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
