package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newLoadsCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loads",
		Short: "List and complete load packages",
	}
	cmd.AddCommand(newLoadsListCmd(o), newLoadsCompleteCmd(o))
	return cmd
}

func newLoadsListCmd(o *rootOptions) *cobra.Command {
	var (
		schemaName string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List completed loads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			loads, err := a.Pipeline().Loads(cmd.Context(), schemaName)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), loads)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-28s%-20s%-8s%s\n", "LOAD ID", "SCHEMA", "STATUS", "INSERTED AT")
			for _, l := range loads {
				fmt.Fprintf(w, "%-28s%-20s%-8d%s\n", l.LoadID, l.SchemaName, l.Status, l.InsertedAt.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&schemaName, "schema", "", "Only list loads of this schema")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print loads as JSON")
	return cmd
}

func newLoadsCompleteCmd(o *rootOptions) *cobra.Command {
	var schemaName string

	cmd := &cobra.Command{
		Use:   "complete LOAD_ID",
		Short: "Record a load package as completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.Pipeline().CompleteLoad(cmd.Context(), args[0], schemaName)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}

	cmd.Flags().StringVar(&schemaName, "schema", "", "Schema the load belongs to (read from the package when empty)")
	return cmd
}
