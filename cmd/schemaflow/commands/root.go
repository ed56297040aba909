// Package commands implements the schemaflow command line.
package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/schemaflow/schemaflow/internal/app"
	"github.com/schemaflow/schemaflow/internal/config"
)

// rootOptions carries the global flags and the loaded configuration.
type rootOptions struct {
	version string
	v       *viper.Viper

	configFile string
	envFile    string
	verbose    bool

	cfg *config.Config
}

// NewRootCmd builds the schemaflow command tree.
func NewRootCmd(version string) *cobra.Command {
	o := &rootOptions{version: version, v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "schemaflow",
		Short:         "Normalize nested documents into relational tables with an evolving schema",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.load()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&o.configFile, "config", "c", "", "Path to configuration file (YAML or JSON)")
	pf.StringVar(&o.envFile, "env-file", ".env", "Load environment variables from this file when it exists")
	pf.BoolVarP(&o.verbose, "verbose", "v", false, "Enable verbose (debug) logging")
	pf.String("data-dir", "", "Base directory for all data files")
	pf.String("log-level", "", "Log level: trace, debug, info, warn, error")
	pf.String("log-format", "", "Log format: console, json")
	pf.String("storage-path", "", "Local object storage directory")
	pf.String("catalog-driver", "", "Bookkeeping catalog: sqlite, postgres, none")
	pf.String("catalog-dsn", "", "Catalog database path or connection string")
	for key, flag := range map[string]string{
		"data_dir":       "data-dir",
		"log.level":      "log-level",
		"log.format":     "log-format",
		"storage.path":   "storage-path",
		"catalog.driver": "catalog-driver",
		"catalog.dsn":    "catalog-dsn",
	} {
		// Bind the cobra flags into viper so they can be read uniformly.
		if err := o.v.BindPFlag(key, pf.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(
		newNormalizeCmd(o),
		newSchemaCmd(o),
		newLoadsCmd(o),
		newServeCmd(o),
		newVersionCmd(o),
	)
	return rootCmd
}

// load builds the configuration: defaults or file, then .env and SCHEMAFLOW_*
// variables, then flags.
func (o *rootOptions) load() error {
	if o.envFile != "" {
		if err := config.LoadDotEnv(o.envFile); err != nil {
			return err
		}
	}

	cfg := config.DefaultConfig()
	if o.configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(o.configFile); err != nil {
			return err
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return err
	}

	setString := func(key string, dst *string) {
		if o.v.IsSet(key) {
			*dst = o.v.GetString(key)
		}
	}
	setString("data_dir", &cfg.DataDir)
	setString("log.level", &cfg.Log.Level)
	setString("log.format", &cfg.Log.Format)
	setString("storage.path", &cfg.Storage.Path)
	setString("catalog.driver", &cfg.Catalog.Driver)
	setString("catalog.dsn", &cfg.Catalog.DSN)
	setString("http.addr", &cfg.HTTP.Addr)
	setString("grpc.addr", &cfg.GRPC.Addr)
	if o.v.IsSet("grpc.enabled") {
		cfg.GRPC.Enabled = o.v.GetBool("grpc.enabled")
	}
	if o.v.IsSet("normalize.workers") {
		cfg.Normalize.Workers = o.v.GetInt("normalize.workers")
	}
	if o.v.IsSet("normalize.auto_migrate") {
		cfg.Normalize.AutoMigrate = o.v.GetBool("normalize.auto_migrate")
	}

	InitLogging(cfg.Log.Level, cfg.Log.Format, o.verbose)
	o.cfg = cfg
	return nil
}

// bind binds command-local flags to configuration keys.
func (o *rootOptions) bind(cmd *cobra.Command, keys map[string]string) error {
	for key, flag := range keys {
		if err := o.v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// openApp initializes the shared resources. The caller closes the app.
func (o *rootOptions) openApp(ctx context.Context) (*app.App, error) {
	if o.cfg == nil {
		if err := o.load(); err != nil {
			return nil, err
		}
	}
	return app.New(ctx, o.cfg, o.version)
}

func newVersionCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the schemaflow version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "schemaflow %s\n", strings.TrimSpace(o.version))
			return err
		},
	}
}
