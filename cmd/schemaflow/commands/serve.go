package commands

import (
	"github.com/spf13/cobra"
)

func newServeCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the gRPC health service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.openApp(cmd.Context())
			if err != nil {
				return err
			}
			// Serve closes the app on return.
			return a.Serve(cmd.Context())
		},
	}

	cmd.Flags().String("http-addr", "", "HTTP listen address")
	cmd.Flags().String("grpc-addr", "", "gRPC health listen address")
	cmd.Flags().Bool("grpc", false, "Enable the gRPC health service")
	if err := o.bind(cmd, map[string]string{
		"http.addr":    "http-addr",
		"grpc.addr":    "grpc-addr",
		"grpc.enabled": "grpc",
	}); err != nil {
		panic(err)
	}
	return cmd
}
