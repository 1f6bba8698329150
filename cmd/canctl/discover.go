package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-canio/internal/cnl"
)

func newDiscoverCmd(app *cli) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Browse mDNS for cannelloni gateways (" + cnl.ServiceType + ")",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			gws, err := cnl.Browse(cmd.Context(), timeout)
			if err != nil {
				return err
			}
			app.log.Debug("discover_done", "found", len(gws))
			return app.print(cmd, gws)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "how long to collect answers")
	return cmd
}
