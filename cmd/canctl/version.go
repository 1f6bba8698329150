package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=... -X main.commit=... -X main.date=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type versionInfo struct {
	Version string `json:"version" yaml:"version"`
	Commit  string `json:"commit" yaml:"commit"`
	Date    string `json:"date" yaml:"date"`
}

func newVersionCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show canctl build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.structured() {
				return app.print(cmd, versionInfo{version, commit, date})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "canctl version %s (commit %s, built %s)\n", version, commit, date)
			return nil
		},
	}
}
