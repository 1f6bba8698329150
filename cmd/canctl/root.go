package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/logging"
	"github.com/kstaniek/go-canio/internal/output"
)

// cli is the state shared by every subcommand.
type cli struct {
	outputFormat string
	logLevel     string

	formatter output.Formatter
	log       *slog.Logger
}

func (a *cli) structured() bool { return output.Structured(a.formatter) }

func (a *cli) print(cmd *cobra.Command, v any) error {
	_, err := fmt.Fprint(cmd.OutOrStdout(), a.formatter.Format(v))
	return err
}

// newRootCmd builds the command tree. Each call returns a fresh tree so
// tests can run commands independently.
func newRootCmd() *cobra.Command {
	app := &cli{}
	root := &cobra.Command{
		Use:   "canctl",
		Short: "CAN bus tool for SocketCAN, serial, cannelloni and loopback devices",
		Long: `canctl talks to CAN devices through the driver registry. Devices are
named kind:name, for example socketcan:can0, serial:/dev/ttyUSB0,
cnl:gateway.local:20000 or loopback:sim0.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			f, err := output.NewFormatter(app.outputFormat)
			if err != nil {
				return err
			}
			app.formatter = f
			app.log = logging.New("text", logging.ParseLevel(app.logLevel), cmd.ErrOrStderr()).With("app", "canctl")
			logging.Set(app.log)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&app.outputFormat, "output", "o", "text", "output format: text, json, yaml")
	root.PersistentFlags().StringVar(&app.logLevel, "log-level", "warn", "log level: debug|info|warn|error")

	root.AddCommand(
		newSendCmd(app),
		newDumpCmd(app),
		newBridgeCmd(app),
		newLinkCmd(app),
		newDiscoverCmd(app),
		newDriversCmd(app),
		newVersionCmd(app),
	)
	return root
}

func newDriversCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Short: "List registered driver kinds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.print(cmd, can.Kinds())
		},
	}
}
