package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-canio/internal/can"
)

type bridgeResult struct {
	From    string `json:"from" yaml:"from"`
	To      string `json:"to" yaml:"to"`
	Bridged int    `json:"bridged" yaml:"bridged"`
}

func newBridgeCmd(app *cli) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:     "bridge <from> <to>",
		Short:   "Forward every frame received on one device to another",
		Example: `  canctl bridge socketcan:can0 cnl:gw.local:20000`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			from, err := can.Open(args[0])
			if err != nil {
				return err
			}
			defer from.Close()
			to, err := can.Open(args[1])
			if err != nil {
				return err
			}
			defer to.Close()
			src, ok := from.(can.AsyncRxFrameIo[can.Frame])
			if !ok {
				return fmt.Errorf("%s: context receive: %w", args[0], can.ErrUnsupported)
			}
			dst, ok := to.(can.AsyncTxFrameIo[can.Frame])
			if !ok {
				return fmt.Errorf("%s: context send: %w", args[1], can.ErrUnsupported)
			}
			app.log.Info("bridge_start", "from", args[0], "to", args[1])
			n, err := can.PumpContext(ctx, dst, src)
			if err != nil {
				return fmt.Errorf("bridge stopped after %d frame(s): %w", n, err)
			}
			res := bridgeResult{From: args[0], To: args[1], Bridged: n}
			if app.structured() {
				return app.print(cmd, res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bridged %d frame(s) from %s to %s\n", n, args[0], args[1])
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop after this long (0 = until interrupted)")
	return cmd
}
