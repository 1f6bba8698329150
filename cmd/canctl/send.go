package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-canio/internal/can"
)

const idlePoll = 5 * time.Millisecond

type sendResult struct {
	Device string   `json:"device" yaml:"device"`
	Sent   int      `json:"sent" yaml:"sent"`
	Frames []string `json:"frames" yaml:"frames"`
}

func newSendCmd(app *cli) *cobra.Command {
	var (
		timeout  time.Duration
		repeat   int
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <device> <frame>...",
		Short: "Transmit frames written in candump notation (123#DEADBEEF, 1ABCDEFF#, 123#R)",
		Example: `  canctl send socketcan:can0 123#DEADBEEF
  canctl send loopback:sim0 7DF#0201 --repeat 10 --interval 100ms`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			frames := make([]can.Frame, 0, len(args)-1)
			for _, s := range args[1:] {
				f, err := can.ParseFrame(s)
				if err != nil {
					return err
				}
				frames = append(frames, f)
			}
			if repeat < 1 {
				return fmt.Errorf("--repeat must be >= 1")
			}
			dev, err := can.Open(args[0])
			if err != nil {
				return err
			}
			res := sendResult{Device: args[0]}
			tx := can.NewLogged[can.Frame](dev, app.log, slog.LevelDebug, can.LogSend)
			err = func() error {
				for i := 0; i < repeat; i++ {
					if i > 0 && interval > 0 {
						time.Sleep(interval)
					}
					for _, f := range frames {
						if err := tx.SendTimeout(f, timeout); err != nil {
							return fmt.Errorf("send %s: %w", f, err)
						}
						res.Sent++
					}
				}
				return waitIdle(dev, timeout)
			}()
			err = errors.Join(err, dev.Close())
			if err != nil {
				return err
			}
			for _, f := range frames {
				res.Frames = append(res.Frames, f.String())
			}
			if app.structured() {
				return app.print(cmd, res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d frame(s) on %s\n", res.Sent, res.Device)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Second, "per-frame transmit timeout")
	cmd.Flags().IntVar(&repeat, "repeat", 1, "send the frame list this many times")
	cmd.Flags().DurationVar(&interval, "interval", 0, "pause between repetitions")
	return cmd
}

// waitIdle lets queued frames drain before the device closes. Devices
// without TxRxState are assumed to transmit synchronously.
func waitIdle(dev can.Device, timeout time.Duration) error {
	st, ok := dev.(can.TxRxState)
	if !ok {
		return nil
	}
	deadline := time.Now().Add(timeout)
	for {
		idle, err := st.IsTransmitterIdle()
		if err != nil || idle {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("transmit queue not drained: %w", can.ErrTimeout)
		}
		time.Sleep(idlePoll)
	}
}
