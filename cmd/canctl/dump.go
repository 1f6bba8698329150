package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-canio/internal/can"
)

const recvPoll = 100 * time.Millisecond

// frameRecord is the structured form of a received frame.
type frameRecord struct {
	Time     string `json:"time" yaml:"time"`
	ID       string `json:"id" yaml:"id"`
	Extended bool   `json:"extended" yaml:"extended"`
	Remote   bool   `json:"remote" yaml:"remote"`
	Len      uint8  `json:"len" yaml:"len"`
	Data     string `json:"data" yaml:"data"`
}

func newRecord(at time.Time, f can.Frame) frameRecord {
	r := frameRecord{
		Time:     at.UTC().Format(time.RFC3339Nano),
		ID:       f.ID().String(),
		Extended: f.IsExtended(),
		Remote:   f.IsRemote(),
		Len:      f.Len,
	}
	if !f.IsRemote() {
		r.Data = fmt.Sprintf("%X", f.Payload())
	}
	return r
}

// logLine renders a frame like candump -L.
func logLine(w io.Writer, at time.Time, dev string, f can.Frame) {
	fmt.Fprintf(w, "(%d.%06d) %s %s\n", at.Unix(), at.Nanosecond()/1000, dev, f)
}

func newDumpCmd(app *cli) *cobra.Command {
	var (
		filters string
		count   int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "dump <device>",
		Short: "Print received frames until interrupted, --count or --timeout",
		Example: `  canctl dump socketcan:can0 --filter 100:700,18DAF110:1FFFFFFF
  canctl dump cnl:gw.local:20000 --count 10 -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := can.ParseFilters(filters)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			dev, err := can.Open(args[0])
			if err != nil {
				return err
			}
			defer dev.Close()
			if len(fs) > 0 {
				fc, ok := dev.(interface {
					SetFilters([]can.IDMaskFilter) error
				})
				if !ok {
					return fmt.Errorf("%s: filters: %w", args[0], can.ErrUnsupported)
				}
				if err := fc.SetFilters(fs); err != nil {
					return err
				}
			}

			var records []frameRecord
			n := 0
			for count <= 0 || n < count {
				f, err := recvContext(ctx, dev)
				if err != nil {
					if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
						break
					}
					return err
				}
				n++
				now := time.Now()
				if app.structured() {
					records = append(records, newRecord(now, f))
					continue
				}
				logLine(cmd.OutOrStdout(), now, args[0], f)
			}
			app.log.Debug("dump_done", "frames", n)
			if app.structured() {
				if records == nil {
					records = []frameRecord{}
				}
				return app.print(cmd, records)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filters, "filter", "", "acceptance filters, comma separated id:mask in hex")
	cmd.Flags().IntVar(&count, "count", 0, "stop after this many frames (0 = unlimited)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop after this long (0 = no limit)")
	return cmd
}

// recvContext waits for a frame on dev until ctx ends, polling devices
// that only offer the blocking calls.
func recvContext(ctx context.Context, dev can.Device) (can.Frame, error) {
	if a, ok := dev.(can.AsyncRxFrameIo[can.Frame]); ok {
		return a.RecvContext(ctx)
	}
	for {
		if err := ctx.Err(); err != nil {
			return can.Frame{}, err
		}
		f, err := dev.RecvTimeout(recvPoll)
		if can.IsTimeout(err) {
			continue
		}
		return f, err
	}
}
