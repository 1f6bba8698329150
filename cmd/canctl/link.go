package main

import (
	"github.com/spf13/cobra"

	"github.com/kstaniek/go-canio/internal/socketcan"
)

func newLinkCmd(app *cli) *cobra.Command {
	var (
		up, down   bool
		bitrate    uint32
		listenOnly bool
	)
	cmd := &cobra.Command{
		Use:   "link <iface>",
		Short: "Show or configure a SocketCAN interface over rtnetlink",
		Long: `Without flags link prints the interface state. Changing the bitrate or
listen-only mode takes the link down first; it is brought back up unless
--down is given.`,
		Example: `  canctl link can0
  canctl link can0 --bitrate 500000 --up`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			iface := args[0]
			flags := cmd.Flags()
			reconfigure := flags.Changed("bitrate") || flags.Changed("listen-only")
			if reconfigure {
				before, err := socketcan.QueryLink(iface)
				if err != nil {
					return err
				}
				if err := socketcan.SetLinkUp(iface, false); err != nil {
					return err
				}
				if flags.Changed("bitrate") {
					if err := socketcan.SetBitrate(iface, bitrate); err != nil {
						return err
					}
				}
				if flags.Changed("listen-only") {
					if err := socketcan.SetListenOnly(iface, listenOnly); err != nil {
						return err
					}
				}
				if before.Up && !down {
					up = true
				}
			}
			switch {
			case up:
				if err := socketcan.SetLinkUp(iface, true); err != nil {
					return err
				}
			case down && !reconfigure:
				if err := socketcan.SetLinkUp(iface, false); err != nil {
					return err
				}
			}
			info, err := socketcan.QueryLink(iface)
			if err != nil {
				return err
			}
			app.log.Debug("link_info", "iface", iface, "up", info.Up, "bitrate", info.Bitrate)
			return app.print(cmd, info)
		},
	}
	cmd.Flags().BoolVar(&up, "up", false, "bring the link up")
	cmd.Flags().BoolVar(&down, "down", false, "take the link down")
	cmd.Flags().Uint32Var(&bitrate, "bitrate", 0, "nominal bitrate in bit/s")
	cmd.Flags().BoolVar(&listenOnly, "listen-only", false, "set listen-only (bus monitoring) mode")
	cmd.MarkFlagsMutuallyExclusive("up", "down")
	return cmd
}
