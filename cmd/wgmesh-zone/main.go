// Command wgmesh-zone serves mesh records from a YAML zone file over UDP and TCP.
// SIGHUP reloads the zone file.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nyiyui/wgmesh/dns"
	"github.com/nyiyui/wgmesh/util"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wgmesh-zone: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var zonePath string
	var addr string
	var debug bool

	cmd := &cobra.Command{
		Use:           "wgmesh-zone",
		Short:         "Serve mesh records from a zone file",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return util.SetupLog(debug)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			zone, err := dns.LoadZone(zonePath)
			if err != nil {
				return err
			}
			data, err := json.Marshal(zone)
			if err != nil {
				panic(err)
			}
			zap.S().Debugf("parsed zone:\n%s", data)

			s, err := dns.NewZoneServer(zone)
			if err != nil {
				return err
			}
			for _, network := range []string{"udp", "tcp"} {
				server, err := s.Listen(network, addr)
				if err != nil {
					return fmt.Errorf("failed to listen: %w", err)
				}
				defer server.Shutdown()
				zap.S().Infof("listening for DNS on %s/%s.", addr, network)
			}
			util.Notify("READY=1\nSTATUS=listening on UDP and TCP…")

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
			for sig := range signals {
				if sig != syscall.SIGHUP {
					util.Notify("STOPPING=1")
					return nil
				}
				util.Notify("RELOADING=1")
				zone, err := dns.LoadZone(zonePath)
				if err == nil {
					err = s.SetZone(zone)
				}
				if err != nil {
					zap.S().Errorf("reload of %s failed, keeping previous zone: %s", zonePath, err)
				}
				util.Notify("READY=1")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&zonePath, "zone", "", "path to YAML zone file")
	cmd.Flags().StringVar(&addr, "listen", ":53", "address to serve DNS on")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.MarkFlagRequired("zone")
	return cmd
}
