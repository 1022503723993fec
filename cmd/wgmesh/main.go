//go:build linux

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nyiyui/wgmesh/device"
	"github.com/nyiyui/wgmesh/dns"
	"github.com/nyiyui/wgmesh/mesh"
	"github.com/nyiyui/wgmesh/route"
	"github.com/nyiyui/wgmesh/util"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wgmesh: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var resolver string
	var debug bool
	var dryRun bool
	var interval time.Duration
	var attempts int
	var backoff time.Duration

	cmd := &cobra.Command{
		Use:           "wgmesh <mesh-record> [interface]",
		Short:         "Install the WireGuard peers and routes of a DNS-published mesh",
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return util.SetupLog(debug)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			config := DefaultConfig()
			if configPath != "" {
				var err error
				config, err = LoadConfig(configPath)
				if err != nil {
					return err
				}
			}
			config.Apply(Overrides{Args: args, Resolver: resolver, Env: os.Getenv})
			if cmd.Flags().Changed("interval") {
				config.Interval = util.Duration(interval)
			}
			if cmd.Flags().Changed("device-attempts") {
				config.DeviceAttempts = attempts
			}
			if cmd.Flags().Changed("device-backoff") {
				config.DeviceBackoff = util.Duration(backoff)
			}
			if err := config.Validate(); err != nil {
				return err
			}
			data, _ := json.Marshal(config)
			zap.S().Debugf("config: %s", data)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, config, dryRun)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&resolver, "resolver", "", fmt.Sprintf("nameserver as host[:port] (default: $%s, then /etc/resolv.conf)", dns.ResolverEnv))
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the selected peers without configuring anything")
	cmd.Flags().DurationVar(&interval, "interval", 0, "repeat passes at this interval (0 runs once)")
	cmd.Flags().IntVar(&attempts, "device-attempts", 10, "read the device identity at most this many times while the device does not exist")
	cmd.Flags().DurationVar(&backoff, "device-backoff", time.Second, "wait between device identity attempts")
	return cmd
}

func run(ctx context.Context, config Config, dryRun bool) error {
	nameserver, err := dns.Nameserver(ctx, config.Resolver, dns.ResolvConfPath)
	if err != nil {
		return err
	}
	zap.S().Infof("using nameserver %s.", nameserver)

	wgClient, err := wgctrl.New()
	if err != nil {
		return fmt.Errorf("create wireguard client: %w", err)
	}
	defer wgClient.Close()
	handle, err := route.NewHandle()
	if err != nil {
		return fmt.Errorf("create netlink handle: %w", err)
	}
	defer handle.Close()

	m := mesh.New(
		dns.NewRepository(nameserver),
		&device.RetryIdentity{
			Device:   device.NewReconciler(wgClient, config.Interface),
			Attempts: config.DeviceAttempts,
			Interval: time.Duration(config.DeviceBackoff),
		},
		route.NewReconciler(handle, config.Interface),
	)

	if dryRun {
		peers, err := m.Plan(ctx, config.MeshRecord)
		if err != nil {
			return err
		}
		for _, peer := range peers {
			fmt.Println(peer)
		}
		return nil
	}

	if config.Interval == 0 {
		return m.Execute(ctx, config.MeshRecord)
	}
	return loop(ctx, m, config)
}

// loop runs a pass every config.Interval until ctx is done.
// A failed pass is logged and retried on the next tick.
func loop(ctx context.Context, m *mesh.Mesh, config Config) error {
	m.Observe = func(s mesh.State) {
		util.Notify("STATUS=" + s.String())
	}
	util.Notify("READY=1")
	t := time.NewTicker(time.Duration(config.Interval))
	defer t.Stop()
	for {
		err := m.Execute(ctx, config.MeshRecord)
		if err != nil {
			zap.S().Errorf("%s: %s", config.MeshRecord, err)
			util.Notify(fmt.Sprintf("STATUS=last pass failed: %s", err))
		} else {
			util.Notify(fmt.Sprintf("STATUS=converged at %s", time.Now().Format(time.RFC3339)))
		}
		select {
		case <-ctx.Done():
			util.Notify("STOPPING=1")
			return nil
		case <-t.C:
		}
	}
}
